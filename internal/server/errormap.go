package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// errorMapPayload renders the GET_ERROR_MAP document: code, name and
// retry attributes for every status the server can emit. Built once.
var errorMapPayload = sync.OnceValue(func() []byte {
	type errEntry struct {
		Name  string   `json:"name"`
		Desc  string   `json:"desc"`
		Attrs []string `json:"attrs"`
	}

	attrsFor := func(status mcbp.Status) []string {
		switch status {
		case mcbp.StatusSuccess:
			return []string{"success"}
		case mcbp.StatusEtmpfail, mcbp.StatusEbusy,
			mcbp.StatusSyncWriteInProgress,
			mcbp.StatusSyncWriteReCommitInProgress:
			return []string{"temp", "retry-now"}
		case mcbp.StatusNotMyVbucket:
			return []string{"fetch-config"}
		case mcbp.StatusAuthStale, mcbp.StatusAuthError:
			return []string{"conn-state-invalidated", "auth"}
		case mcbp.StatusLocked:
			return []string{"item-locked"}
		default:
			return []string{"constant"}
		}
	}

	errors := map[string]errEntry{}
	for _, status := range []mcbp.Status{
		mcbp.StatusSuccess, mcbp.StatusKeyEnoent, mcbp.StatusKeyEexists,
		mcbp.StatusE2big, mcbp.StatusEinval, mcbp.StatusNotStored,
		mcbp.StatusDeltaBadval, mcbp.StatusNotMyVbucket, mcbp.StatusNoBucket,
		mcbp.StatusLocked, mcbp.StatusAuthStale, mcbp.StatusAuthError,
		mcbp.StatusAuthContinue, mcbp.StatusErange, mcbp.StatusRollback,
		mcbp.StatusEaccess, mcbp.StatusNotInitialized,
		mcbp.StatusUnknownFrameInfo, mcbp.StatusUnknownCommand,
		mcbp.StatusEnomem, mcbp.StatusNotSupported, mcbp.StatusEinternal,
		mcbp.StatusEbusy, mcbp.StatusEtmpfail,
		mcbp.StatusDurabilityInvalidLevel, mcbp.StatusDurabilityImpossible,
		mcbp.StatusSyncWriteInProgress, mcbp.StatusSyncWriteAmbiguous,
		mcbp.StatusSyncWriteReCommitInProgress, mcbp.StatusDcpStreamIDInvalid,
	} {
		errors[fmt.Sprintf("%x", uint16(status))] = errEntry{
			Name:  status.String(),
			Desc:  status.String(),
			Attrs: attrsFor(status),
		}
	}

	out, err := json.Marshal(map[string]any{
		"version":  2,
		"revision": 1,
		"errors":   errors,
	})
	if err != nil {
		return []byte("{}")
	}
	return out
})
