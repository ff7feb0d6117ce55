package server

import (
	"encoding/binary"
	"strings"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// supportedFeatures is the server's side of HELLO negotiation.
var supportedFeatures = map[mcbp.Feature]bool{
	mcbp.FeatureDatatype:                    true,
	mcbp.FeatureTCPNoDelay:                  true,
	mcbp.FeatureTCPDelay:                    true,
	mcbp.FeatureMutationSeqno:               true,
	mcbp.FeatureXattr:                       true,
	mcbp.FeatureXerror:                      true,
	mcbp.FeatureSelectBucket:                true,
	mcbp.FeatureSnappy:                      true,
	mcbp.FeatureJSON:                        true,
	mcbp.FeatureDuplex:                      true,
	mcbp.FeatureClustermapChangeNotification: true,
	mcbp.FeatureUnorderedExecution:          true,
	mcbp.FeatureTracing:                     true,
	mcbp.FeatureAltRequestSupport:           true,
	mcbp.FeatureSyncReplication:             true,
	mcbp.FeatureCollections:                 true,
	mcbp.FeatureOpenTracing:                 true,
}

// helloExecutor intersects the requested features with the supported
// set, toggles the connection flags and echoes the accepted list.
func helloExecutor(c *Connection, ck *Cookie) {
	p := ck.packet

	if len(p.Key) > 0 {
		c.agentName = string(p.Key)
	}

	requested := make([]mcbp.Feature, 0, p.ValueLen()/2)
	for i := 0; i+1 < len(p.Value); i += 2 {
		requested = append(requested, mcbp.Feature(binary.BigEndian.Uint16(p.Value[i:i+2])))
	}

	// UnorderedExecution cannot be combined with an open DCP stream.
	accepted := make([]mcbp.Feature, 0, len(requested))
	seen := make(map[mcbp.Feature]bool)
	var names []string

	for _, f := range requested {
		if !supportedFeatures[f] || seen[f] {
			continue
		}
		if f == mcbp.FeatureUnorderedExecution && c.isDCP() {
			c.logWarn("ignoring UnorderedExecution on a DCP connection")
			continue
		}
		seen[f] = true
		accepted = append(accepted, f)
		names = append(names, f.String())

		switch f {
		case mcbp.FeatureXerror:
			c.xerrorSupport = true
		case mcbp.FeatureSnappy:
			c.snappySupport = true
		case mcbp.FeatureJSON:
			c.jsonSupport = true
		case mcbp.FeatureXattr:
			c.xattrSupport = true
		case mcbp.FeatureMutationSeqno:
			c.mutationSeqnoSupport = true
		case mcbp.FeatureCollections:
			c.collectionsSupport = true
		case mcbp.FeatureDuplex:
			c.duplexSupport = true
		case mcbp.FeatureUnorderedExecution:
			c.unorderedExecution = true
		case mcbp.FeatureTracing, mcbp.FeatureOpenTracing:
			c.tracingSupport = true
		case mcbp.FeatureAltRequestSupport:
			c.altRequestSupport = true
		case mcbp.FeatureSyncReplication:
			c.syncReplicationSupport = true
		case mcbp.FeatureClustermapChangeNotification:
			c.ccnSupport = true
		}
	}

	if len(names) > 0 {
		c.logDebug("HELLO %q negotiated [%s]", c.agentName, strings.Join(names, ", "))
	}

	body := make([]byte, 0, len(accepted)*2)
	for _, f := range accepted {
		var buf [2]byte
		binary.BigEndian.PutUint16(buf[:], uint16(f))
		body = append(body, buf[:]...)
	}
	ck.sendResponse(mcbp.StatusSuccess, nil, nil, body, mcbp.DatatypeRaw, 0)
}
