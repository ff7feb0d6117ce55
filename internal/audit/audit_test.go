package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	sink.Put(Event{
		Event: EventInvalidPacket,
		Peer:  "10.0.0.1:5000",
		Detail: map[string]any{
			"reason": "bad magic",
		},
	})
	sink.Put(Event{
		Event: EventAuthFailed,
		User:  "mallory",
	})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 2)

	assert.Equal(t, EventInvalidPacket, events[0].Event)
	assert.NotEmpty(t, events[0].ID, "event ids are filled in")
	assert.NotEmpty(t, events[0].Timestamp)
	assert.Equal(t, "bad magic", events[0].Detail["reason"])

	assert.Equal(t, EventAuthFailed, events[1].Event)
	assert.Equal(t, "mallory", events[1].User)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestNopSink(t *testing.T) {
	sink := NewNopSink()
	sink.Put(Event{Event: EventShutdown})
	assert.NoError(t, sink.Close())
}
