// Package audit writes security-relevant events (malformed packets,
// authentication failures, privilege denials) to an append-only
// JSON-lines sink.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittokv/internal/logger"
)

// EventID identifies the kind of event.
type EventID string

const (
	EventInvalidPacket  EventID = "invalid_packet"
	EventAuthFailed     EventID = "authentication_failed"
	EventAuthSucceeded  EventID = "authentication_succeeded"
	EventAccessDenied   EventID = "access_denied"
	EventPrivilegeDebug EventID = "privilege_debug"
	EventShutdown       EventID = "shutdown"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Event     EventID        `json:"event"`
	Timestamp string         `json:"timestamp"`
	Peer      string         `json:"peer,omitempty"`
	User      string         `json:"user,omitempty"`
	Bucket    string         `json:"bucket,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations must be safe for
// concurrent use; Put must never block the caller on the data plane
// beyond a local write.
type Sink interface {
	Put(event Event)
	Close() error
}

// NewEventUUID allocates the correlation id embedded in the event and
// echoed to the client inside error-info payloads.
func NewEventUUID() string {
	return uuid.NewString()
}

// nopSink discards everything. Used when auditing is disabled.
type nopSink struct{}

func (nopSink) Put(Event) {}

func (nopSink) Close() error { return nil }

// NewNopSink returns a sink that discards all events.
func NewNopSink() Sink { return nopSink{} }

// FileSink appends JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Put implements Sink.
func (s *FileSink) Put(event Event) {
	if event.ID == "" {
		event.ID = NewEventUUID()
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(event)
	if err != nil {
		logger.Warn("Dropping unmarshalable audit event %s: %v", event.Event, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		logger.Warn("Audit write failed: %v", err)
	}
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
