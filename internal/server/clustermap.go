package server

import (
	"sync"

	"github.com/marmos91/dittokv/internal/protocol/mcbp"
)

// ClusterMapNoRevision disables NMVB deduplication: every response
// carries the full map.
const ClusterMapNoRevision int64 = -1

// clusterMapRevisionSentinel is the per-connection "never seen a map"
// marker.
const clusterMapRevisionSentinel int64 = -2

// ClusterMap holds the current cluster topology payload and its
// revision. NMVB responses and clustermap-change notifications read
// it; the management plane updates it.
type ClusterMap struct {
	mu       sync.RWMutex
	revision int64
	payload  []byte
}

// NewClusterMap starts with no map (revision -1, dedup disabled).
func NewClusterMap() *ClusterMap {
	return &ClusterMap{revision: ClusterMapNoRevision}
}

// Current returns the revision and payload.
func (m *ClusterMap) Current() (int64, []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision, m.payload
}

// Update publishes a new map revision.
func (m *ClusterMap) Update(revision int64, payload []byte) {
	m.mu.Lock()
	m.revision = revision
	m.payload = append([]byte(nil), payload...)
	m.mu.Unlock()
}

// NotifyClustermapChanged pushes a ClustermapChangeNotification server event to
// every connection that negotiated the feature. Connections that just
// received the map inside an NMVB response are skipped.
func (s *Server) NotifyClustermapChanged(bucketName string) {
	revision, payload := s.clusterMap.Current()
	if revision == ClusterMapNoRevision {
		return
	}

	s.connsMu.RLock()
	targets := make([]*Connection, 0)
	for _, c := range s.conns {
		if c.ccnSupport && c.duplexSupport {
			targets = append(targets, c)
		}
	}
	s.connsMu.RUnlock()

	for _, c := range targets {
		c.worker.addServerEvent(c, &clustermapNotificationEvent{
			bucket:   bucketName,
			revision: uint32(revision),
			payload:  payload,
		})
	}
}

// clustermapNotificationEvent injects a ClustermapChangeNotification
// server request into a connection's stream.
type clustermapNotificationEvent struct {
	bucket   string
	revision uint32
	payload  []byte
}

func (e *clustermapNotificationEvent) Description() string {
	return "ClustermapChangeNotification"
}

func (e *clustermapNotificationEvent) Execute(c *Connection) bool {
	if int64(e.revision) == c.lastSeenClusterRev {
		return true
	}

	extras := []byte{
		byte(e.revision >> 24), byte(e.revision >> 16),
		byte(e.revision >> 8), byte(e.revision),
	}
	builder := mcbp.RequestBuilder{
		Magic:    mcbp.ServerRequest,
		ServerOp: mcbp.ServerOpClustermapChangeNotification,
		Datatype: mcbp.DatatypeJSON,
		Extras:   extras,
		Key:      []byte(e.bucket),
		Value:    e.payload,
	}
	c.out.copyBytes(builder.Encode())
	c.lastSeenClusterRev = int64(e.revision)

	c.writeAndGo = StateNewCmd
	c.sm.setState(StateSendData)
	return true
}
