package server

// ServerEvent is a server-initiated action injected into a
// connection's stream between commands. Events are enqueued
// cross-thread (under the worker mutex) and executed on the
// connection's own goroutine at an idle point of the state machine.
type ServerEvent interface {
	// Description names the event for logging.
	Description() string

	// Execute performs the event. Returning false tears the
	// connection down.
	Execute(c *Connection) bool
}
