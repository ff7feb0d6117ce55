package server

import "fmt"

// State is one state of a connection's lifecycle machine.
type State int

const (
	// StateSslInit performs the TLS handshake. Only TLS connections
	// start here.
	StateSslInit State = iota
	// StateNewCmd prepares the connection for the next command and
	// enforces the per-event fairness budget.
	StateNewCmd
	// StateWaiting waits for the socket to become readable.
	StateWaiting
	// StateReadPacketHeader pulls bytes until a complete header is
	// buffered.
	StateReadPacketHeader
	// StateParseCmd decodes and sanity-checks the header.
	StateParseCmd
	// StateReadPacketBody pulls bytes until the whole packet is
	// buffered.
	StateReadPacketBody
	// StateValidate runs the per-opcode validator.
	StateValidate
	// StateExecute dispatches the packet to its executor. An
	// ewouldblock return suspends here without transitioning.
	StateExecute
	// StateSendData flushes the output pipeline.
	StateSendData
	// StateDrainSendBuffer releases chained buffers once flushed.
	StateDrainSendBuffer
	// StateShipLog is the full-duplex DCP pump replacing waiting on
	// DCP connections.
	StateShipLog
	// StateClosing starts teardown.
	StateClosing
	// StatePendingClose waits for outstanding references to drop.
	StatePendingClose
	// StateImmediateClose releases resources.
	StateImmediateClose
	// StateDestroyed is terminal.
	StateDestroyed
)

var stateNames = map[State]string{
	StateSslInit:          "ssl_init",
	StateNewCmd:           "new_cmd",
	StateWaiting:          "waiting",
	StateReadPacketHeader: "read_packet_header",
	StateParseCmd:         "parse_cmd",
	StateReadPacketBody:   "read_packet_body",
	StateValidate:         "validate",
	StateExecute:          "execute",
	StateSendData:         "send_data",
	StateDrainSendBuffer:  "drain_send_buffer",
	StateShipLog:          "ship_log",
	StateClosing:          "closing",
	StatePendingClose:     "pending_close",
	StateImmediateClose:   "immediate_close",
	StateDestroyed:        "destroyed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateMachine drives one connection through its lifecycle. Every
// Execute call runs exactly one state handler; the handler either
// transitions (via setState) or yields.
type StateMachine struct {
	currentState State
	conn         *Connection
}

func newStateMachine(c *Connection, initial State) *StateMachine {
	return &StateMachine{currentState: initial, conn: c}
}

// IsIdleState reports whether the connection can be interrupted in its
// current state (used by cross-thread signaling and the shutdown
// paths).
func (sm *StateMachine) IsIdleState() bool {
	switch sm.currentState {
	case StateNewCmd, StateWaiting, StateReadPacketHeader,
		StateReadPacketBody, StateShipLog, StateSendData,
		StatePendingClose, StateDrainSendBuffer, StateSslInit:
		return true
	}
	return false
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return sm.currentState
}

// setState transitions the machine. Transitioning to the current state
// is legal (a no-op). DCP connections never sit in waiting: the
// transition is rewritten to ship_log so the pump runs instead.
func (sm *StateMachine) setState(next State) {
	if next == sm.currentState {
		return
	}

	c := sm.conn
	if c.isDCP() && next == StateWaiting {
		next = StateShipLog
	}

	if next == StateClosing || c.server.verbose() {
		c.logDebug("going from %s to %s", sm.currentState, next)
	}

	if next == StateSendData && !c.cookie.start.IsZero() {
		c.collectTimings()
	}

	sm.currentState = next
}

// Execute runs the current state's handler once.
//
// The return value is the handler's verdict on whether the machine can
// make further progress right now: false parks the connection until an
// external event (socket readability, an engine notification, a server
// event) wakes it.
func (sm *StateMachine) Execute() bool {
	switch sm.currentState {
	case StateSslInit:
		return sm.conn.stateSslInit()
	case StateNewCmd:
		return sm.conn.stateNewCmd()
	case StateWaiting:
		return sm.conn.stateWaiting()
	case StateReadPacketHeader:
		return sm.conn.stateReadPacketHeader()
	case StateParseCmd:
		return sm.conn.stateParseCmd()
	case StateReadPacketBody:
		return sm.conn.stateReadPacketBody()
	case StateValidate:
		return sm.conn.stateValidate()
	case StateExecute:
		return sm.conn.stateExecute()
	case StateSendData:
		return sm.conn.stateSendData()
	case StateDrainSendBuffer:
		return sm.conn.stateDrainSendBuffer()
	case StateShipLog:
		return sm.conn.stateShipLog()
	case StateClosing:
		return sm.conn.stateClosing()
	case StatePendingClose:
		return sm.conn.statePendingClose()
	case StateImmediateClose:
		return sm.conn.stateImmediateClose()
	case StateDestroyed:
		return false
	}
	panic(fmt.Sprintf("statemachine: unknown state %d", sm.currentState))
}
