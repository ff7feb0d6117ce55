package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_IdleClassification(t *testing.T) {
	idle := []State{
		StateNewCmd, StateWaiting, StateReadPacketHeader,
		StateReadPacketBody, StateShipLog, StateSendData,
		StatePendingClose, StateDrainSendBuffer, StateSslInit,
	}
	busy := []State{
		StateParseCmd, StateClosing, StateImmediateClose,
		StateDestroyed, StateValidate, StateExecute,
	}

	sm := newStateMachine(&Connection{}, StateNewCmd)
	for _, s := range idle {
		sm.currentState = s
		assert.True(t, sm.IsIdleState(), "%s should be idle", s)
	}
	for _, s := range busy {
		sm.currentState = s
		assert.False(t, sm.IsIdleState(), "%s should not be idle", s)
	}
}

func TestState_Names(t *testing.T) {
	assert.Equal(t, "new_cmd", StateNewCmd.String())
	assert.Equal(t, "ship_log", StateShipLog.String())
	assert.Equal(t, "drain_send_buffer", StateDrainSendBuffer.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
}
