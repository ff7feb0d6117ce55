package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpcode_ReorderSafety(t *testing.T) {
	safe := []ClientOpcode{
		OpGet, OpSet, OpDelete, OpIncrement, OpAppend,
		OpSubdocGet, OpSubdocMultiMutation, OpNoop,
	}
	for _, op := range safe {
		assert.True(t, op.IsReorderSupported(), "%s", op)
	}

	// Connection-state-changing and administrative opcodes must never
	// complete out of order.
	unsafe := []ClientOpcode{
		OpQuit, OpFlush, OpHello, OpSaslAuth, OpSaslStep,
		OpSelectBucket, OpShutdown, OpCreateBucket, OpDeleteBucket,
		OpStat, OpDcpOpen, OpDcpStreamReq, OpDcpMutation,
	}
	for _, op := range unsafe {
		assert.False(t, op.IsReorderSupported(), "%s", op)
	}
}

func TestOpcode_QuietVariants(t *testing.T) {
	assert.True(t, OpGetq.IsQuiet())
	assert.True(t, OpSetq.IsQuiet())
	assert.True(t, OpQuitq.IsQuiet())
	assert.False(t, OpGet.IsQuiet())
	assert.False(t, OpSet.IsQuiet())
}

func TestOpcode_DurabilitySupport(t *testing.T) {
	assert.True(t, OpSet.SupportsDurability())
	assert.True(t, OpDelete.SupportsDurability())
	assert.True(t, OpSubdocMultiMutation.SupportsDurability())
	assert.False(t, OpGet.SupportsDurability())
	assert.False(t, OpNoop.SupportsDurability())
	assert.False(t, OpHello.SupportsDurability())
}

func TestOpcode_Validity(t *testing.T) {
	assert.True(t, OpGet.IsValid())
	assert.True(t, OpSubdocGetCount.IsValid())
	assert.False(t, ClientOpcode(0x99).IsValid())
}

func TestFeature_Validity(t *testing.T) {
	assert.True(t, FeatureXerror.IsValid())
	assert.True(t, FeatureCollections.IsValid())
	assert.False(t, Feature(0x99).IsValid())
}
