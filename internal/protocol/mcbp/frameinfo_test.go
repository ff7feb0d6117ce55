package mcbp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameInfo struct {
	id   FrameInfoID
	data []byte
}

func collectFrameInfos(t *testing.T, buf []byte) []frameInfo {
	t.Helper()
	var out []frameInfo
	err := WalkFrameInfos(buf, func(id FrameInfoID, data []byte) bool {
		cp := append([]byte(nil), data...)
		out = append(out, frameInfo{id, cp})
		return true
	})
	require.NoError(t, err)
	return out
}

func TestFrameInfo_RoundTrip(t *testing.T) {
	buf := AppendFrameInfo(nil, FrameInfoReorder, nil)
	buf = AppendFrameInfo(buf, FrameInfoDurabilityRequirement, []byte{0x01})
	buf = AppendFrameInfo(buf, FrameInfoDcpStreamID, []byte{0x00, 0x07})
	buf = AppendFrameInfo(buf, FrameInfoOpenTracingContext, []byte("trace-ctx"))

	infos := collectFrameInfos(t, buf)
	require.Len(t, infos, 4)

	assert.Equal(t, FrameInfoReorder, infos[0].id)
	assert.Empty(t, infos[0].data)
	assert.Equal(t, FrameInfoDurabilityRequirement, infos[1].id)
	assert.Equal(t, []byte{0x01}, infos[1].data)
	assert.Equal(t, FrameInfoDcpStreamID, infos[2].id)
	assert.Equal(t, []byte{0x00, 0x07}, infos[2].data)
	assert.Equal(t, FrameInfoOpenTracingContext, infos[3].id)
	assert.Equal(t, []byte("trace-ctx"), infos[3].data)
}

func TestFrameInfo_EscapedID(t *testing.T) {
	buf := AppendFrameInfo(nil, FrameInfoID(20), []byte{0xaa})

	// id nibble must be the escape marker, second byte id-15.
	require.Equal(t, uint8(0xf1), buf[0])
	require.Equal(t, uint8(5), buf[1])

	infos := collectFrameInfos(t, buf)
	require.Len(t, infos, 1)
	assert.Equal(t, FrameInfoID(20), infos[0].id)
	assert.Equal(t, []byte{0xaa}, infos[0].data)
}

func TestFrameInfo_EscapedLength(t *testing.T) {
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := AppendFrameInfo(nil, FrameInfoOpenTracingContext, payload)

	require.Equal(t, uint8(0x3f), buf[0])
	require.Equal(t, uint8(15), buf[1])

	infos := collectFrameInfos(t, buf)
	require.Len(t, infos, 1)
	assert.Equal(t, payload, infos[0].data)
}

func TestFrameInfo_Overflow(t *testing.T) {
	// Declares a 4 byte payload but only 2 bytes follow.
	buf := []byte{0x24, 0xaa, 0xbb}

	err := WalkFrameInfos(buf, func(FrameInfoID, []byte) bool { return true })
	assert.ErrorIs(t, err, ErrFrameInfoOverflow)
}

func TestFrameInfo_TruncatedEscape(t *testing.T) {
	err := WalkFrameInfos([]byte{0xf0}, func(FrameInfoID, []byte) bool { return true })
	assert.ErrorIs(t, err, ErrFrameInfoOverflow)

	err = WalkFrameInfos([]byte{0x0f}, func(FrameInfoID, []byte) bool { return true })
	assert.ErrorIs(t, err, ErrFrameInfoOverflow)
}

func TestFrameInfo_StopEarly(t *testing.T) {
	buf := AppendFrameInfo(nil, FrameInfoReorder, nil)
	buf = AppendFrameInfo(buf, FrameInfoDcpStreamID, []byte{0, 1})

	var seen int
	err := WalkFrameInfos(buf, func(FrameInfoID, []byte) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestParseDurabilityRequirements(t *testing.T) {
	reqs, err := ParseDurabilityRequirements([]byte{0x02})
	require.NoError(t, err)
	assert.Equal(t, DurabilityMajorityAndPersistOnMaster, reqs.Level)
	assert.Zero(t, reqs.TimeoutMs)

	reqs, err = ParseDurabilityRequirements([]byte{0x01, 0x03, 0xe8})
	require.NoError(t, err)
	assert.Equal(t, DurabilityMajority, reqs.Level)
	assert.Equal(t, uint16(1000), reqs.TimeoutMs)

	_, err = ParseDurabilityRequirements(nil)
	assert.Error(t, err)
	_, err = ParseDurabilityRequirements([]byte{1, 2})
	assert.Error(t, err)
	_, err = ParseDurabilityRequirements([]byte{1, 2, 3, 4})
	assert.Error(t, err)

	assert.False(t, DurabilityLevel(0).IsValid())
	assert.True(t, DurabilityMajority.IsValid())
	assert.True(t, DurabilityPersistToMajority.IsValid())
	assert.False(t, DurabilityLevel(4).IsValid())
}
