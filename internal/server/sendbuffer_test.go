package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPipeline_CopyAndQueueSize(t *testing.T) {
	s := newSendPipeline()
	assert.Zero(t, s.queueSize())

	s.copyBytes([]byte("hello"))
	s.copyBytes([]byte("world"))
	assert.Equal(t, 10, s.queueSize())
}

func TestSendPipeline_WriteAll(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	received := make(chan []byte, 1)
	go func() {
		buf, _ := io.ReadAll(client)
		received <- buf
	}()

	s := newSendPipeline()
	s.copyBytes([]byte("abc"))
	s.chainBytes([]byte("def"), nil)

	empty, err := s.writeSome(srv, time.Second)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Zero(t, s.queueSize())

	srv.Close()
	assert.Equal(t, "abcdef", string(<-received))
}

func TestSendPipeline_ChainCleanupFiresOnceAfterSend(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	go func() {
		_, _ = io.ReadAll(client)
	}()

	releases := 0
	s := newSendPipeline()
	s.chainBytes(make([]byte, 1<<20), func() { releases++ })

	empty, err := s.writeSome(srv, 5*time.Second)
	require.NoError(t, err)
	require.True(t, empty)

	assert.Equal(t, 1, releases)
}

func TestSendPipeline_ReleaseFiresCleanups(t *testing.T) {
	s := newSendPipeline()
	releases := 0
	s.chainBytes([]byte("abc"), func() { releases++ })
	s.chainBytes([]byte("def"), func() { releases++ })

	s.release()
	assert.Equal(t, 2, releases)
	assert.Zero(t, s.queueSize())
}
