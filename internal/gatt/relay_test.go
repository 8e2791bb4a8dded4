package gatt

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectChunk(t *testing.T, out <-chan relayChunk) relayChunk {
	t.Helper()
	select {
	case c := <-out:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no relay chunk within timeout")
		return relayChunk{}
	}
}

func TestRelay_NoReadBeforeGrant(t *testing.T) {
	pr, pw := io.Pipe()
	out := make(chan relayChunk)
	rl := startRelay(context.Background(), testLogger(), "echo", pr, make([]byte, 20), out)
	defer rl.stop()

	// Without a grant the pump must not touch the reader: a pipe write
	// stays blocked and nothing appears on out.
	wrote := make(chan struct{})
	go func() {
		_, _ = pw.Write([]byte("held"))
		close(wrote)
	}()

	select {
	case <-wrote:
		t.Fatal("relay read from the stream before any grant")
	case c := <-out:
		t.Fatalf("unexpected chunk before grant: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	rl.grant()
	c := collectChunk(t, out)
	assert.Equal(t, []byte("held"), c.data)
	<-wrote
}

func TestRelay_ChunksBoundedByBuffer(t *testing.T) {
	pr, pw := io.Pipe()
	out := make(chan relayChunk)
	rl := startRelay(context.Background(), testLogger(), "echo", pr, make([]byte, 20), out)
	defer rl.stop()

	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		_, _ = pw.Write(payload)
	}()

	var got []byte
	for len(got) < len(payload) {
		rl.grant()
		c := collectChunk(t, out)
		require.NoError(t, c.err)
		require.NotEmpty(t, c.data)
		assert.LessOrEqual(t, len(c.data), 20)
		got = append(got, c.data...)
	}
	assert.Equal(t, payload, got)
}

func TestRelay_CleanEndOnEOF(t *testing.T) {
	pr, pw := io.Pipe()
	out := make(chan relayChunk)
	rl := startRelay(context.Background(), testLogger(), "echo", pr, make([]byte, 20), out)
	defer rl.stop()

	go func() {
		_, _ = pw.Write([]byte("bye"))
		_ = pw.Close()
	}()

	rl.grant()
	c := collectChunk(t, out)
	assert.Equal(t, []byte("bye"), c.data)

	rl.grant()
	end := collectChunk(t, out)
	assert.Nil(t, end.data)
	assert.NoError(t, end.err)
}

func TestRelay_CloseWithErrorIsSurfaced(t *testing.T) {
	pr, pw := io.Pipe()
	out := make(chan relayChunk)
	rl := startRelay(context.Background(), testLogger(), "echo", pr, make([]byte, 20), out)
	defer rl.stop()

	readErr := errors.New("link supervision timeout")
	_ = pw.CloseWithError(readErr)

	rl.grant()
	c := collectChunk(t, out)
	assert.Nil(t, c.data)
	require.Error(t, c.err)
	assert.ErrorIs(t, c.err, readErr)
}

func TestRelay_StopUnblocksPendingGrant(t *testing.T) {
	pr, _ := io.Pipe()
	out := make(chan relayChunk)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := startRelay(ctx, testLogger(), "echo", pr, make([]byte, 20), out)

	// The pump is parked waiting for a token. stop must end it without a
	// read ever happening.
	rl.stop()
	_ = pr.Close()

	select {
	case c, ok := <-out:
		if ok {
			t.Fatalf("unexpected chunk after stop: %+v", c)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_GrantNeverBlocks(t *testing.T) {
	pr, _ := io.Pipe()
	out := make(chan relayChunk)
	rl := startRelay(context.Background(), testLogger(), "echo", pr, make([]byte, 20), out)
	defer func() {
		rl.stop()
		_ = pr.Close()
	}()

	// Extra grants coalesce; the caller must never be held up no matter
	// what state the pump is in.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			rl.grant()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("grant blocked")
	}
}
