package gatt

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/groutine"
)

// relayChunk is one unit of inbound echo work handed from a relay pump to the
// dispatcher. data nil with err nil means the stream ended cleanly.
type relayChunk struct {
	char string
	data []byte
	err  error
}

// relay pumps inbound bytes of one duplex characteristic toward the
// dispatcher, at most one MTU-sized chunk per read and never ahead of demand:
// each read happens only after the dispatcher grants a token via resume.
// That keeps the reader untouched while the notify sink is absent, so a
// half-closed characteristic contributes no ready work.
type relay struct {
	char   string
	resume chan struct{}
	cancel context.CancelFunc
}

// startRelay spawns a pump over r. The pump owns buf until it exits; the
// dispatcher must not reuse the buffer while the relay is live.
func startRelay(ctx context.Context, logger logrus.FieldLogger, char string, r io.Reader, buf []byte, out chan<- relayChunk) *relay {
	pumpCtx, cancel := context.WithCancel(ctx)
	rl := &relay{
		char:   char,
		resume: make(chan struct{}, 1),
		cancel: cancel,
	}
	groutine.Go(pumpCtx, logger, "echo-relay-"+char, func(ctx context.Context) {
		rl.pump(ctx, r, buf, out)
	})
	return rl
}

// grant allows the pump to perform one more read. Extra grants while one is
// already pending are coalesced.
func (rl *relay) grant() {
	select {
	case rl.resume <- struct{}{}:
	default:
	}
}

// stop cancels the pump. A pump blocked in Read is unblocked by the
// dispatcher closing the underlying stream.
func (rl *relay) stop() {
	rl.cancel()
}

func (rl *relay) pump(ctx context.Context, r io.Reader, buf []byte, out chan<- relayChunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rl.resume:
		}

		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !rl.deliver(ctx, out, relayChunk{char: rl.char, data: data}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				// Clean end of stream.
				err = nil
			}
			rl.deliver(ctx, out, relayChunk{char: rl.char, err: err})
			return
		}
		if n == 0 {
			// Zero-byte read without error: treat as end of stream.
			rl.deliver(ctx, out, relayChunk{char: rl.char})
			return
		}
	}
}

func (rl *relay) deliver(ctx context.Context, out chan<- relayChunk, c relayChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
