package gatt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemux/internal/sampler"
)

// ----------------------------
// Transport fakes
// ----------------------------

type fakeListener struct {
	ch chan AcceptEvent
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan AcceptEvent, 8)}
}

func (l *fakeListener) Events() <-chan AcceptEvent { return l.ch }

func (l *fakeListener) send(ev AcceptEvent) { l.ch <- ev }

type fakeRegistration struct {
	listeners  map[string]*fakeListener
	closeCount atomic.Int32
}

func newFakeRegistration(def *ServiceDefinition) *fakeRegistration {
	reg := &fakeRegistration{listeners: make(map[string]*fakeListener)}
	def.Each(func(c Characteristic) bool {
		reg.listeners[c.ID()] = newFakeListener()
		return true
	})
	return reg
}

func (r *fakeRegistration) Listener(id string) (AcceptListener, bool) {
	l, ok := r.listeners[id]
	if !ok {
		return nil, false
	}
	return l, true
}

func (r *fakeRegistration) Close() error {
	r.closeCount.Add(1)
	return nil
}

type fakeTransport struct {
	reg *fakeRegistration
	err error
}

func (t *fakeTransport) Register(ctx context.Context, def *ServiceDefinition) (Registration, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.reg, nil
}

// ----------------------------
// Sink fake
// ----------------------------

type fakeSink struct {
	mu       sync.Mutex
	writes   [][]byte
	attempts int
	failErr  error
	closed   bool
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failErr != nil {
		return 0, s.failErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	s.writes = append(s.writes, cp)
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *fakeSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *fakeSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSink) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ----------------------------
// Sampler fake
// ----------------------------

type fakeSampler struct {
	mu    sync.Mutex
	snap  sampler.Snapshot
	err   error
	calls int
}

func (s *fakeSampler) Sample() (sampler.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return sampler.Snapshot{}, s.err
	}
	return s.snap, nil
}

func (s *fakeSampler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSampler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ----------------------------
// Harness
// ----------------------------

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// startDispatcher runs a dispatcher against a fake transport and returns the
// registration, a cancel func, and the channel carrying Run's result.
func startDispatcher(t *testing.T, def *ServiceDefinition, smp sampler.Sampler, tick time.Duration) (*Dispatcher, *fakeRegistration, context.CancelFunc, <-chan error) {
	t.Helper()

	reg := newFakeRegistration(def)
	tr := &fakeTransport{reg: reg}
	d := NewDispatcher(def, tr, smp, &DispatcherConfig{TickInterval: tick}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return d.State() == StateRunning
	}, 2*time.Second, 5*time.Millisecond, "dispatcher did not reach running state")

	return d, reg, cancel, errCh
}

// waitStopped cancels the dispatcher and asserts a clean exit.
func waitStopped(t *testing.T, d *Dispatcher, cancel context.CancelFunc, errCh <-chan error) {
	t.Helper()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop in time")
	}
	require.Equal(t, StateStopped, d.State())
}
