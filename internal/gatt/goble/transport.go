// Package goble implements the gatt.Transport interface on top of
// github.com/go-ble/ble in the peripheral role: it registers the service with
// the host controller, advertises it, and adapts go-ble's callback-style
// write/notify handlers into the accept-event streams the dispatcher consumes.
package goble

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/gatt"
	"github.com/srg/blemux/internal/groutine"
)

// DeviceFactory creates the ble.Device serving the peripheral role.
// It is a variable so tests can substitute a fake device.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Transport advertises and serves a gatt.ServiceDefinition over go-ble.
type Transport struct {
	deviceName string
	logger     *logrus.Logger
}

// NewTransport returns a transport that advertises under deviceName.
func NewTransport(deviceName string, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{deviceName: deviceName, logger: logger}
}

// Register opens the BLE device, installs the GATT service, and starts
// advertising. Failures here are setup faults and abort startup. The returned
// registration's listeners close when advertising ends for any reason other
// than an explicit Close, signalling the dispatcher to shut down.
func (t *Transport) Register(ctx context.Context, def *gatt.ServiceDefinition) (gatt.Registration, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE device: %w", err)
	}

	svc := ble.NewService(def.UUID)
	reg := &registration{
		dev:       dev,
		logger:    t.logger,
		listeners: make(map[string]*charListener, def.Len()),
	}

	def.Each(func(c gatt.Characteristic) bool {
		l := newCharListener(c, t.logger)
		bc := ble.NewCharacteristic(c.UUID)
		if c.Caps.Writable() {
			bc.HandleWrite(ble.WriteHandlerFunc(l.handleWrite))
		}
		if c.Caps.Notifiable() {
			bc.HandleNotify(ble.NotifyHandlerFunc(l.handleNotify))
		}
		svc.AddCharacteristic(bc)
		reg.listeners[c.ID()] = l
		return true
	})

	if err := dev.AddService(svc); err != nil {
		_ = dev.Stop()
		return nil, fmt.Errorf("failed to register GATT service: %w", err)
	}

	advCtx, advCancel := context.WithCancel(ctx)
	reg.advCancel = advCancel
	groutine.Go(advCtx, t.logger, "ble-advertise", func(advCtx context.Context) {
		err := dev.AdvertiseNameAndServices(advCtx, t.deviceName, def.UUID)
		if err != nil && advCtx.Err() == nil {
			t.logger.WithError(err).Error("Advertising stopped unexpectedly")
		}
		// Advertising ending means the transport is going away; closing
		// the listeners is the terminal signal the dispatcher drains on.
		reg.closeListeners()
	})

	t.logger.WithFields(logrus.Fields{
		"name":            t.deviceName,
		"service":         def.UUID.String(),
		"characteristics": def.Len(),
	}).Info("Advertising GATT service")

	return reg, nil
}

// ----------------------------
// Registration
// ----------------------------

type registration struct {
	dev       ble.Device
	logger    *logrus.Logger
	listeners map[string]*charListener
	advCancel context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (r *registration) Listener(id string) (gatt.AcceptListener, bool) {
	l, ok := r.listeners[id]
	if !ok {
		return nil, false
	}
	return l, true
}

// Close stops advertising, tears the service down, and stops the device.
// Only the first call acts; later calls return the first result.
func (r *registration) Close() error {
	r.closeOnce.Do(func() {
		r.advCancel()
		r.closeListeners()
		if err := r.dev.RemoveAllServices(); err != nil {
			r.logger.WithError(err).Warn("Failed to remove GATT services")
		}
		r.closeErr = r.dev.Stop()
		r.logger.Info("GATT service unregistered")
	})
	return r.closeErr
}

func (r *registration) closeListeners() {
	for _, l := range r.listeners {
		l.close()
	}
}

// ----------------------------
// Characteristic listener
// ----------------------------

// charListener turns go-ble's per-request callbacks into the accept-event
// stream of one characteristic. Write callbacks arrive on transport
// goroutines, hence the concurrent pipe map.
type charListener struct {
	char   gatt.Characteristic
	logger *logrus.Logger

	events chan gatt.AcceptEvent
	done   chan struct{}

	// pipes maps central address to the feeding end of that central's
	// inbound stream.
	pipes *hashmap.Map[string, *io.PipeWriter]

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newCharListener(c gatt.Characteristic, logger *logrus.Logger) *charListener {
	return &charListener{
		char:   c,
		logger: logger,
		events: make(chan gatt.AcceptEvent),
		done:   make(chan struct{}),
		pipes:  hashmap.New[string, *io.PipeWriter](),
	}
}

func (l *charListener) Events() <-chan gatt.AcceptEvent {
	return l.events
}

// handleWrite is the go-ble write callback.
func (l *charListener) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	l.acceptWrite(req.Conn().RemoteAddr().String(), req.Conn().RxMTU(), req.Data())
}

// acceptWrite feeds one write payload into the central's inbound stream,
// attaching a fresh stream on the first write. The pipe write blocks until
// the dispatcher's relay consumes the bytes, which backpressures the central
// instead of buffering unboundedly.
func (l *charListener) acceptWrite(addr string, mtu int, data []byte) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		// A write arriving after teardown must not create a pipe nobody
		// will ever read.
		return
	}

	pw, ok := l.pipes.Get(addr)
	if !ok {
		pr, fresh := io.Pipe()
		l.pipes.Set(addr, fresh)
		pw = fresh
		l.logger.WithFields(logrus.Fields{
			"characteristic": l.char.ID(),
			"central":        addr,
			"mtu":            mtu,
		}).Info("Accepted write attachment")
		l.emit(gatt.AcceptEvent{Type: gatt.WriterAttached, MTU: mtu, Stream: pr})
	}

	if _, err := pw.Write(data); err != nil {
		// The dispatcher closed the read side; drop the pipe so the
		// central's next write attaches a fresh stream.
		l.pipes.Del(addr)
	}
}

// handleNotify is the go-ble notify callback. go-ble cancels the subscription
// when the handler returns, so it parks until the central unsubscribes or the
// listener closes.
func (l *charListener) handleNotify(req ble.Request, n ble.Notifier) {
	l.acceptNotify(n.Cap(), &notifySink{n: n})
	select {
	case <-n.Context().Done():
	case <-l.done:
	}
}

func (l *charListener) acceptNotify(mtu int, sink gatt.OutboundSink) {
	l.logger.WithFields(logrus.Fields{
		"characteristic": l.char.ID(),
		"mtu":            mtu,
	}).Info("Accepted notify attachment")
	l.emit(gatt.AcceptEvent{Type: gatt.SinkAttached, MTU: mtu, Sink: sink})
}

// emit delivers one accept event, blocking until the dispatcher takes it so
// no attachment is ever lost. A closed listener drops the event instead.
func (l *charListener) emit(ev gatt.AcceptEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// close ends the event stream. The done channel unblocks in-flight emits and
// parked notify handlers; the write lock waits those emits out before the
// events channel is closed under them.
func (l *charListener) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.events)
		l.pipes.Range(func(addr string, pw *io.PipeWriter) bool {
			_ = pw.Close()
			l.pipes.Del(addr)
			return true
		})
	})
}

// ----------------------------
// Notify sink
// ----------------------------

// notifySink adapts a ble.Notifier to the gatt.OutboundSink interface.
type notifySink struct {
	n ble.Notifier
}

func (s *notifySink) Write(p []byte) (int, error) {
	return s.n.Write(p)
}

func (s *notifySink) Close() error {
	return s.n.Close()
}
