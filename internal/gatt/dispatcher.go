package gatt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/groutine"
	"github.com/srg/blemux/internal/sampler"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultTickInterval is the telemetry publish period.
	DefaultTickInterval = 1 * time.Second

	// acceptChannelBuffer absorbs accept-event bursts without letting the
	// forwarder goroutines block the transport for long.
	acceptChannelBuffer = 16
)

// ----------------------------
// Dispatcher State
// ----------------------------

// State is the dispatcher lifecycle phase.
type State int32

const (
	// StateIdle is the phase before Run is called.
	StateIdle State = iota
	// StateRunning is the normal event-loop phase.
	StateRunning
	// StateDraining means an accept listener closed or shutdown was
	// requested; in-flight work finishes and the registration is released.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// taggedEvent is an accept event annotated with its characteristic, plus the
// terminal marker for a closed listener stream.
type taggedEvent struct {
	char   string
	event  AcceptEvent
	closed bool
}

// DispatcherConfig tunes the dispatcher. The zero value selects defaults.
type DispatcherConfig struct {
	// TickInterval is the telemetry publish period; 0 means DefaultTickInterval.
	TickInterval time.Duration
}

// Dispatcher is the single coordination loop of the service. It owns every
// endpoint, multiplexes all accept listeners, pending echo reads, and the
// telemetry tick into one select-based loop, and services exactly one ready
// alternative per iteration. All endpoint mutation happens on the loop
// goroutine, so no locking is needed on endpoint state.
type Dispatcher struct {
	def       *ServiceDefinition
	transport Transport
	publisher *publisher
	tick      time.Duration
	logger    *logrus.Logger

	state atomic.Int32

	// endpoints is keyed by characteristic ID; ordered iteration goes
	// through the service definition.
	endpoints map[string]*endpoint

	acceptCh chan taggedEvent
	echoCh   chan relayChunk
}

// NewDispatcher builds a dispatcher for the given service definition.
// A nil cfg selects defaults; a nil logger gets a fresh one.
func NewDispatcher(def *ServiceDefinition, tr Transport, smp sampler.Sampler, cfg *DispatcherConfig, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	tick := DefaultTickInterval
	if cfg != nil && cfg.TickInterval > 0 {
		tick = cfg.TickInterval
	}

	d := &Dispatcher{
		def:       def,
		transport: tr,
		publisher: newPublisher(smp, logger),
		tick:      tick,
		logger:    logger,
		endpoints: make(map[string]*endpoint, def.Len()),
		acceptCh:  make(chan taggedEvent, acceptChannelBuffer),
		echoCh:    make(chan relayChunk),
	}
	def.Each(func(c Characteristic) bool {
		d.endpoints[c.ID()] = &endpoint{char: c}
		return true
	})
	return d
}

// State returns the current lifecycle phase. Safe to call from any goroutine.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.logger.WithField("state", s.String()).Debug("Dispatcher state changed")
}

// Run registers the service with the transport and drives the event loop
// until the context is cancelled or any accept listener closes. Teardown
// (registration release) always runs before Run returns. Run returns an error
// only for setup faults; recovered per-channel and sampling faults are logged
// and absorbed.
func (d *Dispatcher) Run(ctx context.Context) error {
	reg, err := d.transport.Register(ctx, d.def)
	if err != nil {
		return fmt.Errorf("service registration failed: %w", err)
	}

	d.setState(StateRunning)
	d.logger.WithFields(logrus.Fields{
		"service":         d.def.UUID.String(),
		"characteristics": d.def.Len(),
		"tick":            d.tick,
	}).Info("Dispatcher running")

	// loopCtx bounds every helper goroutine: accept forwarders and relay
	// pumps all stop when the loop exits.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.startForwarders(loopCtx, reg)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for d.State() == StateRunning {
		select {
		case <-ctx.Done():
			d.logger.Info("Shutdown requested, draining")
			d.setState(StateDraining)

		case tev := <-d.acceptCh:
			if tev.closed {
				// One listener closing means the transport itself is
				// tearing down; every characteristic shuts down alike.
				d.logger.WithField("characteristic", tev.char).Info("Accept listener closed, draining")
				d.setState(StateDraining)
				break
			}
			d.handleAccept(loopCtx, tev)

		case chunk := <-d.echoCh:
			d.handleEchoChunk(chunk)

		case <-ticker.C:
			d.publisher.publish(d.orderedEndpoints())
		}
	}

	// Drain: stop pumps and forwarders, release attachments, then release
	// the transport registration exactly once.
	cancel()
	for _, ep := range d.endpoints {
		if ep.relay != nil {
			ep.relay.stop()
			ep.relay = nil
		}
		ep.close()
	}
	if err := reg.Close(); err != nil {
		d.logger.WithError(err).Warn("Transport registration released with error")
	} else {
		d.logger.Info("Transport registration released")
	}
	d.setState(StateStopped)
	return nil
}

// startForwarders fans every characteristic's accept listener into acceptCh.
// Sends block rather than drop, so no accept event is ever lost; the shared
// channel keeps the race between characteristics content-blind.
func (d *Dispatcher) startForwarders(ctx context.Context, reg Registration) {
	d.def.Each(func(c Characteristic) bool {
		id := c.ID()
		l, ok := reg.Listener(id)
		if !ok {
			return true
		}
		groutine.Go(ctx, d.logger, "accept-"+id, func(ctx context.Context) {
			d.forwardAccepts(ctx, id, l)
		})
		return true
	})
}

func (d *Dispatcher) forwardAccepts(ctx context.Context, id string, l AcceptListener) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.Events():
			if !ok {
				select {
				case d.acceptCh <- taggedEvent{char: id, closed: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case d.acceptCh <- taggedEvent{char: id, event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleAccept installs a fresh handle on the endpoint and, for duplex
// characteristics, (re)arms the echo relay when both halves are present.
func (d *Dispatcher) handleAccept(ctx context.Context, tev taggedEvent) {
	ep, ok := d.endpoints[tev.char]
	if !ok {
		d.logger.WithField("characteristic", tev.char).Warn("Accept event for unknown characteristic")
		return
	}

	fields := logrus.Fields{
		"characteristic": tev.char,
		"event":          tev.event.Type.String(),
		"mtu":            tev.event.MTU,
	}

	switch tev.event.Type {
	case WriterAttached:
		// A fresh write stream replaces any previous one; the old pump
		// must die before its reader is closed out from under it.
		d.stopRelay(ep)
		ep.attachReader(tev.event.Stream, tev.event.MTU)
		d.logger.WithFields(fields).Info("Peer attached write stream")

	case SinkAttached:
		ep.attachSink(tev.event.Sink, tev.event.MTU)
		d.logger.WithFields(fields).Info("Peer attached notify sink")

	default:
		d.logger.WithFields(fields).Warn("Unknown accept event type")
		return
	}

	d.armEcho(ctx, ep)
}

// armEcho starts or resumes the relay pump for a duplex endpoint with both
// halves present. When the pair is incomplete this is a no-op: the echo
// alternative simply stays out of the race.
func (d *Dispatcher) armEcho(ctx context.Context, ep *endpoint) {
	if !ep.duplexReady() {
		return
	}
	if ep.relay == nil {
		buf := make([]byte, ep.readMTU)
		ep.relay = startRelay(ctx, d.logger, ep.char.ID(), ep.reader, buf, d.echoCh)
	}
	ep.relay.grant()
}

func (d *Dispatcher) stopRelay(ep *endpoint) {
	if ep.relay != nil {
		ep.relay.stop()
		ep.relay = nil
	}
}

// handleEchoChunk services one unit of relay output: a data chunk to
// retransmit, a clean stream end, or a read failure. All faults here are
// per-channel: the affected handle is cleared and the rest of the service is
// untouched.
func (d *Dispatcher) handleEchoChunk(chunk relayChunk) {
	ep, ok := d.endpoints[chunk.char]
	if !ok {
		return
	}

	fields := logrus.Fields{"characteristic": chunk.char}

	switch {
	case chunk.err != nil:
		d.logger.WithFields(fields).WithError(chunk.err).Warn("Echo read failed, detaching write stream")
		d.stopRelay(ep)
		ep.clearReader()

	case len(chunk.data) == 0:
		d.logger.WithFields(fields).Debug("Echo write stream ended")
		d.stopRelay(ep)
		ep.clearReader()

	default:
		if ep.sink == nil {
			// Echo with no destination is defined as a no-op.
			d.logger.WithFields(fields).WithField("bytes", len(chunk.data)).Debug("Dropping echo chunk, no notify sink attached")
			return
		}
		if _, err := ep.sink.Write(chunk.data); err != nil {
			d.logger.WithFields(fields).WithError(err).Warn("Echo retransmit failed, detaching notify sink")
			ep.clearSink()
			// Pair incomplete: no further grants until a new sink attaches.
			return
		}
		d.logger.WithFields(fields).WithField("bytes", len(chunk.data)).Debug("Echoed chunk")
		if ep.relay != nil {
			ep.relay.grant()
		}
	}
}

// orderedEndpoints returns the endpoints in service-definition order for the
// publish step.
func (d *Dispatcher) orderedEndpoints() []*endpoint {
	eps := make([]*endpoint, 0, len(d.endpoints))
	d.def.Each(func(c Characteristic) bool {
		eps = append(eps, d.endpoints[c.ID()])
		return true
	})
	return eps
}
