package gatt

import (
	"context"
	"io"
)

// OutboundSink is the notify half of a characteristic attachment. Writes push
// one notification per call; a failed write means the central is gone and the
// sink must be discarded.
type OutboundSink interface {
	io.Writer
	io.Closer
}

// AcceptEventType distinguishes the two attachment flavors a central can make.
type AcceptEventType int

const (
	// WriterAttached means a central opened a write stream to the
	// characteristic; Stream and MTU are set.
	WriterAttached AcceptEventType = iota
	// SinkAttached means a central subscribed to notifications; Sink and
	// MTU are set.
	SinkAttached
)

func (t AcceptEventType) String() string {
	switch t {
	case WriterAttached:
		return "writer_attached"
	case SinkAttached:
		return "sink_attached"
	default:
		return "unknown"
	}
}

// AcceptEvent is one attachment lifecycle event for a characteristic.
type AcceptEvent struct {
	Type   AcceptEventType
	MTU    int
	Stream io.ReadCloser // inbound byte stream, set for WriterAttached
	Sink   OutboundSink  // outbound notify sink, set for SinkAttached
}

// AcceptListener produces the attachment events of one characteristic.
// The events channel closing is a terminal signal: it means the transport
// itself is tearing down, and the whole service must begin shutdown.
type AcceptListener interface {
	Events() <-chan AcceptEvent
}

// Registration is a live transport registration of a service definition.
type Registration interface {
	// Listener returns the accept listener for the given characteristic ID,
	// or false if the characteristic accepts no attachments.
	Listener(id string) (AcceptListener, bool)

	// Close stops advertising and releases the service registration.
	// It is safe to call more than once; only the first call acts.
	Close() error
}

// Transport registers a service definition with the underlying BLE stack and
// makes it discoverable. Implementations live outside the core; the go-ble
// backed one is in the goble subpackage.
type Transport interface {
	Register(ctx context.Context, def *ServiceDefinition) (Registration, error)
}
