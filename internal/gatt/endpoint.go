package gatt

import "io"

// endpoint is the mutable attachment state of one characteristic: an optional
// inbound stream and an optional notify sink, each valid only while a central
// is attached. Endpoints are owned exclusively by the dispatcher loop; nothing
// outside that goroutine may touch them.
type endpoint struct {
	char Characteristic

	reader  io.ReadCloser
	readMTU int

	sink    OutboundSink
	sinkMTU int

	// relay is the inbound pump for duplex characteristics, present only
	// while a reader is installed and a pump has been started.
	relay *relay
}

// attachReader installs a fresh inbound stream, replacing and closing any
// previous one.
func (ep *endpoint) attachReader(r io.ReadCloser, mtu int) {
	if ep.reader != nil {
		_ = ep.reader.Close()
	}
	ep.reader = r
	ep.readMTU = mtu
}

// attachSink installs a fresh notify sink, replacing and closing any
// previous one.
func (ep *endpoint) attachSink(s OutboundSink, mtu int) {
	if ep.sink != nil {
		_ = ep.sink.Close()
	}
	ep.sink = s
	ep.sinkMTU = mtu
}

// clearReader drops the inbound stream after a clean end or a read failure.
func (ep *endpoint) clearReader() {
	if ep.reader != nil {
		_ = ep.reader.Close()
		ep.reader = nil
	}
	ep.readMTU = 0
}

// clearSink drops the notify sink after a write failure. The characteristic
// stays half-closed until a new SinkAttached event arrives.
func (ep *endpoint) clearSink() {
	if ep.sink != nil {
		_ = ep.sink.Close()
		ep.sink = nil
	}
	ep.sinkMTU = 0
}

// duplexReady reports whether echo work may proceed: only duplex
// characteristics with both halves attached contribute ready work.
func (ep *endpoint) duplexReady() bool {
	return ep.char.Role == RoleDuplex && ep.reader != nil && ep.sink != nil
}

// close releases both halves. Used during drain.
func (ep *endpoint) close() {
	ep.clearReader()
	ep.clearSink()
}
