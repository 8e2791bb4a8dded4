// Package gatt implements the peripheral-side core of the blemux service:
// a fixed set of GATT characteristics multiplexed by a single-threaded
// event dispatcher.
//
// The package owns all per-characteristic connection state and coordinates:
//   - Accept events (a central attaches a write stream or a notify sink)
//   - Duplex echo relay, bounded by the MTU negotiated at attach time
//   - Periodic telemetry publication to subscribed centrals
//
// The underlying transport is abstracted behind the Transport interface;
// the go-ble backed implementation lives in the goble subpackage.
package gatt
