// Package sampler queries instantaneous system metrics for the telemetry
// characteristics. Samplers are stateless pure queries: one call returns one
// consistent snapshot or an error, never a partial result.
package sampler

import "time"

// Snapshot is one consistent set of metric readings taken at a single
// instant. It lives for the duration of one publish step and is never cached
// across ticks.
type Snapshot struct {
	// CPULoad is the instantaneous CPU load as a fraction in [0, 1].
	CPULoad float64
	// Temperature is the device temperature in native units (°C).
	Temperature float64
	// MemoryUsed and MemoryTotal are byte counts.
	MemoryUsed  uint64
	MemoryTotal uint64
	// Uptime is the time since system boot.
	Uptime time.Duration
}

// Sampler returns a metrics snapshot on demand. Implementations must be safe
// for repeated calls without locking and must not keep state between calls.
type Sampler interface {
	Sample() (Snapshot, error)
}
