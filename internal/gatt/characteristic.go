package gatt

import (
	"fmt"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Default service and characteristic UUIDs exposed by blemux.
var (
	// DefaultServiceUUID identifies the blemux multiplexer service.
	DefaultServiceUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0000")

	// EchoCharUUID is the duplex echo characteristic (write + notify).
	EchoCharUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0001")

	// CPULoadCharUUID carries the CPU load fraction as a little-endian float32.
	CPULoadCharUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0002")

	// TemperatureCharUUID carries the temperature as a little-endian float32.
	TemperatureCharUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0003")

	// MemoryCharUUID carries memory usage as "<used>/<total> MB" text.
	MemoryCharUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0004")

	// UptimeCharUUID carries uptime as a little-endian uint64 of whole minutes.
	UptimeCharUUID = ble.MustParse("FD2B4448-AA0F-4A15-A62F-EB0BE77A0005")
)

// Capability is the bit set of GATT operations a characteristic supports.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapNotify
)

func (c Capability) Readable() bool   { return c&CapRead != 0 }
func (c Capability) Writable() bool   { return c&CapWrite != 0 }
func (c Capability) Notifiable() bool { return c&CapNotify != 0 }

// Role tags what traffic pattern a characteristic carries.
type Role int

const (
	// RoleDuplex echoes inbound bytes back to the attached notify sink.
	RoleDuplex Role = iota
	// RoleTelemetry pushes one periodically sampled metric to subscribers.
	RoleTelemetry
)

func (r Role) String() string {
	switch r {
	case RoleDuplex:
		return "duplex"
	case RoleTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MetricKind selects which snapshot value a telemetry characteristic carries.
type MetricKind int

const (
	MetricCPULoad MetricKind = iota
	MetricTemperature
	MetricMemory
	MetricUptime
)

func (k MetricKind) String() string {
	switch k {
	case MetricCPULoad:
		return "cpu_load"
	case MetricTemperature:
		return "temperature"
	case MetricMemory:
		return "memory"
	case MetricUptime:
		return "uptime"
	default:
		return fmt.Sprintf("metric(%d)", int(k))
	}
}

// Characteristic describes one addressable sub-channel of the service.
// Instances are built at service-definition time and never mutated afterwards;
// all mutable attachment state lives in the dispatcher-owned endpoint.
type Characteristic struct {
	UUID   ble.UUID
	Caps   Capability
	Role   Role
	Metric MetricKind // meaningful only when Role == RoleTelemetry
}

// ID returns the normalized UUID string used to key endpoints and listeners.
func (c Characteristic) ID() string {
	return c.UUID.String()
}

// Duplex builds an echo characteristic: the central writes bytes in and
// receives them back on the notify sink.
func Duplex(u ble.UUID) Characteristic {
	return Characteristic{UUID: u, Caps: CapWrite | CapNotify, Role: RoleDuplex}
}

// TelemetrySource builds a notify-only characteristic carrying one metric.
func TelemetrySource(u ble.UUID, kind MetricKind) Characteristic {
	return Characteristic{UUID: u, Caps: CapNotify, Role: RoleTelemetry, Metric: kind}
}

// ServiceDefinition is the ordered, immutable set of characteristics the
// transport registers. Order is preserved for service registration and for
// telemetry publish iteration.
type ServiceDefinition struct {
	UUID            ble.UUID
	characteristics *orderedmap.OrderedMap[string, Characteristic]
}

// NewServiceDefinition builds a definition from the given characteristics.
// A duplicate UUID panics: the characteristic set is fixed program data, not
// runtime input.
func NewServiceDefinition(u ble.UUID, chars ...Characteristic) *ServiceDefinition {
	def := &ServiceDefinition{
		UUID:            u,
		characteristics: orderedmap.New[string, Characteristic](),
	}
	for _, c := range chars {
		if _, exists := def.characteristics.Get(c.ID()); exists {
			panic(fmt.Sprintf("gatt: duplicate characteristic UUID %s", c.ID()))
		}
		def.characteristics.Set(c.ID(), c)
	}
	return def
}

// DefaultServiceDefinition returns the stock blemux service: one duplex echo
// characteristic plus one telemetry characteristic per metric kind.
func DefaultServiceDefinition() *ServiceDefinition {
	return NewServiceDefinition(DefaultServiceUUID,
		Duplex(EchoCharUUID),
		TelemetrySource(CPULoadCharUUID, MetricCPULoad),
		TelemetrySource(TemperatureCharUUID, MetricTemperature),
		TelemetrySource(MemoryCharUUID, MetricMemory),
		TelemetrySource(UptimeCharUUID, MetricUptime),
	)
}

// Get looks up a characteristic by its normalized UUID string.
func (d *ServiceDefinition) Get(id string) (Characteristic, bool) {
	return d.characteristics.Get(id)
}

// Len returns the number of characteristics in the definition.
func (d *ServiceDefinition) Len() int {
	return d.characteristics.Len()
}

// Each calls fn for every characteristic in definition order. Iteration stops
// if fn returns false.
func (d *ServiceDefinition) Each(fn func(c Characteristic) bool) {
	for pair := d.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}
