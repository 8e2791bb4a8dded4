package gatt

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemux/internal/sampler"
)

func TestEncodeMetric_CPULoad(t *testing.T) {
	snap := sampler.Snapshot{CPULoad: 0.37}

	payload, err := EncodeMetric(MetricCPULoad, snap)
	require.NoError(t, err)
	require.Len(t, payload, 4)

	got := math.Float32frombits(binary.LittleEndian.Uint32(payload))
	assert.Equal(t, float32(0.37), got)
}

func TestEncodeMetric_Temperature(t *testing.T) {
	snap := sampler.Snapshot{Temperature: 48.5}

	payload, err := EncodeMetric(MetricTemperature, snap)
	require.NoError(t, err)
	require.Len(t, payload, 4)

	got := math.Float32frombits(binary.LittleEndian.Uint32(payload))
	assert.Equal(t, float32(48.5), got)
}

func TestEncodeMetric_Memory(t *testing.T) {
	snap := sampler.Snapshot{
		MemoryUsed:  512 * 1024 * 1024,
		MemoryTotal: 1024 * 1024 * 1024,
	}

	payload, err := EncodeMetric(MetricMemory, snap)
	require.NoError(t, err)
	assert.Equal(t, "512.00/1024.00 MB", string(payload))
}

func TestEncodeMetric_Uptime(t *testing.T) {
	tests := []struct {
		name    string
		uptime  time.Duration
		minutes uint64
	}{
		{"zero", 0, 0},
		{"sub-minute truncates", 59 * time.Second, 0},
		{"whole minutes", 90 * time.Minute, 90},
		{"truncates seconds", 3*time.Minute + 45*time.Second, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := EncodeMetric(MetricUptime, sampler.Snapshot{Uptime: tt.uptime})
			require.NoError(t, err)
			require.Len(t, payload, 8)
			assert.Equal(t, tt.minutes, binary.LittleEndian.Uint64(payload))
		})
	}
}

func TestEncodeMetric_UnknownKind(t *testing.T) {
	_, err := EncodeMetric(MetricKind(99), sampler.Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metric kind")
}

func TestPublisher_SkipsUnsubscribedAndDuplex(t *testing.T) {
	smp := &fakeSampler{}
	p := newPublisher(smp, testLogger())

	subscribed := &fakeSink{}
	eps := []*endpoint{
		// Duplex endpoint with a sink: echo only, never telemetry.
		{char: Duplex(EchoCharUUID), sink: &fakeSink{}},
		// Telemetry endpoint without a sink.
		{char: TelemetrySource(CPULoadCharUUID, MetricCPULoad)},
		// Telemetry endpoint with a sink.
		{char: TelemetrySource(UptimeCharUUID, MetricUptime), sink: subscribed},
	}

	p.publish(eps)

	assert.Equal(t, 1, smp.callCount())
	assert.Equal(t, 1, subscribed.writeCount())
	assert.Equal(t, 0, eps[0].sink.(*fakeSink).attemptCount())
}

func TestPublisher_SampleFailureSkipsTick(t *testing.T) {
	smp := &fakeSampler{}
	smp.setErr(errors.New("no sensors"))
	p := newPublisher(smp, testLogger())

	sink := &fakeSink{}
	eps := []*endpoint{
		{char: TelemetrySource(CPULoadCharUUID, MetricCPULoad), sink: sink},
	}

	p.publish(eps)

	assert.Zero(t, sink.attemptCount())
}

func TestPublisher_WriteFailureDetachesOnlyThatSink(t *testing.T) {
	p := newPublisher(&fakeSampler{}, testLogger())

	failing := &fakeSink{}
	failing.setFail(errors.New("central gone"))
	healthy := &fakeSink{}
	eps := []*endpoint{
		{char: TelemetrySource(CPULoadCharUUID, MetricCPULoad), sink: failing},
		{char: TelemetrySource(UptimeCharUUID, MetricUptime), sink: healthy},
	}

	p.publish(eps)

	assert.Nil(t, eps[0].sink, "failed sink must be detached")
	assert.Equal(t, 1, healthy.writeCount())

	// Next tick: the detached characteristic is skipped, the healthy one
	// keeps receiving.
	p.publish(eps)
	assert.Equal(t, 1, failing.attemptCount())
	assert.Equal(t, 2, healthy.writeCount())
}
