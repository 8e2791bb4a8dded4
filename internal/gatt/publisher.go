package gatt

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blemux/internal/sampler"
)

const bytesPerMB = 1024 * 1024

// publisher pushes one telemetry snapshot per tick to every telemetry
// characteristic with an attached notify sink. It runs on the dispatcher loop
// goroutine, so clearing a failed sink here respects the single-writer
// discipline on endpoints.
type publisher struct {
	sampler sampler.Sampler
	logger  logrus.FieldLogger
}

func newPublisher(smp sampler.Sampler, logger logrus.FieldLogger) *publisher {
	return &publisher{sampler: smp, logger: logger}
}

// publish performs one tick: a single sample, then one write per subscribed
// telemetry characteristic. A sampler failure skips the whole step — no
// partial or stale values. A write failure detaches that sink only and the
// step continues for the remaining characteristics.
func (p *publisher) publish(eps []*endpoint) {
	snap, err := p.sampler.Sample()
	if err != nil {
		p.logger.WithError(err).Warn("Metrics sample failed, skipping publish tick")
		return
	}

	for _, ep := range eps {
		if ep.char.Role != RoleTelemetry || ep.sink == nil {
			continue
		}

		fields := logrus.Fields{
			"characteristic": ep.char.ID(),
			"metric":         ep.char.Metric.String(),
		}

		payload, err := EncodeMetric(ep.char.Metric, snap)
		if err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Metric encoding failed")
			continue
		}

		if _, err := ep.sink.Write(payload); err != nil {
			p.logger.WithFields(fields).WithError(err).Warn("Telemetry push failed, detaching notify sink")
			ep.clearSink()
			continue
		}
		p.logger.WithFields(fields).WithField("bytes", len(payload)).Debug("Published telemetry value")
	}
}

// EncodeMetric serializes one snapshot value in its wire encoding:
// little-endian float32 for CPU load and temperature, "<used>/<total> MB"
// text for memory, little-endian uint64 of whole minutes for uptime.
func EncodeMetric(kind MetricKind, snap sampler.Snapshot) ([]byte, error) {
	switch kind {
	case MetricCPULoad:
		return encodeFloat32LE(snap.CPULoad), nil
	case MetricTemperature:
		return encodeFloat32LE(snap.Temperature), nil
	case MetricMemory:
		return encodeMemory(snap.MemoryUsed, snap.MemoryTotal), nil
	case MetricUptime:
		return encodeUptime(snap.Uptime), nil
	default:
		return nil, fmt.Errorf("unknown metric kind %d", int(kind))
	}
}

func encodeFloat32LE(v float64) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	return b
}

func encodeMemory(used, total uint64) []byte {
	return []byte(fmt.Sprintf("%.2f/%.2f MB",
		float64(used)/bytesPerMB, float64(total)/bytesPerMB))
}

func encodeUptime(d time.Duration) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(d/time.Minute))
	return b
}
