package sampler

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Platform query functions, variables so tests can substitute failures and
// canned readings without a real /proc or sensor tree.
var (
	cpuPercent   = cpu.Percent
	virtualMem   = mem.VirtualMemory
	sensorTemps  = host.SensorsTemperatures
	systemUptime = host.Uptime
)

// SystemSampler reads metrics from the host via gopsutil.
type SystemSampler struct {
	// TempSensorPrefix selects the temperature sensor by key prefix
	// (e.g. "coretemp"). Empty picks the first sensor reported.
	TempSensorPrefix string
}

// NewSystemSampler returns a sampler reading host metrics. tempSensorPrefix
// may be empty to accept any sensor.
func NewSystemSampler(tempSensorPrefix string) *SystemSampler {
	return &SystemSampler{TempSensorPrefix: tempSensorPrefix}
}

// Sample queries all metrics. Any underlying failure fails the whole sample;
// callers skip the publish step rather than push partial values.
func (s *SystemSampler) Sample() (Snapshot, error) {
	percents, err := cpuPercent(0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu load query failed: %w", err)
	}
	if len(percents) == 0 {
		return Snapshot{}, fmt.Errorf("cpu load query returned no readings")
	}

	vm, err := virtualMem()
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory query failed: %w", err)
	}

	temp, err := s.readTemperature()
	if err != nil {
		return Snapshot{}, err
	}

	up, err := systemUptime()
	if err != nil {
		return Snapshot{}, fmt.Errorf("uptime query failed: %w", err)
	}

	return Snapshot{
		CPULoad:     percents[0] / 100,
		Temperature: temp,
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		Uptime:      time.Duration(up) * time.Second,
	}, nil
}

func (s *SystemSampler) readTemperature() (float64, error) {
	temps, err := sensorTemps()
	if err != nil {
		return 0, fmt.Errorf("temperature query failed: %w", err)
	}
	for _, t := range temps {
		if s.TempSensorPrefix == "" || strings.HasPrefix(t.SensorKey, s.TempSensorPrefix) {
			return t.Temperature, nil
		}
	}
	if s.TempSensorPrefix != "" {
		return 0, fmt.Errorf("no temperature sensor matching prefix %q", s.TempSensorPrefix)
	}
	return 0, fmt.Errorf("no temperature sensors reported")
}
