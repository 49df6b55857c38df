package stream

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	procStatPath    = "/proc/stat"
	thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"
)

// ProcSampler reads CPU utilization from /proc/stat and the SoC
// temperature from the sysfs thermal zone. CPU percentage is computed from
// the counter delta since the previous call, so the first sample reports
// usage since boot.
type ProcSampler struct {
	mu        sync.Mutex
	prevBusy  uint64
	prevTotal uint64
}

// NewProcSampler creates a procfs-backed load sampler.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{}
}

// Sample implements LoadSampler.
func (p *ProcSampler) Sample() (LoadSample, error) {
	busy, total, err := readCPUCounters()
	if err != nil {
		return LoadSample{}, err
	}

	p.mu.Lock()
	dBusy := busy - p.prevBusy
	dTotal := total - p.prevTotal
	p.prevBusy = busy
	p.prevTotal = total
	p.mu.Unlock()

	var cpu float64
	if dTotal > 0 {
		cpu = 100 * float64(dBusy) / float64(dTotal)
	}

	// Temperature is best-effort: not every platform exposes a thermal
	// zone, and a missing reading must not fail the whole sample.
	temp, _ := readTemperature()

	return LoadSample{CPUPercent: cpu, TempCelsius: temp}, nil
}

func readCPUCounters() (busy, total uint64, err error) {
	data, err := os.ReadFile(procStatPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", procStatPath, err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected %s format: %q", procStatPath, line)
	}

	// cpu user nice system idle iowait irq softirq steal ...
	for i, f := range fields[1:] {
		v, parseErr := strconv.ParseUint(f, 10, 64)
		if parseErr != nil {
			return 0, 0, fmt.Errorf("failed to parse %s field %d: %w", procStatPath, i+1, parseErr)
		}
		total += v
		// idle and iowait are the 4th and 5th columns
		if i != 3 && i != 4 {
			busy += v
		}
	}

	return busy, total, nil
}

func readTemperature() (float64, error) {
	data, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0, err
	}

	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse thermal zone reading: %w", err)
	}

	return float64(milli) / 1000, nil
}
