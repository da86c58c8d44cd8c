package provenance

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Telemetry is a best-effort host resource snapshot embedded in the run
// record for benchmarking generation runs against each other.
type Telemetry struct {
	At time.Time `json:"at"`

	CPUPercent        float64 `json:"cpu_percent,omitempty"`
	MemoryUsedPercent float64 `json:"memory_used_percent,omitempty"`
	MemoryUsedBytes   uint64  `json:"memory_used_bytes,omitempty"`

	Goroutines int `json:"goroutines"`
	NumCPU     int `json:"num_cpu"`
}

// sampleTelemetry never fails: unavailable probes leave zero fields.
func sampleTelemetry(log *slog.Logger) *Telemetry {
	t := &Telemetry{
		At:         time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
		NumCPU:     runtime.NumCPU(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		t.CPUPercent = percents[0]
	} else if err != nil {
		log.Debug("cpu telemetry unavailable", "error", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		t.MemoryUsedPercent = vm.UsedPercent
		t.MemoryUsedBytes = vm.Used
	} else if err != nil {
		log.Debug("memory telemetry unavailable", "error", err)
	}
	return t
}
