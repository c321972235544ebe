package lifecycle

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const mib = 1024 * 1024

// MemorySample is one reading of process and system memory.
type MemorySample struct {
	RSSBytes             uint64    `json:"rss_bytes"`
	HeapBytes            uint64    `json:"heap_bytes"`
	SystemTotalBytes     uint64    `json:"system_total_bytes"`
	SystemAvailableBytes uint64    `json:"system_available_bytes"`
	SystemPercent        float64   `json:"system_percent"`
	ProcessPercent       float64   `json:"process_percent"`
	SampledAt            time.Time `json:"sampled_at"`
}

// RSSMB is the resident set size in mebibytes.
func (s MemorySample) RSSMB() float64 { return float64(s.RSSBytes) / mib }

// AvailableMB is the memory still available to the system in mebibytes.
func (s MemorySample) AvailableMB() float64 { return float64(s.SystemAvailableBytes) / mib }

// MemorySampler reads current memory usage.
type MemorySampler interface {
	Sample() (MemorySample, error)
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func() (MemorySample, error)

func (f SamplerFunc) Sample() (MemorySample, error) { return f() }

type systemSampler struct {
	proc *process.Process
}

// NewSystemSampler reads process and system memory through gopsutil. When the
// process handle cannot be opened, RSS falls back to Go runtime statistics.
func NewSystemSampler() MemorySampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return systemSampler{proc: proc}
}

func (s systemSampler) Sample() (MemorySample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := MemorySample{
		HeapBytes: ms.HeapAlloc,
		RSSBytes:  ms.Sys - ms.HeapReleased,
		SampledAt: time.Now(),
	}
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil && info.RSS > 0 {
			sample.RSSBytes = info.RSS
		}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return sample, fmt.Errorf("virtual memory: %w", err)
	}
	sample.SystemTotalBytes = vm.Total
	sample.SystemAvailableBytes = min(vm.Available, vm.Total)
	if vm.Total > 0 {
		sample.SystemPercent = float64(vm.Total-sample.SystemAvailableBytes) / float64(vm.Total) * 100
		sample.ProcessPercent = float64(sample.RSSBytes) / float64(vm.Total) * 100
	}
	return sample, nil
}
