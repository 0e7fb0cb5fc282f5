// Package platform samples host resource usage for the admission controller's
// safety valve.
package platform

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceMonitor periodically samples CPU and memory usage and exposes the
// last sample without blocking callers on a syscall.
//
// This generalizes the container-aware CPUMonitor from the teacher's
// ResourceGuard: instead of parsing cgroup v1/v2 accounting files directly,
// it reads gopsutil's host-level percentages, which already fall back
// correctly across Linux, Darwin and Windows. Cgroup quota awareness is
// left to gopsutil's own container detection.
type ResourceMonitor struct {
	cpuPercent atomic.Value // float64
	memBytes   atomic.Value // uint64
}

// NewResourceMonitor creates a monitor with a zeroed initial sample. Call
// Start to begin sampling.
func NewResourceMonitor() *ResourceMonitor {
	rm := &ResourceMonitor{}
	rm.cpuPercent.Store(0.0)
	rm.memBytes.Store(uint64(0))
	return rm
}

// Start samples resource usage every interval until ctx is cancelled.
func (rm *ResourceMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		rm.sample()
		for {
			select {
			case <-ticker.C:
				rm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rm *ResourceMonitor) sample() {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		rm.cpuPercent.Store(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rm.memBytes.Store(vm.Used)
	}
}

// SetSample overwrites the current sample, bypassing Start's ticker. Tests
// use this to simulate a node over its configured ceiling without waiting
// on a real gopsutil sample.
func (rm *ResourceMonitor) SetSample(cpuPercent float64, memBytes uint64) {
	rm.cpuPercent.Store(cpuPercent)
	rm.memBytes.Store(memBytes)
}

// CPUPercent returns the most recent CPU usage sample, 0-100 (may exceed 100
// transiently on multi-core hosts before normalization upstream).
func (rm *ResourceMonitor) CPUPercent() float64 {
	return rm.cpuPercent.Load().(float64)
}

// MemoryUsed returns the most recent sample of host memory in use, in bytes.
func (rm *ResourceMonitor) MemoryUsed() uint64 {
	return rm.memBytes.Load().(uint64)
}
