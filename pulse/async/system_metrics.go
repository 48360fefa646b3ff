package async

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/cadence/errors"
)

const bytesPerGB = 1024 * 1024 * 1024

// SystemMetrics tracks resource usage for worker monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing a job
	WorkersTotal  int     `json:"workers_total"`   // Workers started by this process
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Ad-hoc jobs waiting in the queue
	JobsRunning   int     `json:"jobs_running"`    // Jobs currently executing
	JobsPending   int     `json:"jobs_pending"`    // Scheduler items due and waiting
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// FillMemory sets the memory fields of m. They stay zero when the OS
// does not report memory statistics.
func (m *SystemMetrics) FillMemory() {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return
	}
	m.MemoryTotalGB = float64(total) / bytesPerGB
	m.MemoryUsedGB = float64(total-available) / bytesPerGB
	m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
}

// RecommendedWorkers suggests a worker count for the available memory.
// Each worker may run a subprocess, so a slice of memory is budgeted per
// worker on top of a fixed reserve.
func RecommendedWorkers(availableGB float64) int {
	const memoryPerWorker = 0.25 // GB
	const memoryBuffer = 1.0     // GB reserved for the rest of the system
	const maxWorkers = 64

	if availableGB < memoryBuffer {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	return max(1, min(recommended, maxWorkers))
}

// MemoryPressureWarning returns a warning when workers exceeds the
// recommended count for the available memory, or the empty string
func MemoryPressureWarning(workers int) string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	recommended := RecommendedWorkers(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
