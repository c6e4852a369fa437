package metrics

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemCollector samples process CPU and memory usage on a fixed
// interval and feeds the ws_cpu_usage_percent / ws_memory_bytes gauges.
type SystemCollector struct {
	proc     *process.Process
	interval time.Duration
	logger   zerolog.Logger
}

func NewSystemCollector(interval time.Duration, logger zerolog.Logger) (*SystemCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemCollector{
		proc:     proc,
		interval: interval,
		logger:   logger.With().Str("component", "system_collector").Logger(),
	}, nil
}

// Run samples until ctx is cancelled. Intended to be started as a
// goroutine from server startup.
func (sc *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.sample()
		}
	}
}

func (sc *SystemCollector) sample() {
	cpuPercent, err := sc.proc.CPUPercent()
	if err != nil {
		sc.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	memInfo, err := sc.proc.MemoryInfo()
	if err != nil {
		sc.logger.Debug().Err(err).Msg("Memory sample failed")
		return
	}
	setSystemStats(cpuPercent, float64(memInfo.RSS))
}
