package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a running game process.
type Usage struct {
	GameID     int64     `json:"game_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceSampler periodically samples CPU and memory of running games.
type ResourceSampler struct {
	interval time.Duration
	running  func() map[int64]int

	mu     sync.RWMutex
	latest map[int64]Usage
	procs  map[int64]*process.Process

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceSampler creates a sampler. running returns game id to pid for
// every game that is currently running.
func NewResourceSampler(interval time.Duration, running func() map[int64]int) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceSampler{
		interval: interval,
		running:  running,
		latest:   make(map[int64]Usage),
		procs:    make(map[int64]*process.Process),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of running games.",
		}, []string{"game_id"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of running games.",
		}, []string{"game_id"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dosrun",
			Subsystem: "game",
			Name:      "num_threads",
			Help:      "Number of threads of running games.",
		}, []string{"game_id"}),
	}
}

func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sample()
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one sample of every running game and drops games that exited.
func (s *ResourceSampler) Sample() {
	running := s.running()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pid := range running {
		if pid <= 0 {
			continue
		}
		u, err := s.sampleLocked(id, int32(pid), now) // #nosec G115 -- pids fit in int32
		if err != nil {
			slog.Debug("resource sample failed", "game_id", id, "pid", pid, "error", err)
			continue
		}
		s.latest[id] = u
		label := strconv.FormatInt(id, 10)
		s.cpuPercent.WithLabelValues(label).Set(u.CPUPercent)
		s.memoryMB.WithLabelValues(label).Set(u.MemoryMB)
		s.numThreads.WithLabelValues(label).Set(float64(u.NumThreads))
	}
	for id := range s.latest {
		if _, ok := running[id]; ok {
			continue
		}
		delete(s.latest, id)
		delete(s.procs, id)
		label := strconv.FormatInt(id, 10)
		s.cpuPercent.DeleteLabelValues(label)
		s.memoryMB.DeleteLabelValues(label)
		s.numThreads.DeleteLabelValues(label)
	}
}

func (s *ResourceSampler) sampleLocked(id int64, pid int32, now time.Time) (Usage, error) {
	// The process handle is reused so CPUPercent measures since the previous sample.
	p, ok := s.procs[id]
	if !ok || p.Pid != pid {
		var err error
		p, err = process.NewProcess(pid)
		if err != nil {
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.procs[id] = p
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := p.NumThreads()
	if err != nil {
		threads = 0
	}
	return Usage{
		GameID:     id,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		SampledAt:  now,
	}, nil
}

// Latest returns the most recent sample of every running game.
func (s *ResourceSampler) Latest() map[int64]Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]Usage, len(s.latest))
	for id, u := range s.latest {
		out[id] = u
	}
	return out
}
