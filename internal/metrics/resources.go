package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
	"k8s.io/utils/clock"
)

// TaskUsage is one resource sample of a supervised process.
type TaskUsage struct {
	TaskID     string    `json:"task_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples CPU and memory of supervised
// processes with gopsutil and exports them as per-task gauges.
type ResourceSampler struct {
	interval time.Duration
	clock    clock.Clock

	mu     sync.RWMutex
	latest map[string]TaskUsage
	procs  map[int32]*process.Process

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewResourceSampler(interval time.Duration, clk clock.Clock) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      name,
			Help:      help,
		}, []string{"task"})
	}
	return &ResourceSampler{
		interval: interval,
		clock:    clk,
		latest:   make(map[string]TaskUsage),
		procs:    make(map[int32]*process.Process),
		cpu:      gauge("cpu_percent", "CPU usage percentage of a supervised process."),
		rss:      gauge("memory_rss_bytes", "Resident memory of a supervised process."),
		threads:  gauge("num_threads", "Thread count of a supervised process."),
		fds:      gauge("num_fds", "Open file descriptors of a supervised process (Unix only)."),
		stopCh:   make(chan struct{}),
	}
}

// RegisterMetrics registers the per-task gauges.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{s.cpu, s.rss, s.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.fds)
	}
	for _, c := range cs {
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

// Start samples the tasks returned by tasks (task id -> pid) every interval.
func (s *ResourceSampler) Start(ctx context.Context, tasks func() map[string]int32) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.clock.After(s.interval):
				s.Sample(tasks())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one reading for every task and drops state for tasks no
// longer listed.
func (s *ResourceSampler) Sample(tasks map[string]int32) {
	now := s.clock.Now()
	next := make(map[string]TaskUsage, len(tasks))
	for id, pid := range tasks {
		if pid <= 0 {
			continue
		}
		u, err := s.read(id, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "task", id, "pid", pid, "error", err)
			continue
		}
		next[id] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.latest {
		if _, ok := next[id]; !ok {
			s.cpu.DeleteLabelValues(id)
			s.rss.DeleteLabelValues(id)
			s.threads.DeleteLabelValues(id)
			s.fds.DeleteLabelValues(id)
		}
	}
	live := make(map[int32]struct{}, len(next))
	for id, u := range next {
		live[u.PID] = struct{}{}
		s.cpu.WithLabelValues(id).Set(u.CPUPercent)
		s.rss.WithLabelValues(id).Set(float64(u.MemoryRSS))
		s.threads.WithLabelValues(id).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			s.fds.WithLabelValues(id).Set(float64(u.NumFDs))
		}
	}
	for pid := range s.procs {
		if _, ok := live[pid]; !ok {
			delete(s.procs, pid)
		}
	}
	s.latest = next
}

func (s *ResourceSampler) handle(pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

func (s *ResourceSampler) read(id string, pid int32, now time.Time) (TaskUsage, error) {
	// handles are cached so CPUPercent measures between samples
	p, err := s.handle(pid)
	if err != nil {
		return TaskUsage{}, fmt.Errorf("open process: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return TaskUsage{}, fmt.Errorf("memory info: %w", err)
	}
	u := TaskUsage{TaskID: id, PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: now}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}

// Usage returns the last sample for a task.
func (s *ResourceSampler) Usage(taskID string) (TaskUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[taskID]
	return u, ok
}
