package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often the child's resources are sampled.
const DefaultSampleInterval = 5 * time.Second

// Resources is one resource sample of the running child.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically reads CPU and memory usage of whatever PID the
// provided function reports. A PID of zero means no child is running.
type Sampler struct {
	name     string
	interval time.Duration
	pid      func() int

	mu   sync.RWMutex
	last *Resources

	// procMu serializes reads; Percent keeps its baseline on the handle.
	procMu sync.Mutex
	proc   *process.Process
}

func NewSampler(name string, interval time.Duration, pid func() int) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{name: name, interval: interval, pid: pid}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sample()
		}
	}
}

// Sample takes one sample now. It returns nil when no child is running.
func (s *Sampler) Sample() *Resources {
	pid := int32(s.pid())
	if pid <= 0 {
		s.mu.Lock()
		s.last = nil
		s.mu.Unlock()
		s.procMu.Lock()
		s.proc = nil
		s.procMu.Unlock()
		SetChildResources(s.name, 0, 0)
		return nil
	}
	r, err := s.read(pid)
	if err != nil {
		slog.Debug("failed to sample child resources", "pid", pid, "error", err)
		return nil
	}
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
	SetChildResources(s.name, r.CPUPercent, r.MemoryRSS)
	return r
}

// Last returns the most recent sample, or nil.
func (s *Sampler) Last() *Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Sampler) read(pid int32) (*Resources, error) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
	}
	proc := s.proc

	// usage since the previous sample of this handle; the first sample of a
	// new child only sets the baseline and reports 0
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return &Resources{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}
