package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/companion-agent/internal/events"
)

// historyLimit bounds the execution history kept in memory.
const historyLimit = 100

// ErrUnknownJob is returned when a job name is not registered.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs registered jobs on their intervals.
type Scheduler struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer // job name -> timer
	history []*Execution
	base    time.Time
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger, bus *events.Bus) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		bus:    bus,
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
	}
}

// Add registers a job. A job added while the scheduler runs is
// scheduled immediately.
func (s *Scheduler) Add(job Job) error {
	switch {
	case job.Name == "":
		return errors.New("job has no name")
	case job.Every.Duration <= 0:
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	case job.Run == nil:
		return fmt.Errorf("job %s: no run function", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &job
	if s.running {
		s.scheduleLocked(&job)
	}
	return nil
}

// Start schedules every registered job. Jobs are cancelled through ctx
// or Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.base = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		s.scheduleLocked(job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels all timers and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger runs a job now, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Execution, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	return s.execute(ctx, job, time.Now())
}

// scheduleLocked sets up a timer for the next run. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(job *Job) {
	next := job.NextRun(s.base, time.Now())
	delay := max(time.Until(next), 0)

	if timer, exists := s.timers[job.Name]; exists {
		timer.Stop()
	}
	name := job.Name
	s.timers[name] = time.AfterFunc(delay, func() {
		s.onFire(name, next)
	})

	s.logger.Debug("job scheduled", "job", name, "next", next, "delay", delay)
}

// onFire is called when a job's timer fires.
func (s *Scheduler) onFire(name string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	job := s.jobs[name]
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	_, err := s.execute(runCtx, job, scheduledAt)
	cancel()
	if err != nil {
		s.logger.Error("job failed", "job", name, "error", err)
	}

	s.mu.Lock()
	if s.running {
		s.scheduleLocked(job)
	}
	s.mu.Unlock()
}

// execute runs a job and records the execution.
func (s *Scheduler) execute(ctx context.Context, job *Job, scheduledAt time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          NewID(),
		Job:         job.Name,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
	}
	s.record(exec)

	s.logger.Debug("executing job", "job", job.Name, "execution_id", exec.ID)
	s.bus.Emit(events.SourceScheduler, events.KindJobFired, map[string]any{"job": job.Name})

	err := job.Run(ctx)

	completed := time.Now()
	s.mu.Lock()
	exec.CompletedAt = &completed
	if err != nil {
		exec.Status = StatusFailed
		exec.Result = err.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = "success"
	}
	s.mu.Unlock()

	duration := completed.Sub(exec.StartedAt)
	s.bus.Emit(events.SourceScheduler, events.KindJobComplete, map[string]any{
		"job":         job.Name,
		"ok":          err == nil,
		"duration_ms": duration.Milliseconds(),
	})
	s.logger.Info("job execution completed",
		"job", job.Name,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", duration,
	)
	return exec, err
}

func (s *Scheduler) record(exec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, exec)
	if over := len(s.history) - historyLimit; over > 0 {
		s.history = append([]*Execution(nil), s.history[over:]...)
	}
}

// Executions returns up to limit recent executions, newest first.
// Returned values are copies.
func (s *Scheduler) Executions(limit int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Execution, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.history[i])
	}
	return out
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, e := range s.history {
		if e.Status == StatusFailed {
			failed++
		}
	}
	return map[string]any{
		"running":         s.running,
		"jobs":            len(s.jobs),
		"active_timers":   len(s.timers),
		"recent_runs":     len(s.history),
		"recent_failures": failed,
	}
}
