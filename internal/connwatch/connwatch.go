// Package connwatch monitors the reachability of the services the agent
// depends on (the completion server, the preference database, the MQTT
// broker). Each service is checked on its own goroutine: healthy services
// are polled at a fixed interval, failing ones are retried with
// exponential backoff capped at that interval. Transitions are logged
// and published on the event bus.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/companion-agent/internal/events"
)

// CheckFunc checks whether a service is reachable. Return nil if healthy.
type CheckFunc func(ctx context.Context) error

// Defaults for zero Config fields.
const (
	DefaultInterval   = 60 * time.Second
	DefaultMinBackoff = 2 * time.Second
	DefaultTimeout    = 10 * time.Second
)

// Config describes one watched service.
type Config struct {
	Name       string
	Check      CheckFunc
	Interval   time.Duration // poll interval while healthy
	MinBackoff time.Duration // first retry delay after a failure
	Timeout    time.Duration // per-check limit
}

// ServiceStatus is the health of one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

type service struct {
	cfg Config

	mu     sync.Mutex
	status ServiceStatus
}

// Monitor owns the service watchers.
type Monitor struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	services map[string]*service
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(logger *slog.Logger, bus *events.Bus) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		bus:      bus,
		services: make(map[string]*service),
	}
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. The first check runs immediately.
func (m *Monitor) Watch(ctx context.Context, cfg Config) error {
	if cfg.Name == "" || cfg.Check == nil {
		return fmt.Errorf("connwatch: service needs a name and a check func")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[cfg.Name]; exists {
		return fmt.Errorf("connwatch: %s already watched", cfg.Name)
	}
	svc := &service{cfg: cfg, status: ServiceStatus{Name: cfg.Name}}
	m.services[cfg.Name] = svc

	ctx, cancel := context.WithCancel(ctx)
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, svc)
	}()
	return nil
}

func (m *Monitor) run(ctx context.Context, svc *service) {
	for {
		err := svc.check(ctx)
		if ctx.Err() != nil {
			return
		}
		m.record(svc, err)

		if !sleepCtx(ctx, svc.nextDelay()) {
			return
		}
	}
}

func (s *service) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.cfg.Check(ctx)
}

// nextDelay doubles MinBackoff per consecutive failure, capped at
// Interval.
func (s *service) nextDelay() time.Duration {
	s.mu.Lock()
	failures := s.status.Failures
	s.mu.Unlock()

	if failures == 0 {
		return s.cfg.Interval
	}
	delay := s.cfg.MinBackoff
	for i := 1; i < failures && delay < s.cfg.Interval; i++ {
		delay *= 2
	}
	return min(delay, s.cfg.Interval)
}

// record stores a check result and reports transitions. The first
// result counts as a transition so startup state is always logged.
func (m *Monitor) record(svc *service, err error) {
	svc.mu.Lock()
	first := svc.status.LastCheck.IsZero()
	wasReady := svc.status.Ready
	svc.status.LastCheck = time.Now()
	svc.status.Ready = err == nil
	if err != nil {
		svc.status.LastError = err.Error()
		svc.status.Failures++
	} else {
		svc.status.LastError = ""
		svc.status.Failures = 0
	}
	failures := svc.status.Failures
	svc.mu.Unlock()

	name := svc.cfg.Name
	switch {
	case err == nil && (first || !wasReady):
		m.logger.Info("service reachable", "service", name)
		m.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": name})
	case err != nil && (first || wasReady):
		m.logger.Warn("service unreachable", "service", name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": name,
			"error":   err.Error(),
		})
	case err != nil:
		m.logger.Debug("service still unreachable", "service", name, "failures", failures, "error", err)
	}
}

// Status returns the health of every watched service, sorted by name.
func (m *Monitor) Status() []ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServiceStatus, 0, len(m.services))
	for _, svc := range m.services {
		svc.mu.Lock()
		out = append(out, svc.status)
		svc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is reachable.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels all watchers and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.mu.Unlock()
	m.wg.Wait()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
