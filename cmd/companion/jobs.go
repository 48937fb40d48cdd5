package main

import (
	"context"
	"time"

	"github.com/nugget/companion-agent/internal/scheduler"
)

// Periodic job names.
const (
	jobSessionSweep   = "session_sweep"
	jobActionCleanup  = "action_cleanup"
	jobProactiveCheck = "proactive_check"
)

const cleanupInterval = 24 * time.Hour

// registerJobs adds the periodic maintenance jobs to s.
func registerJobs(s *scheduler.Scheduler, a *app) error {
	jobs := []scheduler.Job{
		{
			Name:  jobSessionSweep,
			Every: scheduler.Duration{Duration: a.cfg.Sessions.SweepInterval},
			Run: func(context.Context) error {
				a.sessions.Sweep(a.cfg.Sessions.IdleTimeout)
				return nil
			},
		},
		{
			Name:  jobActionCleanup,
			Every: scheduler.Duration{Duration: cleanupInterval},
			Run: func(ctx context.Context) error {
				_, err := a.prefs.CleanupOldActions(ctx)
				return err
			},
		},
	}
	if a.proactive != nil {
		jobs = append(jobs, scheduler.Job{
			Name:    jobProactiveCheck,
			Every:   scheduler.Duration{Duration: a.cfg.Proactive.CheckInterval},
			Timeout: 30 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.checkAll(ctx)
				return err
			},
		})
	}

	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
