package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/companion-agent/internal/agent"
	"github.com/nugget/companion-agent/internal/api"
	"github.com/nugget/companion-agent/internal/buildinfo"
	"github.com/nugget/companion-agent/internal/config"
	"github.com/nugget/companion-agent/internal/connwatch"
	"github.com/nugget/companion-agent/internal/policy"
	"github.com/nugget/companion-agent/internal/proactive"
	"github.com/nugget/companion-agent/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// bootstrap loads the config and builds the app, logging to logOut.
func bootstrap(ctx context.Context, opts *options, logOut io.Writer) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(logOut, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath)
	return newApp(ctx, cfg, logger, opts.stderr)
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and periodic jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe serves the API until SIGINT or SIGTERM.
func runServe(ctx context.Context, opts *options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, opts, opts.stdout)
	if err != nil {
		return err
	}
	defer closeApp(a)
	a.logger.Info("starting companion", "build", buildinfo.String())

	if err := a.startNotifier(ctx); err != nil {
		a.logger.Warn("mqtt unavailable, suggestions will not be pushed", "error", err)
	}

	monitor := connwatch.NewMonitor(a.logger, a.bus)
	if err := a.watchDependencies(ctx, monitor); err != nil {
		return err
	}
	defer monitor.Stop()

	sched := scheduler.New(a.logger, a.bus)
	if err := registerJobs(sched, a); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.agent, a.logger)
	server.SetPreferences(a.prefs)
	server.SetJobs(sched)
	server.SetEventBus(a.bus)
	server.SetUsage(a.usage)
	server.SetHealth(monitor)
	if a.proactive != nil {
		server.SetSuggestions(a.proactive)
	}

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func newAskCmd(opts *options) *cobra.Command {
	var (
		userID    string
		sessionID string
		html      bool
	)
	cmd := &cobra.Command{
		Use:   "ask <utterance>",
		Short: "Run a single turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts, opts.stderr)
			if err != nil {
				return err
			}
			defer closeApp(a)

			resp := a.agent.RunTurn(cmd.Context(), agent.TurnRequest{
				Utterance: strings.Join(args, " "),
				UserID:    userID,
				SessionID: sessionID,
			})
			return printTurn(opts.stdout, opts.output, resp, html)
		},
	}
	cmd.Flags().StringVar(&userID, "user", agent.DefaultUserID, "user id to personalize for")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session id")
	cmd.Flags().BoolVar(&html, "html", false, "render the reply as HTML")
	return cmd
}

func printTurn(w io.Writer, outputFmt string, resp agent.TurnResponse, html bool) error {
	if outputFmt == "json" {
		return writeJSON(w, resp)
	}
	msg := resp.Message
	if html {
		rendered, err := policy.RenderHTML(msg)
		if err != nil {
			return fmt.Errorf("render reply: %w", err)
		}
		msg = rendered
	}
	fmt.Fprintln(w, strings.TrimRight(msg, "\n"))
	if !resp.Success {
		return errors.New("turn failed")
	}
	return nil
}

func newCheckDailyCmd(opts *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "check-daily",
		Short: "Run the proactive daily check (all users unless --user is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, opts, opts.stderr)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.proactive == nil {
				return errors.New("proactive suggestions are disabled in the configuration")
			}
			if err := a.startNotifier(ctx); err != nil {
				a.logger.Warn("mqtt unavailable, suggestions will not be pushed", "error", err)
			}

			var checks []proactive.DailyCheck
			if userID != "" {
				check, err := a.agent.CheckDaily(ctx, userID)
				if err != nil {
					return err
				}
				checks = append(checks, check)
			} else if checks, err = a.checkAll(ctx); err != nil {
				a.logger.Warn("some daily checks failed", "error", err)
			}
			return printChecks(opts.stdout, opts.output, checks)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to check")
	return cmd
}

func printChecks(w io.Writer, outputFmt string, checks []proactive.DailyCheck) error {
	if outputFmt == "json" {
		if checks == nil {
			checks = []proactive.DailyCheck{}
		}
		return writeJSON(w, checks)
	}
	if len(checks) == 0 {
		fmt.Fprintln(w, "no users to check")
		return nil
	}
	for _, c := range checks {
		fmt.Fprintf(w, "%s: %d suggestion(s)\n", c.UserID, c.Count)
		for _, s := range c.Suggestions {
			fmt.Fprintf(w, "  - [%s] %s (%.2f)\n", s.Kind, s.Title, s.Relevance)
		}
	}
	return nil
}

func newCleanupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge logged actions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), opts, opts.stderr)
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.prefs.CleanupOldActions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(opts.stdout, map[string]any{
					"deleted":        n,
					"retention_days": a.cfg.Preferences.RetentionDays,
				})
			}
			fmt.Fprintf(opts.stdout, "deleted %d action(s) older than %d days\n", n, a.cfg.Preferences.RetentionDays)
			return nil
		},
	}
}
