// Package api implements the companion HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/companion-agent/internal/agent"
	"github.com/nugget/companion-agent/internal/buildinfo"
	"github.com/nugget/companion-agent/internal/connwatch"
	"github.com/nugget/companion-agent/internal/events"
	"github.com/nugget/companion-agent/internal/policy"
	"github.com/nugget/companion-agent/internal/preference"
	"github.com/nugget/companion-agent/internal/proactive"
	"github.com/nugget/companion-agent/internal/scheduler"
	"github.com/nugget/companion-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Agent runs turns and daily checks.
type Agent interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) agent.TurnResponse
	CheckDaily(ctx context.Context, userID string) (proactive.DailyCheck, error)
	SessionStats() map[string]any
}

// Preferences exposes learned preferences and profiles.
type Preferences interface {
	InferPreferences(ctx context.Context, userID string) (preference.Inferred, error)
	GetProfile(ctx context.Context, userID string) (preference.Profile, error)
	UpdateProfile(ctx context.Context, p preference.Profile) (preference.Profile, error)
	ResetUser(ctx context.Context, userID string) error
}

// Suggestions records suggestion feedback.
type Suggestions interface {
	Dismiss(ctx context.Context, id string) error
}

// Jobs reports on periodic jobs.
type Jobs interface {
	Jobs() []scheduler.Job
	Executions(limit int) []scheduler.Execution
	Stats() map[string]any
}

// Usage reports completion token consumption.
type Usage interface {
	Report(ctx context.Context, end time.Time, window time.Duration) (usage.Report, error)
}

// Health reports dependency reachability.
type Health interface {
	Status() []connwatch.ServiceStatus
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	agent       Agent
	preferences Preferences
	suggestions Suggestions
	jobs        Jobs
	usage       Usage
	health      Health
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, a Agent, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		agent:   a,
		logger:  logger,
	}
}

// SetPreferences configures the preference endpoints.
func (s *Server) SetPreferences(p Preferences) {
	s.preferences = p
}

// SetSuggestions configures the suggestion dismissal endpoint.
func (s *Server) SetSuggestions(sg Suggestions) {
	s.suggestions = sg
}

// SetJobs configures the job introspection endpoint.
func (s *Server) SetJobs(j Jobs) {
	s.jobs = j
}

// SetUsage configures the token usage endpoint.
func (s *Server) SetUsage(u Usage) {
	s.usage = u
}

// SetHealth configures dependency reporting on /health.
func (s *Server) SetHealth(h Health) {
	s.health = h
}

// SetEventBus configures the event stream endpoint.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)

	// Proactive suggestions
	mux.HandleFunc("POST /v1/users/{id}/proactive/check", s.handleProactiveCheck)
	mux.HandleFunc("POST /v1/suggestions/{id}/dismiss", s.handleDismiss)

	// Preferences and profiles
	mux.HandleFunc("GET /v1/users/{id}/preferences", s.handlePreferences)
	mux.HandleFunc("GET /v1/users/{id}/profile", s.handleProfileGet)
	mux.HandleFunc("PUT /v1/users/{id}/profile", s.handleProfilePut)
	mux.HandleFunc("DELETE /v1/users/{id}/profile", s.handleProfileDelete)

	// Introspection
	mux.HandleFunc("GET /v1/sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET /v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // turns may chain several tools
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, buildinfo.Info())
}

// handleHealth always answers 200 while the process serves; a
// dependency outage shows as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respond(w, map[string]any{"status": "healthy"})
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	s.respond(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	})
}

// TurnResult is the /v1/turn reply. HTML carries the rendered message
// when the caller asks for ?format=html.
type TurnResult struct {
	agent.TurnResponse
	HTML string `json:"html,omitempty"`
}

// handleTurn runs one utterance through the agent.
// POST /v1/turn {"utterance": "plan my commute", "userId": "u1"}
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req agent.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Utterance == "" {
		s.errorResponse(w, http.StatusBadRequest, "utterance is required")
		return
	}

	result := TurnResult{TurnResponse: s.agent.RunTurn(r.Context(), req)}
	if r.URL.Query().Get("format") == "html" {
		html, err := policy.RenderHTML(result.Message)
		if err != nil {
			s.logger.Warn("failed to render reply", "request_id", result.RequestID, "error", err)
		} else {
			result.HTML = html
		}
	}
	s.respond(w, result)
}

func (s *Server) handleProactiveCheck(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	check, err := s.agent.CheckDaily(r.Context(), userID)
	if err != nil {
		s.logger.Error("daily check failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "daily check failed")
		return
	}
	s.respond(w, check)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if s.suggestions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "proactive suggestions not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.suggestions.Dismiss(r.Context(), id); err != nil {
		if errors.Is(err, preference.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "suggestion not found")
			return
		}
		s.logger.Error("dismiss failed", "suggestion_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "dismiss failed")
		return
	}
	s.respond(w, map[string]any{"id": id, "dismissed": true})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if s.preferences == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	inferred, err := s.preferences.InferPreferences(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("infer preferences failed", "user_id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	s.respond(w, inferred)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	if s.preferences == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	p, err := s.preferences.GetProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("get profile failed", "user_id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	s.respond(w, p)
}

func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	if s.preferences == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	var p preference.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.UserID = r.PathValue("id")

	updated, err := s.preferences.UpdateProfile(r.Context(), p)
	if err != nil {
		s.logger.Error("update profile failed", "user_id", p.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to update profile")
		return
	}
	s.respond(w, updated)
}

// handleProfileDelete forgets everything stored about a user.
func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	if s.preferences == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "preferences not configured")
		return
	}
	userID := r.PathValue("id")
	if err := s.preferences.ResetUser(r.Context(), userID); err != nil {
		s.logger.Error("reset user failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to reset user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.agent.SessionStats())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	s.respond(w, map[string]any{
		"jobs":       s.jobs.Jobs(),
		"executions": s.jobs.Executions(parseIntParam(r, "limit", 20)),
		"stats":      s.jobs.Stats(),
	})
}

// handleUsage reports token usage over the last ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	report, err := s.usage.Report(r.Context(), time.Now(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.logger.Error("usage report failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	s.respond(w, report)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
