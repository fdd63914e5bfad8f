package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/scoring"
)

// PollingController is the operator surface of the polling orchestrator
type PollingController interface {
	Start(ctx context.Context) domain.PollingStatus
	Stop() domain.PollingStatus
	SmartStart(ctx context.Context) domain.PollingStatus
	ForcePoll(ctx context.Context) domain.PollingStatus
	Status() domain.PollingStatus
}

// BudgetReporter reports provider budget usage
type BudgetReporter interface {
	Usage(ctx context.Context) (ledger.Usage, error)
}

// Scorer scores a finished fixture on demand
type Scorer interface {
	ScoreFixture(ctx context.Context, fixtureID int64) (scoring.BatchResult, error)
}

// LiveReader serves stored match state
type LiveReader interface {
	LiveMatches(ctx context.Context) ([]domain.LiveMatch, error)
	GetFixture(ctx context.Context, fixtureID int64) (*domain.Fixture, error)
}

// StreamServer serves the push stream transports
type StreamServer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
}

// Deps are the collaborators behind the HTTP surface. Metrics may be nil.
type Deps struct {
	Poller  PollingController
	Budget  BudgetReporter
	Scorer  Scorer
	Live    LiveReader
	Stream  StreamServer
	Metrics http.Handler
}

// Handler provides HTTP handlers for the live score API
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	// Push stream endpoints stay uncompressed so every frame is flushed as written
	r.Get("/api/live/stream", h.deps.Stream.ServeSSE)
	r.Get("/ws", h.deps.Stream.ServeWS)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Route("/polling", func(r chi.Router) {
			r.Get("/status", h.PollingStatus)
			r.Get("/budget", h.BudgetUsage)
			r.Post("/start", h.StartPolling)
			r.Post("/stop", h.StopPolling)
			r.Post("/smart-start", h.SmartStart)
			r.Post("/force-poll", h.ForcePoll)
		})

		r.Get("/live", h.GetLiveMatches)
		r.Get("/fixtures/{fixtureID}", h.GetFixture)
		r.Post("/fixtures/{fixtureID}/score", h.ScoreFixture)

		r.Get("/stream/stats", h.GetStreamStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// PollingStatus returns the orchestrator status
func (h *Handler) PollingStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Poller.Status())
}

// StartPolling arms the polling timer and runs one cycle.
// The cycle outlives the request so a client disconnect does not abort it.
func (h *Handler) StartPolling(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Poller.Start(context.WithoutCancel(r.Context())))
}

// StopPolling cancels the polling timer
func (h *Handler) StopPolling(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Poller.Stop())
}

// SmartStart aligns polling with the stored live fixtures
func (h *Handler) SmartStart(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Poller.SmartStart(context.WithoutCancel(r.Context())))
}

// ForcePoll runs one cycle without changing the polling state
func (h *Handler) ForcePoll(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Poller.ForcePoll(context.WithoutCancel(r.Context())))
}

// BudgetUsage returns today's provider call counters
func (h *Handler) BudgetUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.deps.Budget.Usage(r.Context())
	if err != nil {
		h.logger.Error("failed to load budget usage", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, usage)
}

// GetLiveMatches returns the stored live matches
func (h *Handler) GetLiveMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.deps.Live.LiveMatches(r.Context())
	if err != nil {
		h.logger.Error("failed to list live matches", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// GetFixture returns a fixture by id
func (h *Handler) GetFixture(w http.ResponseWriter, r *http.Request) {
	fixtureID, err := parseFixtureID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	fixture, err := h.deps.Live.GetFixture(r.Context(), fixtureID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get fixture", "fixture_id", fixtureID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, fixture)
}

// ScoreFixture scores the pending predictions of a finished fixture
func (h *Handler) ScoreFixture(w http.ResponseWriter, r *http.Request) {
	fixtureID, err := parseFixtureID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.deps.Scorer.ScoreFixture(r.Context(), fixtureID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, domain.ErrFixtureNotFound)
			return
		}
		h.logger.Error("failed to score fixture", "fixture_id", fixtureID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, result)
}

// GetStreamStats returns push stream connection statistics
func (h *Handler) GetStreamStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.deps.Stream.ClientCount(),
	})
}

func parseFixtureID(r *http.Request) (int64, error) {
	fixtureID, err := strconv.ParseInt(chi.URLParam(r, "fixtureID"), 10, 64)
	if err != nil {
		return 0, err
	}
	if fixtureID <= 0 {
		return 0, domain.ErrInvalidRequest
	}
	return fixtureID, nil
}
