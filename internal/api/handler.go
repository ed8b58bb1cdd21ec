// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saimqureshi656/github-crawler-assessment/internal/crawler"
	"github.com/saimqureshi656/github-crawler-assessment/internal/store"
)

// Stats is the read-only surface the Handler needs from the store.
type Stats interface {
	CountRepositories(ctx context.Context) (int64, error)
	TopRepositories(ctx context.Context, limit int) ([]store.TopRepository, error)
}

// ProgressSource exposes the live crawl state.
type ProgressSource interface {
	Progress() crawler.Progress
}

// RateLimitSource exposes the last-seen API quota telemetry.
type RateLimitSource interface {
	LastRateLimit() (remaining int, resetAt time.Time)
}

// Handler is the container for API dependencies.
type Handler struct {
	stats    Stats
	progress ProgressSource
	rates    RateLimitSource
	logger   *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(stats Stats, progress ProgressSource, rates RateLimitSource, logger *slog.Logger) http.Handler {
	h := &Handler{
		stats:    stats,
		progress: progress,
		rates:    rates,
		logger:   logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.getStats)
		r.Get("/repos/top", h.getTopRepos)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	StoredRepositories int64  `json:"stored_repositories"`
	Fetched            int    `json:"fetched"`
	Target             int    `json:"target"`
	Outcome            string `json:"outcome,omitempty"`
	ElapsedSeconds     int64  `json:"elapsed_seconds"`
	RateRemaining      int    `json:"rate_limit_remaining"`
	RateResetAt        string `json:"rate_limit_reset_at,omitempty"`
}

// getStats reports stored totals and live crawl progress.
// GET /v1/stats
func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	count, err := h.stats.CountRepositories(r.Context())
	if err != nil {
		h.logger.Error("Failed to count repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	p := h.progress.Progress()
	remaining, resetAt := h.rates.LastRateLimit()

	resp := statsResponse{
		StoredRepositories: count,
		Fetched:            p.Fetched,
		Target:             p.Target,
		Outcome:            string(p.Outcome),
		RateRemaining:      remaining,
	}
	if !p.StartedAt.IsZero() {
		resp.ElapsedSeconds = int64(time.Since(p.StartedAt).Seconds())
	}
	if !resetAt.IsZero() {
		resp.RateResetAt = resetAt.Format(time.RFC3339)
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// getTopRepos returns the most-starred repositories harvested so far.
// GET /v1/repos/top?limit=N
func (h *Handler) getTopRepos(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "10" // Default limit
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 100.")
		return
	}

	repos, err := h.stats.TopRepositories(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to get top repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, repos)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
