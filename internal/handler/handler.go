package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"offer-catalog-engine/internal/cache"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/middleware"
	"offer-catalog-engine/internal/models"
	"offer-catalog-engine/internal/service"
	"offer-catalog-engine/internal/validation"
)

// Handler provides HTTP handlers for the cron and catalog endpoints.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *logger.Logger
	limiter     *middleware.RateLimiter
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *logger.Logger
	// RateLimiter throttles the authed endpoints per route and caller.
	// Nil disables it.
	RateLimiter *middleware.RateLimiter
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
		limiter:     opts.RateLimiter,
	}
}

// Routes returns the endpoint tree. Everything except /health and
// /offers/live requires cronSecret and counts against the rate limit.
func (h *Handler) Routes(cronSecret string) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(middleware.RateLimitMiddleware(h.limiter, middleware.CronKey))
		}
		r.Use(middleware.CronAuth(cronSecret, nil))

		r.Route("/cron", func(r chi.Router) {
			cronRoute(r, "/ingest", h.Ingest)
			cronRoute(r, "/winners", h.Winners)
			cronRoute(r, "/maintenance", h.Maintenance)
			cronRoute(r, "/pipeline", h.Pipeline)
		})
		r.Get("/runs/latest", h.LatestRun)
	})

	r.Get("/offers/live", h.LiveOffers)
	r.Get("/health", h.Health)
	r.Head("/health", h.Health)
	return r
}

func cronRoute(r chi.Router, pattern string, fn http.HandlerFunc) {
	r.Get(pattern, fn)
	r.Post(pattern, fn)
	r.Head(pattern, fn)
}

// Ingest handles /cron/ingest
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p, ok := h.params(w, r, start)
	if !ok {
		return
	}
	summary, err := h.service.RunIngest(r.Context(), p)
	h.respondStage(w, r, start, summary, err)
}

// Winners handles /cron/winners
func (h *Handler) Winners(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p, ok := h.params(w, r, start)
	if !ok {
		return
	}
	summary, err := h.service.RunWinners(r.Context(), p)
	h.respondStage(w, r, start, summary, err)
}

// Maintenance handles /cron/maintenance
func (h *Handler) Maintenance(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p, ok := h.params(w, r, start)
	if !ok {
		return
	}
	summary, err := h.service.RunMaintenance(r.Context(), p)
	h.respondStage(w, r, start, summary, err)
}

// Pipeline handles /cron/pipeline
func (h *Handler) Pipeline(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	p, ok := h.params(w, r, start)
	if !ok {
		return
	}
	summary, err := h.service.RunPipeline(r.Context(), p)
	h.respondStage(w, r, start, summary, err)
}

// LatestRun handles GET /runs/latest?stage=
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stage := strings.ToLower(validation.SanitizeString(r.URL.Query().Get("stage")))
	if stage == "" {
		stage = service.StagePipeline
	}

	rec, err := h.service.LatestRun(r.Context(), stage)
	switch {
	case errors.Is(err, service.ErrUnknownStage):
		h.respondError(w, r, http.StatusBadRequest, start, err.Error())
		return
	case errors.Is(err, cache.ErrNotFound):
		h.respondError(w, r, http.StatusNotFound, start, "no run recorded for stage "+stage)
		return
	case err != nil:
		h.logger.Error("failed to read run summary", "stage", stage, "error", err)
		h.respondError(w, r, http.StatusInternalServerError, start, "failed to read run summary")
		return
	}

	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"tookMs": time.Since(start).Milliseconds(),
		"run":    rec,
	})
}

// LiveOffers handles GET /offers/live
func (h *Handler) LiveOffers(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()

	filter := models.LiveFilter{
		Category: strings.ToLower(validation.SanitizeString(q.Get("category"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.respondError(w, r, http.StatusBadRequest, start, "invalid 'limit' parameter, must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	offers, err := h.service.LiveOffers(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list live offers", "error", err)
		h.respondError(w, r, http.StatusInternalServerError, start, "failed to list live offers")
		return
	}

	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"tookMs": time.Since(start).Milliseconds(),
		"count":  len(offers),
		"offers": offers,
	})
}

// Health handles /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.service.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		h.respondError(w, r, http.StatusServiceUnavailable, start, "store unavailable")
		return
	}
	h.respondJSON(w, r, http.StatusOK, models.ErrorResponse{OK: true, TookMs: time.Since(start).Milliseconds()})
}

// params reads the tunables from the query string and, for POST, a
// form-encoded body. Values are clamped, never rejected.
func (h *Handler) params(w http.ResponseWriter, r *http.Request, start time.Time) (validation.Params, bool) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	if err := r.ParseForm(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, start, "invalid request parameters")
		return validation.Params{}, false
	}
	return validation.ParseParams(r.Form), true
}

// respondStage writes {ok, tookMs, ...summary, error?}.
func (h *Handler) respondStage(w http.ResponseWriter, r *http.Request, start time.Time, summary interface{}, stageErr error) {
	status := http.StatusOK
	body, err := flatten(summary)
	if err != nil {
		h.logger.Error("failed to encode summary", "error", err)
		body = map[string]json.RawMessage{}
	}

	body["ok"] = json.RawMessage(strconv.FormatBool(stageErr == nil))
	body["tookMs"] = json.RawMessage(strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	if stageErr != nil {
		status = http.StatusInternalServerError
		msg, _ := json.Marshal(stageErr.Error())
		body["error"] = msg
	}

	h.respondJSON(w, r, status, body)
}

// flatten turns a summary struct into its top-level JSON fields.
func flatten(summary interface{}) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// respondJSON sends a JSON response with the given status code. HEAD
// requests get the headers and status only.
func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, start time.Time, message string) {
	h.respondJSON(w, r, status, models.ErrorResponse{
		OK:     false,
		TookMs: time.Since(start).Milliseconds(),
		Error:  message,
	})
}
