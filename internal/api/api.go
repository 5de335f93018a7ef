// Package api serves the session management endpoints used by the trusted
// account service: creating a session before the client connects, inspecting
// and re-limiting it while it runs, and ending it explicitly.
//
// Routes:
//
//   - POST   /v1/sessions
//   - GET    /v1/sessions/{id}
//   - PATCH  /v1/sessions/{id}/limits
//   - DELETE /v1/sessions/{id}
//   - GET    /v1/usage/{user_id}
//   - GET    /v1/upstreams
//
// When a token is configured every route requires it as a Bearer token.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/resilience"
	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeQuotaExceeded     = "quota_exceeded"
	CodePlacementRequired = "placement_required"
	CodeInternal          = "internal"
)

// Config holds the dependencies of a [Handler].
type Config struct {
	Registry *session.Registry

	// Store answers per-user usage totals. When nil, the usage route
	// reports 404.
	Store usage.Store

	// Upstreams reports the speech-to-speech pool. When nil, the upstreams
	// route reports 404.
	Upstreams UpstreamReporter

	// Token, when non-empty, must be presented as a Bearer token.
	Token string

	// RealtimePath is the WebSocket route a created session connects to.
	// Default: /v1/realtime.
	RealtimePath string

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// UpstreamReporter is implemented by [resilience.Upstreams].
type UpstreamReporter interface {
	Status() []resilience.UpstreamStatus
}

// Handler serves the session management API.
type Handler struct {
	registry     *session.Registry
	store        usage.Store
	upstreams    UpstreamReporter
	token        []byte
	realtimePath string
	now          func() time.Time
}

// New creates a [Handler] from cfg.
func New(cfg Config) *Handler {
	if cfg.RealtimePath == "" {
		cfg.RealtimePath = "/v1/realtime"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Handler{
		registry:     cfg.Registry,
		store:        cfg.Store,
		upstreams:    cfg.Upstreams,
		realtimePath: cfg.RealtimePath,
		now:          cfg.Now,
	}
	if cfg.Token != "" {
		h.token = []byte(cfg.Token)
	}
	return h
}

// Register adds the API routes to r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authorize)
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Patch("/{id}/limits", h.UpdateLimits)
			r.Delete("/{id}", h.DeleteSession)
		})
		r.Get("/v1/usage/{user_id}", h.GetUsage)
		r.Get("/v1/upstreams", h.GetUpstreams)
	})
}

func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != nil {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), h.token) != 1 {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type createRequest struct {
	UserID            string              `json:"user_id"`
	Plan              string              `json:"plan"`
	Limits            usage.Limits        `json:"limits"`
	Usage             usage.Totals        `json:"usage"`
	Preferences       session.Preferences `json:"preferences"`
	PlacementLevel    string              `json:"placement_level"`
	PlacementRequired bool                `json:"placement_required"`
	AccountingMode    usage.Mode          `json:"accounting_mode"`
}

type createResponse struct {
	SessionID      string     `json:"session_id"`
	ConnectURL     string     `json:"connect_url"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AccountingMode usage.Mode `json:"accounting_mode"`
}

// CreateSession registers a session for a client that is about to connect.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}

	sess, err := h.registry.Create(r.Context(), session.CreateRequest{
		UserID:            req.UserID,
		Plan:              req.Plan,
		Usage:             req.Usage,
		Limits:            req.Limits,
		Preferences:       req.Preferences,
		PlacementLevel:    req.PlacementLevel,
		PlacementRequired: req.PlacementRequired,
		AccountingMode:    req.AccountingMode,
	})
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, CodeQuotaExceeded, err.Error())
		return
	case errors.Is(err, session.ErrPlacementRequired):
		writeError(w, http.StatusPreconditionFailed, CodePlacementRequired, "placement test must be completed first")
		return
	case errors.Is(err, session.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("failed to create session", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		SessionID:      sess.ID,
		ConnectURL:     h.realtimePath + "?session_id=" + sess.ID,
		ExpiresAt:      sess.ExpiresAt,
		AccountingMode: sess.AccountingMode,
	})
}

// GetSession returns a snapshot of a session including live usage.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// UpdateLimits replaces a session's limits. A connected client sees the new
// limits take effect immediately.
func (h *Handler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	var limits usage.Limits
	if !decode(w, r, &limits) {
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := h.registry.SetLimits(id, limits)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown session")
		return
	}
	observe.Logger(r.Context()).Info("session limits updated",
		"session_id", id,
		"daily_minutes", limits.DailyMinutes,
		"monthly_minutes", limits.MonthlyMinutes,
	)
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession ends a session. A connected client is disconnected.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	h.registry.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// ─── Usage ───────────────────────────────────────────────────────────────────

type usageResponse struct {
	UserID string       `json:"user_id"`
	Day    string       `json:"day"`
	Month  string       `json:"month"`
	Usage  usage.Totals `json:"usage"`
}

// GetUsage returns the persisted minutes of a user for the current day and
// month. Minutes still queued for persistence are not included.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "usage store not configured")
		return
	}
	userID := chi.URLParam(r, "user_id")
	now := h.now()
	totals, err := h.store.Totals(r.Context(), userID, now)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to read usage totals", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read usage")
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		UserID: userID,
		Day:    usage.DayKey(now),
		Month:  usage.MonthKey(now),
		Usage:  totals,
	})
}

// ─── Upstreams ───────────────────────────────────────────────────────────────

type upstreamsResponse struct {
	Upstreams []resilience.UpstreamStatus `json:"upstreams"`
}

// GetUpstreams lists the speech-to-speech upstreams in dial order with their
// breaker state.
func (h *Handler) GetUpstreams(w http.ResponseWriter, _ *http.Request) {
	if h.upstreams == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "no upstream pool configured")
		return
	}
	writeJSON(w, http.StatusOK, upstreamsResponse{Upstreams: h.upstreams.Status()})
}

// ─── Encoding ────────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
