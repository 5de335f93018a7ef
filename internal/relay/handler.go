// Package relay bridges browser clients to an upstream speech-to-speech
// service over WebSocket.
//
// Each accepted connection claims one pre-created session, opens one upstream
// session and then runs a supervisor that owns turn-taking, usage metering
// and audio translation in both directions until either side goes away.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// maxFrameBytes bounds a single client frame. One second of 48kHz PCM16 fits.
const maxFrameBytes = 1 << 20

// HandlerConfig wires a [Handler].
type HandlerConfig struct {
	Registry *session.Registry
	Upstream s2s.Provider
	// Sink receives usage increments; usually a [usage.Recorder].
	Sink    usage.Sink
	Tracker *Tracker
	Metrics *observe.Metrics

	// OriginPatterns lists host patterns accepted on upgrade besides the
	// request's own host.
	OriginPatterns []string

	// DialTimeout bounds opening the upstream session. Default: 10s.
	DialTimeout time.Duration

	Config Config
	// Clock replaces the wall clock in tests.
	Clock Clock
}

// Handler upgrades client requests to relay connections.
type Handler struct {
	registry    *session.Registry
	upstream    s2s.Provider
	sink        usage.Sink
	tracker     *Tracker
	metrics     *observe.Metrics
	origins     []string
	dialTimeout time.Duration
	clock       Clock

	cfg atomic.Pointer[Config]
}

// NewHandler creates a [Handler] from hc.
func NewHandler(hc HandlerConfig) *Handler {
	if hc.Tracker == nil {
		hc.Tracker = NewTracker()
	}
	if hc.Metrics == nil {
		hc.Metrics = observe.DefaultMetrics()
	}
	if hc.DialTimeout <= 0 {
		hc.DialTimeout = 10 * time.Second
	}
	if hc.Clock == nil {
		hc.Clock = realClock{}
	}
	h := &Handler{
		registry:    hc.Registry,
		upstream:    hc.Upstream,
		sink:        hc.Sink,
		tracker:     hc.Tracker,
		metrics:     hc.Metrics,
		origins:     hc.OriginPatterns,
		dialTimeout: hc.DialTimeout,
		clock:       hc.Clock,
	}
	h.SetConfig(hc.Config)
	return h
}

// SetConfig replaces the tuning used by connections accepted from now on.
func (h *Handler) SetConfig(cfg Config) {
	h.cfg.Store(&cfg)
}

// Config returns the tuning new connections start with.
func (h *Handler) Config() Config { return *h.cfg.Load() }

// Tracker returns the set of live connections.
func (h *Handler) Tracker() *Tracker { return h.tracker }

// ServeHTTP implements [http.Handler]. Refusals happen after the upgrade so
// the client sees the close code.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	id := r.URL.Query().Get("session_id")
	if id == "" {
		log.Info("relay connection refused", "reason", "missing session_id")
		_ = ws.Close(CloseMissingSession, "missing session_id")
		return
	}
	log = log.With("session_id", id)

	c := newConn(ws, h.Config(), h.clock, h.metrics)
	sess, err := h.registry.Claim(id, c)
	if err != nil {
		code, reason := CloseUnknownSession, "unknown session"
		if errors.Is(err, session.ErrSessionClaimed) {
			code, reason = CloseSessionClaimed, "session already claimed"
		}
		log.Info("relay connection refused", "reason", reason)
		_ = ws.Close(code, reason)
		return
	}
	c.bind(*sess, h.sink)
	c.log = log.With("user_id", sess.UserID)
	c.release = func() { h.registry.Release(id) }

	ctx, span := observe.StartConnectionSpan(ctx, id, sess.UserID, string(sess.AccountingMode))

	handle, err := h.dial(ctx, c.sessionConfig())
	if err != nil {
		code, reason := CloseUpstreamUnavailable, "upstream unavailable"
		if errors.Is(err, s2s.ErrMissingCredentials) {
			code, reason = CloseUpstreamNoAuth, "upstream not configured"
		}
		c.log.Error("failed to open upstream session", "err", err)
		h.registry.Release(id)
		_ = ws.Close(code, reason)
		span.SetAttributes(observe.AttrCloseCode.Int(int(code)))
		observe.EndSpan(span, err)
		return
	}
	c.upstream = handle

	unregister := h.tracker.Register(id, c)
	defer unregister()

	c.log.Info("relay connection opened", "accounting_mode", sess.AccountingMode)
	err = c.Run(ctx)
	if err != nil {
		c.log.Warn("relay connection ended with error", "err", err)
	}
	code, _ := c.closeStatus()
	span.SetAttributes(observe.AttrCloseCode.Int(int(code)))
	observe.EndSpan(span, err)
}

func (h *Handler) dial(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, h.dialTimeout)
	defer cancel()
	start := time.Now()
	handle, err := h.upstream.Connect(ctx, cfg)
	h.metrics.UpstreamDialDuration.Record(ctx, time.Since(start).Seconds())
	return handle, err
}
