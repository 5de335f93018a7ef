package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

var (
	// ErrAllFailed is returned by [Upstreams.Connect] when every upstream
	// failed to dial or had an open breaker. The last dial error stays in the
	// chain.
	ErrAllFailed = errors.New("all upstreams failed")

	// ErrNoUpstreams is returned when a pool has no upstream registered.
	ErrNoUpstreams = errors.New("no upstream configured")
)

// UpstreamStatus is a point-in-time snapshot of one upstream's breaker.
type UpstreamStatus struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

type upstream struct {
	name     string
	provider s2s.Provider
	breaker  *CircuitBreaker
}

// Upstreams implements [s2s.Provider] over an ordered list of speech-to-speech
// endpoints. Connect dials the first upstream whose breaker admits the call
// and moves down the list on failure. Only the dial is covered: a session that
// breaks after it was established ends like any other transport error.
//
// Upstreams must be added before the pool is shared between goroutines.
type Upstreams struct {
	breaker CircuitBreakerConfig
	log     *slog.Logger
	entries []upstream
}

var _ s2s.Provider = (*Upstreams)(nil)

// NewUpstreams returns an empty pool. Each upstream added later gets its own
// breaker built from cfg with Name set to the upstream's name. A nil log uses
// the default logger.
func NewUpstreams(cfg CircuitBreakerConfig, log *slog.Logger) *Upstreams {
	if log == nil {
		log = slog.Default()
	}
	return &Upstreams{breaker: cfg, log: log}
}

// Add appends an upstream. The first one added is the primary.
func (u *Upstreams) Add(name string, p s2s.Provider) {
	cfg := u.breaker
	cfg.Name = name
	u.entries = append(u.entries, upstream{
		name:     name,
		provider: p,
		breaker:  NewCircuitBreaker(cfg),
	})
}

// Len returns the number of registered upstreams.
func (u *Upstreams) Len() int { return len(u.entries) }

// Connect dials the first healthy upstream.
func (u *Upstreams) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if len(u.entries) == 0 {
		return nil, ErrNoUpstreams
	}
	var lastErr error
	for i := range u.entries {
		e := &u.entries[i]
		var handle s2s.SessionHandle
		err := e.breaker.Execute(func() error {
			h, err := e.provider.Connect(ctx, cfg)
			handle = h
			return err
		})
		if err == nil {
			if i > 0 {
				u.log.Info("upstream session opened on fallback", "upstream", e.name)
			}
			return handle, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			u.log.Debug("skipping upstream with open breaker", "upstream", e.name)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("dial upstream %q: %w", e.name, err)
		case i < len(u.entries)-1:
			u.log.Warn("upstream dial failed, trying next", "upstream", e.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Status reports every upstream's breaker state in dial order.
func (u *Upstreams) Status() []UpstreamStatus {
	out := make([]UpstreamStatus, len(u.entries))
	for i, e := range u.entries {
		snap := e.breaker.Snapshot()
		st := UpstreamStatus{Name: e.name, State: snap.State, ConsecutiveFailures: snap.ConsecutiveFailures}
		if !snap.LastFailure.IsZero() {
			t := snap.LastFailure.UTC()
			st.LastFailure = &t
		}
		out[i] = st
	}
	return out
}

// Check returns an error when no upstream would currently accept a dial.
// It has the signature of a readiness probe.
func (u *Upstreams) Check(context.Context) error {
	if len(u.entries) == 0 {
		return ErrNoUpstreams
	}
	for _, e := range u.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every breaker is open", ErrAllFailed)
}
