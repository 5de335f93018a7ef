package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/usage"
)

// Sentinel errors returned by [Registry] operations.
var (
	// ErrSessionNotFound is returned for unknown, expired or removed ids.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionClaimed is returned by [Registry.Claim] when another
	// connection already owns the session.
	ErrSessionClaimed = errors.New("session: already claimed")

	// ErrQuotaExceeded refuses creation when usage is already at or past a limit.
	ErrQuotaExceeded = errors.New("session: quota exceeded")

	// ErrPlacementRequired refuses creation when the placement step is
	// required but no placement level was given.
	ErrPlacementRequired = errors.New("session: placement required")

	// ErrInvalidRequest refuses creation of a malformed request.
	ErrInvalidRequest = errors.New("session: invalid request")
)

// Entry states. Transitions are pending→claimed→gone and pending→gone; the
// compare-and-swap on state decides races between a claim and expiry.
const (
	statePending int32 = iota
	stateClaimed
	stateGone
)

// CreateRequest holds everything the account service knows about a new
// conversation.
type CreateRequest struct {
	UserID string
	Plan   string
	Usage  usage.Totals
	Limits usage.Limits

	Preferences    Preferences
	PlacementLevel string
	// PlacementRequired marks the placement step as a prerequisite.
	PlacementRequired bool

	// AccountingMode defaults to the registry's default mode.
	AccountingMode usage.Mode
}

// Config configures a [Registry].
type Config struct {
	// TTL bounds how long an unclaimed session is kept. Default: 10m.
	TTL time.Duration
	// Capacity bounds the number of unclaimed sessions. When it is reached,
	// the least recently created session is evicted. Default: 10000.
	Capacity int
	// DefaultMode is used when a request names no accounting mode.
	// Default: [usage.ModeTicker].
	DefaultMode usage.Mode

	Metrics *observe.Metrics
	// Now replaces time.Now in tests.
	Now func() time.Time
}

type entry struct {
	state atomic.Int32

	// Guarded by Registry.mu.
	sess  Session
	owner Owner
}

// Registry holds sessions between creation and the end of the connection
// that claims them. Unclaimed sessions live in an expiring LRU; claiming
// moves a session into a separate set where it cannot expire. It is safe for
// concurrent use.
type Registry struct {
	ttl         time.Duration
	defaultMode usage.Mode
	metrics     *observe.Metrics
	now         func() time.Time

	mu      sync.Mutex
	pending *expirable.LRU[string, *entry]
	claimed map[string]*entry
}

// NewRegistry creates a [Registry] from cfg.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if !cfg.DefaultMode.IsValid() {
		cfg.DefaultMode = usage.ModeTicker
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		ttl:         cfg.TTL,
		defaultMode: cfg.DefaultMode,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		claimed:     make(map[string]*entry),
	}
	r.pending = expirable.NewLRU[string, *entry](cfg.Capacity, r.onEvict, cfg.TTL)
	return r
}

// onEvict runs with the LRU's lock held, both for expiry and for explicit
// removals. It must not call back into the LRU or take r.mu.
func (r *Registry) onEvict(id string, e *entry) {
	if !e.state.CompareAndSwap(statePending, stateGone) {
		return
	}
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Debug("session dropped before claim", "session_id", id)
}

// Create validates req, checks its quota and registers a new session.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := r.checkCreate(req); err != nil {
		status := "invalid"
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			status = "quota_exceeded"
		case errors.Is(err, ErrPlacementRequired):
			status = "placement_required"
		}
		r.metrics.RecordSessionCreated(ctx, status)
		return nil, err
	}

	mode := req.AccountingMode
	if mode == "" {
		mode = r.defaultMode
	}
	now := r.now()
	e := &entry{sess: Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Plan:           req.Plan,
		Usage:          req.Usage,
		Limits:         req.Limits,
		Preferences:    req.Preferences,
		PlacementLevel: req.PlacementLevel,
		AccountingMode: mode,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
	}}

	r.mu.Lock()
	r.pending.Add(e.sess.ID, e)
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	r.metrics.RecordSessionCreated(ctx, "ok")
	observe.Logger(ctx).Info("session created",
		"session_id", e.sess.ID,
		"user_id", req.UserID,
		"plan", req.Plan,
		"accounting_mode", mode,
	)
	s := e.sess
	return &s, nil
}

func (r *Registry) checkCreate(req CreateRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.AccountingMode != "" && !req.AccountingMode.IsValid() {
		return fmt.Errorf("%w: unknown accounting_mode %q", ErrInvalidRequest, req.AccountingMode)
	}
	if req.Usage.DailyMinutes < 0 || req.Usage.MonthlyMinutes < 0 {
		return fmt.Errorf("%w: usage must not be negative", ErrInvalidRequest)
	}
	if req.PlacementRequired && req.PlacementLevel == "" {
		return ErrPlacementRequired
	}
	if scope, over := req.Limits.Exceeded(req.Usage); over {
		return fmt.Errorf("%w: %s limit reached", ErrQuotaExceeded, scope)
	}
	return nil
}

// lookup finds id in either set. r.mu must be held.
func (r *Registry) lookup(id string) (*entry, bool) {
	if e, ok := r.claimed[id]; ok {
		return e, true
	}
	e, ok := r.pending.Peek(id)
	if !ok || e.state.Load() != statePending {
		return nil, false
	}
	return e, true
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s, owner := e.sess, e.owner
	r.mu.Unlock()

	if owner != nil {
		if u, ok := owner.Usage(); ok {
			s.Usage = u
		}
	}
	return &s, nil
}

// Claim hands exclusive ownership of the session to owner, which may be nil.
// The session no longer expires while claimed.
func (r *Registry) Claim(id string, owner Owner) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[id]; ok {
		return nil, ErrSessionClaimed
	}
	e, ok := r.pending.Peek(id)
	if !ok || !e.state.CompareAndSwap(statePending, stateClaimed) {
		return nil, ErrSessionNotFound
	}
	r.pending.Remove(id)
	e.owner = owner
	e.sess.Claimed = true
	r.claimed[id] = e
	s := e.sess
	return &s, nil
}

// Release removes a claimed session once its connection has ended. Unknown
// ids are ignored.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	e, ok := r.claimed[id]
	if ok {
		delete(r.claimed, id)
		e.state.Store(stateGone)
	}
	r.mu.Unlock()
	if ok {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Delete removes the session with the given id. A claimed session's owner is
// closed. Deleting an unknown id is not an error.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	e, claimed := r.claimed[id]
	if claimed {
		delete(r.claimed, id)
		e.state.Store(stateGone)
	} else {
		r.pending.Remove(id)
	}
	r.mu.Unlock()

	if !claimed {
		return
	}
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	if e.owner != nil {
		e.owner.Close("session deleted")
	}
}

// SetLimits replaces the session's limits and forwards them to the owning
// connection, if any.
func (r *Registry) SetLimits(id string, l usage.Limits) (*Session, error) {
	r.mu.Lock()
	e, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	e.sess.Limits = l
	s, owner := e.sess, e.owner
	r.mu.Unlock()

	if owner != nil {
		owner.UpdateLimits(l)
		if u, ok := owner.Usage(); ok {
			s.Usage = u
		}
	}
	return &s, nil
}

// Len returns the number of sessions held, claimed or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Len() + len(r.claimed)
}

// Purge drops every unclaimed session. Claimed sessions stay until their
// connections release them.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Purge()
}
