package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s/mock"
)

var errRefused = errors.New("dial tcp: connection refused")

func newTestUpstreams(cfg CircuitBreakerConfig, providers ...*mock.Provider) *Upstreams {
	u := NewUpstreams(cfg, nil)
	for i, p := range providers {
		u.Add([]string{"primary", "secondary", "tertiary"}[i], p)
	}
	return u
}

// ── TestUpstreams_Connect ──

func TestUpstreams_Connect(t *testing.T) {
	t.Parallel()

	sessA, sessB := mock.NewSession(), mock.NewSession()

	tests := []struct {
		name      string
		providers []*mock.Provider
		want      s2s.SessionHandle
		wantErr   []error
		wantDials []int
	}{
		{
			name: "primary healthy",
			providers: []*mock.Provider{
				{Session: sessA},
				{Session: sessB},
			},
			want:      sessA,
			wantDials: []int{1, 0},
		},
		{
			name: "fails over to secondary",
			providers: []*mock.Provider{
				{ConnectErr: errRefused},
				{Session: sessB},
			},
			want:      sessB,
			wantDials: []int{1, 1},
		},
		{
			name: "all fail keeps last cause",
			providers: []*mock.Provider{
				{ConnectErr: errRefused},
				{ConnectErr: s2s.ErrMissingCredentials},
			},
			wantErr:   []error{ErrAllFailed, s2s.ErrMissingCredentials},
			wantDials: []int{1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u := newTestUpstreams(CircuitBreakerConfig{}, tt.providers...)

			h, err := u.Connect(context.Background(), s2s.SessionConfig{Voice: "alloy"})
			for _, want := range tt.wantErr {
				if !errors.Is(err, want) {
					t.Errorf("err = %v, want %v in chain", err, want)
				}
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h != tt.want {
				t.Errorf("handle = %v, want %v", h, tt.want)
			}
			for i, p := range tt.providers {
				if got := p.ConnectCount(); got != tt.wantDials[i] {
					t.Errorf("upstream %d dialled %d times, want %d", i, got, tt.wantDials[i])
				}
			}
		})
	}
}

func TestUpstreams_Connect_PassesSessionConfig(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	u := newTestUpstreams(CircuitBreakerConfig{}, p)

	if _, err := u.Connect(context.Background(), s2s.SessionConfig{Voice: "verse", Instructions: "be brief"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	got := p.ConnectCalls[0].Cfg
	if got.Voice != "verse" || got.Instructions != "be brief" {
		t.Errorf("upstream saw %+v", got)
	}
}

func TestUpstreams_Connect_Empty(t *testing.T) {
	t.Parallel()
	u := NewUpstreams(CircuitBreakerConfig{}, nil)
	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, ErrNoUpstreams) {
		t.Fatalf("err = %v, want ErrNoUpstreams", err)
	}
	if err := u.Check(context.Background()); !errors.Is(err, ErrNoUpstreams) {
		t.Fatalf("Check = %v, want ErrNoUpstreams", err)
	}
}

func TestUpstreams_Connect_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ConnectErr: context.Canceled}
	secondary := &mock.Provider{}
	u := newTestUpstreams(CircuitBreakerConfig{}, primary, secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := u.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.ConnectCount() != 0 {
		t.Error("secondary dialled after the caller gave up")
	}
	if st := u.Status()[0].State; st != StateClosed {
		t.Errorf("primary breaker = %s, cancellation must not count as a failure", st)
	}
}

// ── TestUpstreams_Breaker ──

func TestUpstreams_Breaker_SkipsOpenUpstream(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ConnectErr: errRefused}
	secondary := &mock.Provider{}
	u := newTestUpstreams(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, primary, secondary)

	for range 2 {
		if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if primary.ConnectCount() != 2 {
		t.Fatalf("primary dialled %d times before opening, want 2", primary.ConnectCount())
	}

	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if primary.ConnectCount() != 2 {
		t.Errorf("primary dialled with an open breaker")
	}
	if secondary.ConnectCount() != 3 {
		t.Errorf("secondary dialled %d times, want 3", secondary.ConnectCount())
	}

	st := u.Status()
	if st[0].Name != "primary" || st[0].State != StateOpen || st[0].ConsecutiveFailures != 2 {
		t.Errorf("primary status = %+v, want open after 2 failures", st[0])
	}
	if st[0].LastFailure == nil {
		t.Error("primary status has no last failure")
	}
	if st[1].State != StateClosed || st[1].LastFailure != nil {
		t.Errorf("secondary status = %+v, want closed without failures", st[1])
	}
}

func TestUpstreams_Status_JSON(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	u := newTestUpstreams(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Hour,
		Now:          func() time.Time { return now },
	}, &mock.Provider{ConnectErr: errRefused}, &mock.Provider{})
	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got, err := json.Marshal(u.Status())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"name":"primary","state":"open","consecutive_failures":1,"last_failure":"2026-03-01T11:00:00Z"},` +
		`{"name":"secondary","state":"closed","consecutive_failures":0}]`
	if string(got) != want {
		t.Errorf("status JSON =\n%s\nwant\n%s", got, want)
	}
}

func TestUpstreams_Breaker_RecoversAfterResetTimeout(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	primary := &mock.Provider{ConnectErr: errRefused}
	u := newTestUpstreams(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
		Now:          func() time.Time { return now },
	}, primary)

	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, errRefused) {
		t.Fatalf("first Connect = %v, want errRefused", err)
	}
	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second Connect = %v, want ErrCircuitOpen", err)
	}
	if err := u.Check(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Check with open breaker = %v, want ErrAllFailed", err)
	}

	now = now.Add(time.Minute)
	if err := u.Check(context.Background()); err != nil {
		t.Fatalf("Check after reset timeout = %v, want nil", err)
	}
	primary.ConnectErr = nil
	if _, err := u.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Fatalf("probe Connect: %v", err)
	}
	if st := u.Status()[0].State; st != StateClosed {
		t.Errorf("state after successful probe = %s, want closed", st)
	}
}

func TestUpstreams_Breaker_IgnoresNonFailures(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{ConnectErr: s2s.ErrMissingCredentials}
	u := newTestUpstreams(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure: func(err error) bool {
			return !errors.Is(err, s2s.ErrMissingCredentials)
		},
	}, primary)

	for range 3 {
		_, _ = u.Connect(context.Background(), s2s.SessionConfig{})
	}
	if primary.ConnectCount() != 3 {
		t.Errorf("primary dialled %d times, want 3", primary.ConnectCount())
	}
	if err := u.Check(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}
