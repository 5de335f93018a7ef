// Package usage meters speech time against per-session minute quotas.
//
// A [Meter] lives inside one relay connection and holds the authoritative
// in-memory counters for that connection's session. Every increment the
// meter produces is handed to a [Recorder], which persists it to a [Store]
// on background workers so the real-time audio path never waits on storage.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects how a [Meter] turns speech time into billed minutes.
type Mode string

const (
	// ModeTicker bills one tick per tick interval while audio is active and
	// the fractional remainder when audio stops.
	ModeTicker Mode = "ticker"

	// ModeCommit bills nothing while audio is active and the whole utterance
	// duration when audio stops.
	ModeCommit Mode = "commit"
)

// IsValid reports whether m is a known accounting mode.
func (m Mode) IsValid() bool {
	return m == ModeTicker || m == ModeCommit
}

// Scope names which limit a session ran into.
type Scope string

const (
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
)

// Totals holds minutes used in the current day and month.
type Totals struct {
	DailyMinutes   float64 `json:"daily_minutes"`
	MonthlyMinutes float64 `json:"monthly_minutes"`
}

// Add returns t with minutes added to both totals.
func (t Totals) Add(minutes float64) Totals {
	t.DailyMinutes += minutes
	t.MonthlyMinutes += minutes
	return t
}

// Limits holds the daily and monthly minute allowances of a session.
// A zero or negative value means the period is unlimited.
type Limits struct {
	DailyMinutes   float64 `json:"daily_minutes"`
	MonthlyMinutes float64 `json:"monthly_minutes"`
}

// Exceeded reports whether used has reached or passed either limit. The daily
// limit is checked first.
func (l Limits) Exceeded(used Totals) (Scope, bool) {
	if l.DailyMinutes > 0 && used.DailyMinutes >= l.DailyMinutes {
		return ScopeDaily, true
	}
	if l.MonthlyMinutes > 0 && used.MonthlyMinutes >= l.MonthlyMinutes {
		return ScopeMonthly, true
	}
	return "", false
}

// Report is the meter state after an operation. It is what the connection
// sends to the client as a usage snapshot.
type Report struct {
	Used      Totals
	Limits    Limits
	OverLimit bool
	// Scope is set when OverLimit is true.
	Scope Scope
	// Delta is the number of minutes the operation added.
	Delta float64
}

// Increment is one billed span of speech, as persisted by a [Store].
type Increment struct {
	UserID    string
	SessionID string
	At        time.Time
	Minutes   float64
}

// Store persists usage increments and answers per-user totals.
type Store interface {
	// Increment adds inc.Minutes to the user's totals for the day and month
	// containing inc.At (UTC).
	Increment(ctx context.Context, inc Increment) error

	// Totals returns the user's minutes for the day and month containing at (UTC).
	Totals(ctx context.Context, userID string, at time.Time) (Totals, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// ErrInvalidIncrement is returned by stores for increments without a user or
// with a non-positive amount.
var ErrInvalidIncrement = errors.New("usage: invalid increment")

// ValidateIncrement checks the fields every store requires.
func ValidateIncrement(inc Increment) error {
	if inc.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidIncrement)
	}
	if inc.Minutes <= 0 {
		return fmt.Errorf("%w: minutes %.6f must be positive", ErrInvalidIncrement, inc.Minutes)
	}
	return nil
}

// DayKey returns the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// MonthKey returns the UTC calendar month of t as YYYY-MM.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }
