// Package session holds the short-lived conversation sessions a relay
// connection claims at upgrade time.
//
// A session is created by the trusted account service with the user's plan,
// limits, usage so far and preferences. It stays in the [Registry] until a
// connection claims it, is explicitly deleted, or expires. Sessions are kept
// in process memory only; a restart invalidates them all.
package session

import (
	"time"

	"github.com/MrWong99/lingorelay/internal/usage"
)

// Preferences are the user's conversation settings.
type Preferences struct {
	TargetLanguage       string `json:"target_language,omitempty"`
	NativeLanguage       string `json:"native_language,omitempty"`
	Voice                string `json:"voice,omitempty"`
	CorrectionStrictness string `json:"correction_strictness,omitempty"`
	// Scenario selects a configured role-play scenario. Empty means free
	// conversation.
	Scenario string `json:"scenario,omitempty"`
}

// PreferencesPatch is a partial preferences update. Nil fields are left
// unchanged; a pointer to "" clears the field.
type PreferencesPatch struct {
	TargetLanguage       *string `json:"target_language,omitempty"`
	NativeLanguage       *string `json:"native_language,omitempty"`
	Voice                *string `json:"voice,omitempty"`
	CorrectionStrictness *string `json:"correction_strictness,omitempty"`
	Scenario             *string `json:"scenario,omitempty"`
}

// Apply returns p with every non-nil field of patch applied.
func (p Preferences) Apply(patch PreferencesPatch) Preferences {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.TargetLanguage, patch.TargetLanguage)
	set(&p.NativeLanguage, patch.NativeLanguage)
	set(&p.Voice, patch.Voice)
	set(&p.CorrectionStrictness, patch.CorrectionStrictness)
	set(&p.Scenario, patch.Scenario)
	return p
}

// Session is a snapshot of one registered conversation session.
type Session struct {
	ID     string `json:"session_id"`
	UserID string `json:"user_id"`
	Plan   string `json:"plan,omitempty"`

	// Usage is the usage so far. For a claimed session it is the owning
	// connection's live counter.
	Usage  usage.Totals `json:"usage"`
	Limits usage.Limits `json:"limits"`

	Preferences    Preferences `json:"preferences"`
	PlacementLevel string      `json:"placement_level,omitempty"`
	AccountingMode usage.Mode  `json:"accounting_mode"`

	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when an unclaimed session is dropped.
	ExpiresAt time.Time `json:"expires_at"`
	Claimed   bool      `json:"claimed"`
}

// Owner is the live connection that claimed a session. The registry calls it
// from request goroutines, so implementations must be safe for concurrent use
// and must not block.
type Owner interface {
	// Usage returns the connection's current usage counters. ok is false
	// until the connection has taken over accounting.
	Usage() (t usage.Totals, ok bool)

	// UpdateLimits hands new limits to the connection.
	UpdateLimits(l usage.Limits)

	// Close ends the connection because the session was deleted.
	Close(reason string)
}
