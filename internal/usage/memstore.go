package usage

import (
	"context"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Totals are lost when the process exits. It is the default for development
// and tests.
type MemStore struct {
	mu      sync.RWMutex
	daily   map[string]float64
	monthly map[string]float64
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		daily:   make(map[string]float64),
		monthly: make(map[string]float64),
	}
}

// Increment implements [Store.Increment].
func (s *MemStore) Increment(_ context.Context, inc Increment) error {
	if err := ValidateIncrement(inc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[inc.UserID+"|"+DayKey(inc.At)] += inc.Minutes
	s.monthly[inc.UserID+"|"+MonthKey(inc.At)] += inc.Minutes
	return nil
}

// Totals implements [Store.Totals].
func (s *MemStore) Totals(_ context.Context, userID string, at time.Time) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Totals{
		DailyMinutes:   s.daily[userID+"|"+DayKey(at)],
		MonthlyMinutes: s.monthly[userID+"|"+MonthKey(at)],
	}, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store.Close]. It is a no-op.
func (s *MemStore) Close() error { return nil }
