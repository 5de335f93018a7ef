// Package redis implements [usage.Store] on Redis via go-redis.
//
// Totals are plain float counters, one per user and period:
//
//	lingorelay:usage:daily:<user>:<YYYY-MM-DD>
//	lingorelay:usage:monthly:<user>:<YYYY-MM>
//
// Daily keys expire after 48h and monthly keys after 35 days, so the keyspace
// stays bounded without a cleanup job.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/lingorelay/internal/usage"
)

const (
	keyPrefix  = "lingorelay:usage"
	dailyTTL   = 48 * time.Hour
	monthlyTTL = 35 * 24 * time.Hour
)

// Options configures the client created by [Open].
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a [usage.Store] backed by Redis.
type Store struct {
	client redis.UniversalClient
	owned  bool
}

// Compile-time interface check.
var _ usage.Store = (*Store)(nil)

// NewStore wraps an existing client. The caller keeps ownership of it;
// [Store.Close] does not close it.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open creates a client for opts and verifies connectivity.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("usage store: redis ping %s: %w", opts.Addr, err)
	}
	return &Store{client: client, owned: true}, nil
}

func dailyKey(userID string, at time.Time) string {
	return fmt.Sprintf("%s:daily:%s:%s", keyPrefix, userID, usage.DayKey(at))
}

func monthlyKey(userID string, at time.Time) string {
	return fmt.Sprintf("%s:monthly:%s:%s", keyPrefix, userID, usage.MonthKey(at))
}

// Increment implements [usage.Store]. Both counters and their expiry are
// updated in one MULTI/EXEC transaction.
func (s *Store) Increment(ctx context.Context, inc usage.Increment) error {
	if err := usage.ValidateIncrement(inc); err != nil {
		return err
	}
	dk, mk := dailyKey(inc.UserID, inc.At), monthlyKey(inc.UserID, inc.At)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrByFloat(ctx, dk, inc.Minutes)
		pipe.Expire(ctx, dk, dailyTTL)
		pipe.IncrByFloat(ctx, mk, inc.Minutes)
		pipe.Expire(ctx, mk, monthlyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("usage store: increment %q: %w", inc.UserID, err)
	}
	return nil
}

// Totals implements [usage.Store]. Missing keys count as zero.
func (s *Store) Totals(ctx context.Context, userID string, at time.Time) (usage.Totals, error) {
	vals, err := s.client.MGet(ctx, dailyKey(userID, at), monthlyKey(userID, at)).Result()
	if err != nil {
		return usage.Totals{}, fmt.Errorf("usage store: totals %q: %w", userID, err)
	}
	daily, errD := parseFloat(vals[0])
	monthly, errM := parseFloat(vals[1])
	if err := errors.Join(errD, errM); err != nil {
		return usage.Totals{}, fmt.Errorf("usage store: totals %q: %w", userID, err)
	}
	return usage.Totals{DailyMinutes: daily, MonthlyMinutes: monthly}, nil
}

func parseFloat(v any) (float64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseFloat(s, 64)
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

// Ping implements [usage.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements [usage.Store]. It closes the client created by [Open].
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
