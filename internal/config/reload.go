package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeFunc is invoked by a [Reloader] after a valid configuration with
// different content has been loaded. d is Diff(old, new).
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Reloader keeps the current configuration in sync with a file on disk.
// [Reloader.Run] polls the file and reloads on demand; [Reloader.Reload]
// performs a single check. An edit that fails to parse or validate is
// reported and the previous configuration stays current.
type Reloader struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	current atomic.Pointer[Config]

	// mu serialises reloads and guards digest.
	mu     sync.Mutex
	digest [sha256.Size]byte
}

// ReloaderOption configures a [Reloader].
type ReloaderOption func(*Reloader)

// WithPollInterval sets how often [Reloader.Run] checks the file. Default: 5s.
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadLogger sets the logger used for reload reports.
func WithReloadLogger(l *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		if l != nil {
			r.log = l
		}
	}
}

// NewReloader loads path once and returns a Reloader holding the result.
// onChange may be nil. Nothing is polled until [Reloader.Run] is called.
func NewReloader(path string, onChange ChangeFunc, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: initial load %q: %w", path, err)
	}
	r.current.Store(cfg)
	r.digest = sha256.Sum256(raw)
	return r, nil
}

// Current returns the most recently loaded valid configuration.
func (r *Reloader) Current() *Config { return r.current.Load() }

// Reload reads the file and swaps in its configuration when the content
// differs from the last load. It reports whether a swap happened. On error the
// current configuration is unchanged.
func (r *Reloader) Reload() (bool, error) {
	r.mu.Lock()
	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("config: reload %q: %w", r.path, err)
	}
	sum := sha256.Sum256(raw)
	if sum == r.digest {
		r.mu.Unlock()
		return false, nil
	}
	next, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("config: reload %q: %w", r.path, err)
	}
	r.digest = sum
	prev := r.current.Swap(next)
	r.mu.Unlock()

	d := Diff(prev, next)
	r.log.Info("configuration reloaded",
		"path", r.path,
		"relay_changed", d.RelayChanged,
		"scenarios_changed", d.ScenariosChanged,
		"log_level_changed", d.LogLevelChanged,
	)
	if len(d.RestartRequired) > 0 {
		r.log.Warn("some changes need a restart to apply", "sections", d.RestartRequired)
	}
	if r.onChange != nil {
		r.onChange(prev, next, d)
	}
	return true, nil
}

// Run polls the file until ctx is cancelled. A value on trigger forces an
// immediate check; pass a channel fed by signal.Notify to reload on SIGHUP,
// or nil to poll only. Run always returns ctx.Err().
func (r *Reloader) Run(ctx context.Context, trigger <-chan os.Signal) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case sig := <-trigger:
			r.log.Info("reload requested", "signal", sig)
		}
		if _, err := r.Reload(); err != nil {
			r.log.Warn("keeping previous configuration", "err", err)
		}
	}
}
