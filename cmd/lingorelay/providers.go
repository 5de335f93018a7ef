package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/lingorelay/internal/config"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/internal/usage/postgres"
	"github.com/MrWong99/lingorelay/internal/usage/redis"
	"github.com/MrWong99/lingorelay/internal/usage/sqlite"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/lingorelay/pkg/provider/s2s/openai"
)

// storeOpenTimeout bounds connecting to a network usage store at startup.
const storeOpenTimeout = 10 * time.Second

// registerBuiltins wires the built-in upstream providers and usage stores
// into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Upstream ──────────────────────────────────────────────────────────────

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "event_buffer"); n > 0 {
			opts = append(opts, oais2s.WithEventBuffer(n))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "sample_rate"); n > 0 {
			opts = append(opts, gemini.WithSampleRate(n))
		}
		if n := optInt(entry.Options, "event_buffer"); n > 0 {
			opts = append(opts, gemini.WithEventBuffer(n))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// ── Usage stores ──────────────────────────────────────────────────────────

	reg.RegisterUsageStore(config.UsageStoreMemory, func(config.UsageConfig) (usage.Store, error) {
		return usage.NewMemStore(), nil
	})

	reg.RegisterUsageStore(config.UsageStorePostgres, func(cfg config.UsageConfig) (usage.Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
		defer cancel()
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	})

	reg.RegisterUsageStore(config.UsageStoreRedis, func(cfg config.UsageConfig) (usage.Store, error) {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
		defer cancel()
		store, err := redis.Open(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	})

	reg.RegisterUsageStore(config.UsageStoreSQLite, func(cfg config.UsageConfig) (usage.Store, error) {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered factory", "kind", kind, "name", name)
		}
	}
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int; anything else yields 0.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
