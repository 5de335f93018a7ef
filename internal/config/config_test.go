package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/lingorelay/internal/config"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: json
  api_token: secret
  allowed_origins: ["app.example.com"]

upstream:
  name: openai-realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview

relay:
  speech_threshold: 0.03
  silence_threshold: 0.015
  barge_in: true
  barge_in_threshold: 0.08
  silence_hang: 1.2s
  client_sample_rate: 16000
  completion:
    short_words: 4
    max_continuations: 2
    connectors: ["und", "aber"]

usage:
  store: redis
  redis_addr: "localhost:6379"
  default_mode: commit

sessions:
  ttl: 5m
  capacity: 100

scenarios:
  cafe: "You are a barista taking a coffee order."
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("log_format: got %q", cfg.Server.LogFormat)
	}
	if cfg.Upstream.Model != "gpt-4o-realtime-preview" {
		t.Errorf("upstream.model: got %q", cfg.Upstream.Model)
	}
	if !cfg.Relay.BargeIn {
		t.Error("relay.barge_in: want true")
	}
	if cfg.Relay.SilenceHang != 1200*time.Millisecond {
		t.Errorf("relay.silence_hang: got %s", cfg.Relay.SilenceHang)
	}
	if cfg.Relay.ClientSampleRate != 16000 || cfg.Relay.UpstreamSampleRate != 24000 {
		t.Errorf("sample rates: got client=%d upstream=%d", cfg.Relay.ClientSampleRate, cfg.Relay.UpstreamSampleRate)
	}
	if cfg.Relay.Completion.MaxContinuations != 2 {
		t.Errorf("completion.max_continuations: got %d", cfg.Relay.Completion.MaxContinuations)
	}
	if len(cfg.Relay.Completion.Connectors) != 2 {
		t.Errorf("completion.connectors: got %v", cfg.Relay.Completion.Connectors)
	}
	if cfg.Usage.Store != config.UsageStoreRedis || cfg.Usage.DefaultMode != config.AccountingCommit {
		t.Errorf("usage: got store=%q mode=%q", cfg.Usage.Store, cfg.Usage.DefaultMode)
	}
	if cfg.Sessions.TTL != 5*time.Minute || cfg.Sessions.Capacity != 100 {
		t.Errorf("sessions: got %+v", cfg.Sessions)
	}
	if cfg.Scenarios["cafe"] == "" {
		t.Error("scenarios.cafe missing")
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":8080"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"upstream.name", cfg.Upstream.Name, "openai-realtime"},
		{"speech_threshold", cfg.Relay.SpeechThreshold, 0.02},
		{"silence_threshold", cfg.Relay.SilenceThreshold, 0.01},
		{"barge_in_threshold", cfg.Relay.BargeInThreshold, 0.06},
		{"barge_in_floor", cfg.Relay.BargeInFloor, 250 * time.Millisecond},
		{"barge_in_window", cfg.Relay.BargeInWindow, 700 * time.Millisecond},
		{"silence_hang", cfg.Relay.SilenceHang, 1400 * time.Millisecond},
		{"min_speech", cfg.Relay.MinSpeech, 300 * time.Millisecond},
		{"min_commit_bytes", cfg.Relay.MinCommitBytes, 4800},
		{"flush_grace", cfg.Relay.FlushGrace, 600 * time.Millisecond},
		{"continuation_grace", cfg.Relay.ContinuationGrace, 3 * time.Second},
		{"short_words", cfg.Relay.Completion.ShortWords, 6},
		{"max_continuations", cfg.Relay.Completion.MaxContinuations, 1},
		{"usage.store", cfg.Usage.Store, config.UsageStoreMemory},
		{"usage.default_mode", cfg.Usage.DefaultMode, config.AccountingTicker},
		{"usage.tick_interval", cfg.Usage.TickInterval, time.Second},
		{"sessions.ttl", cfg.Sessions.TTL, 10 * time.Minute},
		{"telemetry.service_name", cfg.Telemetry.ServiceName, "lingorelay"},
		{"telemetry.trace_sample_ratio", cfg.Telemetry.TraceSampleRatio, 1.0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("relay:\n  silence_hangover: 2s\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: "server.log_level",
		},
		{
			name: "invalid log format",
			yaml: "server:\n  log_format: xml\n",
			want: "server.log_format",
		},
		{
			name: "tls missing key",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: "server.tls",
		},
		{
			name: "silence above speech",
			yaml: "relay:\n  speech_threshold: 0.02\n  silence_threshold: 0.05\n",
			want: "relay.silence_threshold",
		},
		{
			name: "threshold out of range",
			yaml: "relay:\n  speech_threshold: 1.5\n",
			want: "relay.speech_threshold",
		},
		{
			name: "floor exceeds window",
			yaml: "relay:\n  barge_in_floor: 900ms\n  barge_in_window: 700ms\n",
			want: "relay.barge_in_floor",
		},
		{
			name: "sample rate out of range",
			yaml: "relay:\n  client_sample_rate: 96000\n",
			want: "relay.client_sample_rate",
		},
		{
			name: "invalid store",
			yaml: "usage:\n  store: mongo\n",
			want: "usage.store",
		},
		{
			name: "postgres without dsn",
			yaml: "usage:\n  store: postgres\n",
			want: "usage.postgres_dsn",
		},
		{
			name: "redis without addr",
			yaml: "usage:\n  store: redis\n",
			want: "usage.redis_addr",
		},
		{
			name: "invalid accounting mode",
			yaml: "usage:\n  default_mode: hourly\n",
			want: "usage.default_mode",
		},
		{
			name: "sample ratio out of range",
			yaml: "telemetry:\n  trace_sample_ratio: 1.5\n",
			want: "telemetry.trace_sample_ratio",
		},
		{
			name: "empty scenario",
			yaml: "scenarios:\n  cafe: \"\"\n",
			want: "scenarios.cafe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
usage:
  store: mongo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "usage.store"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownUsageStore(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateUsageStore(config.UsageConfig{Store: config.UsageStoreSQLite})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &mock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return want, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "mock", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("returned provider is not the one from the factory")
	}
	if gotEntry.APIKey != "k" {
		t.Errorf("factory entry api_key: got %q", gotEntry.APIKey)
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("connect: %v", err)
	}
}

func TestRegistry_RegisteredUsageStore(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterUsageStore(config.UsageStoreMemory, func(config.UsageConfig) (usage.Store, error) {
		return usage.NewMemStore(), nil
	})
	s, err := reg.CreateUsageStore(config.UsageConfig{Store: config.UsageStoreMemory})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	names := reg.Names()
	if len(names["usage"]) != 1 || names["usage"][0] != "memory" {
		t.Errorf("Names()[usage]: got %v", names["usage"])
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, boom
	})
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}
