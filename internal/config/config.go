// Package config provides the configuration schema, loader, and factory registry
// for the lingorelay voice session relay.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used for process logs.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// AccountingMode selects how a session's speech time is billed.
type AccountingMode string

const (
	// AccountingTicker bills one tick per second of active speech while it is
	// happening, and finalises the fractional remainder on stop.
	AccountingTicker AccountingMode = "ticker"

	// AccountingCommit bills the whole utterance duration when it is committed.
	AccountingCommit AccountingMode = "commit"
)

// IsValid reports whether m is a recognised accounting mode.
func (m AccountingMode) IsValid() bool {
	return m == AccountingTicker || m == AccountingCommit
}

// Config is the root configuration structure for lingorelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Upstream ProviderEntry `yaml:"upstream"`

	// UpstreamFallbacks are tried in order when the primary upstream cannot
	// be dialled or its circuit breaker is open.
	UpstreamFallbacks []ProviderEntry `yaml:"upstream_fallbacks"`

	Relay     RelayConfig       `yaml:"relay"`
	Usage     UsageConfig       `yaml:"usage"`
	Sessions  SessionsConfig    `yaml:"sessions"`
	Scenarios map[string]string `yaml:"scenarios"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output. Default: text.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// APIToken, when set, is required as a Bearer token on the session
	// management endpoints. The WebSocket endpoint is authorised by the
	// session id alone.
	APIToken string `yaml:"api_token"`

	// AllowedOrigins lists host patterns accepted on WebSocket upgrade.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainGrace is how long live connections may finish on their own after
	// the shutdown warning before they are closed. Default: 5s.
	DrainGrace time.Duration `yaml:"drain_grace"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the configuration block for the upstream speech service.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// RelayConfig tunes per-connection turn-taking, completion checking, and
// audio handling. Changes are hot-reloaded and apply to new connections.
type RelayConfig struct {
	// SpeechThreshold is the normalised RMS energy at which client audio
	// counts as speech. Default: 0.02.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the energy below which audio counts as silence.
	// Must not exceed SpeechThreshold. Default: 0.01.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// BargeInThreshold is the stricter energy level required to interrupt the
	// assistant. Default: 0.06.
	BargeInThreshold float64 `yaml:"barge_in_threshold"`

	// BargeIn enables interrupting assistant audio with user speech.
	BargeIn bool `yaml:"barge_in"`

	// BargeInFloor is the accumulated above-threshold time that confirms a
	// barge-in. Default: 250ms.
	BargeInFloor time.Duration `yaml:"barge_in_floor"`

	// BargeInWindow bounds how long a pending barge-in may take to confirm.
	// Default: 700ms.
	BargeInWindow time.Duration `yaml:"barge_in_window"`

	// SilenceHang is the continuous silence that ends a user utterance.
	// Default: 1.4s.
	SilenceHang time.Duration `yaml:"silence_hang"`

	// MinSpeech is the minimum utterance length eligible for auto-commit.
	// Default: 300ms.
	MinSpeech time.Duration `yaml:"min_speech"`

	// MinCommitBytes is the smallest input buffer that is committed rather
	// than cleared. Default: 100ms of upstream audio.
	MinCommitBytes int `yaml:"min_commit_bytes"`

	// ServerVAD delegates turn detection and response creation to the
	// upstream. When false the relay commits and requests responses itself.
	ServerVAD bool `yaml:"server_vad"`

	// ResponseDelay postpones response.create after a commit. Default: 0.
	ResponseDelay time.Duration `yaml:"response_delay"`

	// FlushGrace is how long to wait for an explicit end-of-audio signal
	// before releasing the turn. Default: 600ms.
	FlushGrace time.Duration `yaml:"flush_grace"`

	// ContinuationGrace replaces FlushGrace while a continuation is pending.
	// Default: 3s.
	ContinuationGrace time.Duration `yaml:"continuation_grace"`

	// ClientSampleRate is the sample rate of client PCM16 audio.
	// Default: 24000.
	ClientSampleRate int `yaml:"client_sample_rate"`

	// UpstreamSampleRate is the sample rate the upstream expects.
	// Default: 24000.
	UpstreamSampleRate int `yaml:"upstream_sample_rate"`

	// TranscriptionModel enables user-speech transcripts when non-empty.
	TranscriptionModel string `yaml:"transcription_model"`

	// OutboundQueue is the per-connection client send queue depth.
	// Default: 256.
	OutboundQueue int `yaml:"outbound_queue"`

	// PingInterval is the client keepalive interval. Default: 20s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// Completion tunes the end-of-utterance completeness check.
	Completion CompletionConfig `yaml:"completion"`
}

// CompletionConfig tunes the heuristic that decides whether an assistant
// utterance ended at a natural stopping point.
type CompletionConfig struct {
	// Disabled turns the check off; every transcript counts as complete.
	Disabled bool `yaml:"disabled"`

	// ShortWords is the word count below which question-like utterances are
	// exempt from the terminal punctuation rule. Default: 6.
	ShortWords int `yaml:"short_words"`

	// MaxContinuations caps continuation requests per assistant turn.
	// Default: 1. A negative value disables continuations.
	MaxContinuations int `yaml:"max_continuations"`

	// Connectors adds dangling connector words to the built-in list.
	Connectors []string `yaml:"connectors"`

	// Prompt is the instruction sent with a continuation request.
	Prompt string `yaml:"prompt"`
}

// UsageStore selects the durable usage backend.
type UsageStore string

const (
	UsageStoreMemory   UsageStore = "memory"
	UsageStorePostgres UsageStore = "postgres"
	UsageStoreRedis    UsageStore = "redis"
	UsageStoreSQLite   UsageStore = "sqlite"
)

// IsValid reports whether s is a recognised usage store.
func (s UsageStore) IsValid() bool {
	switch s {
	case UsageStoreMemory, UsageStorePostgres, UsageStoreRedis, UsageStoreSQLite:
		return true
	}
	return false
}

// UsageConfig holds settings for usage metering and persistence.
type UsageConfig struct {
	// Store selects the durable backend. Default: memory.
	Store UsageStore `yaml:"store"`

	// PostgresDSN is the PostgreSQL connection string for the postgres store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is the host:port of the redis store.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates against redis.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the redis logical database.
	RedisDB int `yaml:"redis_db"`

	// SQLitePath is the database file of the sqlite store.
	SQLitePath string `yaml:"sqlite_path"`

	// DefaultMode is the accounting mode for sessions that do not pick one.
	// Default: ticker.
	DefaultMode AccountingMode `yaml:"default_mode"`

	// TickInterval is the usage tick period. Default: 1s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Workers is the number of asynchronous persistence workers. Default: 2.
	Workers int `yaml:"workers"`

	// QueueSize bounds pending persistence writes. Default: 1024.
	QueueSize int `yaml:"queue_size"`

	// WriteTimeout bounds a single persistence write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SessionsConfig tunes the in-memory session registry.
type SessionsConfig struct {
	// TTL is how long an unclaimed session stays valid. Default: 10m.
	TTL time.Duration `yaml:"ttl"`

	// Capacity bounds the number of unclaimed sessions. Default: 10000.
	Capacity int `yaml:"capacity"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "lingorelay".
	ServiceName string `yaml:"service_name"`

	// DisableMetrics removes the /metrics endpoint.
	DisableMetrics bool `yaml:"disable_metrics"`

	// TraceSampleRatio is the fraction of new traces that are sampled, in
	// (0, 1]. Requests carrying a sampled parent are always sampled.
	// Default: 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
// It is called by [LoadFromReader] before validation.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogFormatText
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.DrainGrace <= 0 {
		c.Server.DrainGrace = 5 * time.Second
	}
	if c.Upstream.Name == "" {
		c.Upstream.Name = "openai-realtime"
	}

	r := &c.Relay
	if r.SpeechThreshold == 0 {
		r.SpeechThreshold = 0.02
	}
	if r.SilenceThreshold == 0 {
		r.SilenceThreshold = 0.01
	}
	if r.BargeInThreshold == 0 {
		r.BargeInThreshold = 0.06
	}
	if r.BargeInFloor <= 0 {
		r.BargeInFloor = 250 * time.Millisecond
	}
	if r.BargeInWindow <= 0 {
		r.BargeInWindow = 700 * time.Millisecond
	}
	if r.SilenceHang <= 0 {
		r.SilenceHang = 1400 * time.Millisecond
	}
	if r.MinSpeech <= 0 {
		r.MinSpeech = 300 * time.Millisecond
	}
	if r.UpstreamSampleRate <= 0 {
		r.UpstreamSampleRate = 24000
	}
	if r.ClientSampleRate <= 0 {
		r.ClientSampleRate = r.UpstreamSampleRate
	}
	if r.MinCommitBytes <= 0 {
		// 100ms of PCM16 mono at the upstream rate.
		r.MinCommitBytes = r.UpstreamSampleRate * 2 / 10
	}
	if r.FlushGrace <= 0 {
		r.FlushGrace = 600 * time.Millisecond
	}
	if r.ContinuationGrace <= 0 {
		r.ContinuationGrace = 3 * time.Second
	}
	if r.OutboundQueue <= 0 {
		r.OutboundQueue = 256
	}
	if r.PingInterval <= 0 {
		r.PingInterval = 20 * time.Second
	}
	if r.Completion.ShortWords <= 0 {
		r.Completion.ShortWords = 6
	}
	if r.Completion.MaxContinuations < 0 {
		r.Completion.MaxContinuations = 0
	} else if r.Completion.MaxContinuations == 0 {
		r.Completion.MaxContinuations = 1
	}
	if r.Completion.Prompt == "" {
		r.Completion.Prompt = "Finish the sentence you were saying. Do not restart or repeat what you already said."
	}

	u := &c.Usage
	if u.Store == "" {
		u.Store = UsageStoreMemory
	}
	if u.DefaultMode == "" {
		u.DefaultMode = AccountingTicker
	}
	if u.TickInterval <= 0 {
		u.TickInterval = time.Second
	}
	if u.Workers <= 0 {
		u.Workers = 2
	}
	if u.QueueSize <= 0 {
		u.QueueSize = 1024
	}
	if u.WriteTimeout <= 0 {
		u.WriteTimeout = 5 * time.Second
	}
	if u.SQLitePath == "" {
		u.SQLitePath = "lingorelay-usage.db"
	}

	if c.Sessions.TTL <= 0 {
		c.Sessions.TTL = 10 * time.Minute
	}
	if c.Sessions.Capacity <= 0 {
		c.Sessions.Capacity = 10000
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "lingorelay"
	}
	if c.Telemetry.TraceSampleRatio == 0 {
		c.Telemetry.TraceSampleRatio = 1
	}
}
