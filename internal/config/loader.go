package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known upstream provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai-realtime", "gemini-live"}

// envRef matches ${NAME} references in the raw config text.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Variables that are already set are not overridden. Missing
// files are skipped silently; with no arguments ".env" is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r,
// applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw)

	// Booleans that default to true are preset so an absent key keeps them.
	cfg := &Config{Relay: RelayConfig{BargeIn: true}}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw with the value of the environment
// variable NAME. Unset variables expand to the empty string; a bare $ is left
// untouched.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Defaults must already be applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is empty; session endpoints are unauthenticated")
	}

	// Upstream
	validateProviderName(cfg.Upstream.Name)
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; every realtime connection will be refused")
	}
	for i, fb := range cfg.UpstreamFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("upstream_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
	}

	// Relay
	r := cfg.Relay
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"speech_threshold", r.SpeechThreshold},
		{"silence_threshold", r.SilenceThreshold},
		{"barge_in_threshold", r.BargeInThreshold},
	} {
		if th.v <= 0 || th.v > 1 {
			errs = append(errs, fmt.Errorf("relay.%s %.3f is out of range (0, 1]", th.name, th.v))
		}
	}
	if r.SilenceThreshold > r.SpeechThreshold {
		errs = append(errs, fmt.Errorf("relay.silence_threshold %.3f must not exceed relay.speech_threshold %.3f", r.SilenceThreshold, r.SpeechThreshold))
	}
	if r.BargeIn && r.BargeInThreshold < r.SpeechThreshold {
		slog.Warn("relay.barge_in_threshold is below relay.speech_threshold; echo may trigger interruptions",
			"barge_in_threshold", r.BargeInThreshold,
			"speech_threshold", r.SpeechThreshold,
		)
	}
	if r.BargeInFloor > r.BargeInWindow {
		errs = append(errs, fmt.Errorf("relay.barge_in_floor %s must not exceed relay.barge_in_window %s", r.BargeInFloor, r.BargeInWindow))
	}
	if r.ResponseDelay < 0 {
		errs = append(errs, fmt.Errorf("relay.response_delay %s must not be negative", r.ResponseDelay))
	}
	for _, sr := range []struct {
		name string
		v    int
	}{
		{"client_sample_rate", r.ClientSampleRate},
		{"upstream_sample_rate", r.UpstreamSampleRate},
	} {
		if sr.v < 8000 || sr.v > 48000 {
			errs = append(errs, fmt.Errorf("relay.%s %d is out of range [8000, 48000]", sr.name, sr.v))
		}
	}

	// Usage
	u := cfg.Usage
	if !u.Store.IsValid() {
		errs = append(errs, fmt.Errorf("usage.store %q is invalid; valid values: memory, postgres, redis, sqlite", u.Store))
	}
	if u.Store == UsageStorePostgres && u.PostgresDSN == "" {
		errs = append(errs, errors.New("usage.postgres_dsn is required when usage.store is postgres"))
	}
	if u.Store == UsageStoreRedis && u.RedisAddr == "" {
		errs = append(errs, errors.New("usage.redis_addr is required when usage.store is redis"))
	}
	if u.Store == UsageStoreMemory {
		slog.Warn("usage.store is memory; usage totals are lost on restart")
	}
	if !u.DefaultMode.IsValid() {
		errs = append(errs, fmt.Errorf("usage.default_mode %q is invalid; valid values: ticker, commit", u.DefaultMode))
	}

	// Telemetry
	if sr := cfg.Telemetry.TraceSampleRatio; sr <= 0 || sr > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.3f is out of range (0, 1]", sr))
	}

	// Scenarios
	for id, instr := range cfg.Scenarios {
		if id == "" {
			errs = append(errs, errors.New("scenarios: empty scenario id"))
		}
		if instr == "" {
			errs = append(errs, fmt.Errorf("scenarios.%s: instructions are required", id))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown upstream provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
