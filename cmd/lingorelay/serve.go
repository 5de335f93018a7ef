package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrWong99/lingorelay/internal/app"
	"github.com/MrWong99/lingorelay/internal/config"
	"github.com/MrWong99/lingorelay/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the HTTP server: session management API, realtime WebSocket relay,
health probes and Prometheus metrics. The config file is polled, and SIGHUP
forces an immediate reload. Relay tuning changes apply to new connections
without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, &level))

	slog.Info("lingorelay starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, reg, app.WithMetricsHandler(tel.MetricsHandler()))
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	reloader, err := config.NewReloader(configPath, func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.ApplyConfig(next, d)
	}, config.WithReloadLogger(slog.Default().With("component", "config")))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() { _ = reloader.Run(ctx, hup) }()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping", "timeout", cfg.Server.ShutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Fprintln(w, "lingorelay: startup summary")
	row := func(label, value string, c *color.Color) {
		_, _ = fmt.Fprintf(w, "  %-18s: ", label)
		_, _ = c.Fprintln(w, value)
	}
	row("Listen addr", cfg.Server.ListenAddr, green)
	row("Upstream", providerLabel(cfg.Upstream), green)
	for i, fb := range cfg.UpstreamFallbacks {
		row(fmt.Sprintf("Fallback #%d", i+1), providerLabel(fb), green)
	}
	row("Usage store", string(cfg.Usage.Store), green)
	row("Accounting", string(cfg.Usage.DefaultMode), green)
	turns := "relay-driven"
	if cfg.Relay.ServerVAD {
		turns = "upstream VAD"
	}
	row("Turn detection", turns, green)
	if cfg.Relay.BargeIn {
		row("Barge-in", "enabled", green)
	} else {
		row("Barge-in", "disabled", yellow)
	}
	row("Scenarios", fmt.Sprint(len(cfg.Scenarios)), green)
	if cfg.Server.APIToken == "" {
		row("API token", "(none; API is open)", yellow)
	} else {
		row("API token", "set", green)
	}
	if cfg.Telemetry.DisableMetrics {
		row("Metrics", "disabled", yellow)
	} else {
		row("Metrics", "/metrics", green)
	}
}

func providerLabel(p config.ProviderEntry) string {
	label := p.Name
	if p.Model != "" {
		label += " / " + p.Model
	}
	if p.APIKey == "" {
		label += " (no api key)"
	}
	return label
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
