package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MrWong99/lingorelay/internal/config"
)

var validatePing bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the lingorelay configuration file for syntax and semantic errors.
With --ping the configured usage store is opened and pinged as well.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validatePing, "ping", false, "open and ping the configured usage store")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	if err := config.LoadEnv(envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = red.Fprintf(os.Stderr, "✗ configuration is invalid: %s\n", configPath)
		for _, e := range unwrapJoined(err) {
			_, _ = red.Fprintf(os.Stderr, "   - %v\n", e)
		}
		return errors.New("validation failed")
	}

	reg := config.NewRegistry()
	registerBuiltins(reg)
	known := reg.Names()

	var problems []string
	for _, entry := range append([]config.ProviderEntry{cfg.Upstream}, cfg.UpstreamFallbacks...) {
		if !slices.Contains(known["s2s"], entry.Name) {
			problems = append(problems, fmt.Sprintf("upstream %q is not a built-in provider (known: %v)", entry.Name, known["s2s"]))
		}
		if entry.APIKey == "" {
			problems = append(problems, fmt.Sprintf("upstream %q has no api_key; connections will be refused with 4010", entry.Name))
		}
	}

	_, _ = green.Fprintf(os.Stdout, "✓ configuration is valid: %s\n", configPath)
	for _, p := range problems {
		_, _ = yellow.Fprintf(os.Stdout, "  ! %s\n", p)
	}

	if validatePing {
		store, err := reg.CreateUsageStore(cfg.Usage)
		if err != nil {
			_, _ = red.Fprintf(os.Stderr, "✗ usage store %q: %v\n", cfg.Usage.Store, err)
			return errors.New("usage store unavailable")
		}
		defer store.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_, _ = red.Fprintf(os.Stderr, "✗ usage store %q ping failed: %v\n", cfg.Usage.Store, err)
			return errors.New("usage store unavailable")
		}
		_, _ = green.Fprintf(os.Stdout, "✓ usage store %q is reachable\n", cfg.Usage.Store)
	}
	return nil
}

// unwrapJoined splits an errors.Join result, possibly wrapped, into its
// parts. Any other error is returned as is.
func unwrapJoined(err error) []error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if j, ok := e.(interface{ Unwrap() []error }); ok {
			return j.Unwrap()
		}
	}
	return []error{err}
}
