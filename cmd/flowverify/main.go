package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"static-flow-verifier/internal/config"
	"static-flow-verifier/internal/model"
	"static-flow-verifier/internal/store"
)

var (
	configFile string
	logLevel   string
	logFile    string
	workers    int
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowverify",
		Short: "Static firewall flow verifier",
		Long: `flowverify normalizes firewall and cloud security policies into flat
permit rules, so flows between networks can be checked without simulating
each vendor's evaluation order.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(setupLogger(logLevel, logFile))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "flowverify.yaml", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")

	rootCmd.AddCommand(newProcessCmd(), newQueryCmd(), newCheckCmd(), newDiffCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// The logger isn't set up yet, so a bad path silently falls back
		// to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configFile, "error", err)
		return nil, err
	}
	return cfg, nil
}

// newStore routes s3:// locations to the configured object store.
func newStore(cfg *config.Config) (store.Store, error) {
	mux := &store.Mux{Files: &store.FileStore{}}
	if cfg == nil || cfg.ObjectStore.AccessKey == "" {
		return mux, nil
	}
	objects, err := store.NewObjectStore(store.ObjectStoreConfig{
		Endpoint:      cfg.ObjectStore.Endpoint,
		UseSSL:        cfg.ObjectStore.UseSSL,
		AccessKey:     cfg.ObjectStore.AccessKey,
		SecretKey:     cfg.ObjectStore.SecretKey,
		DefaultBucket: cfg.ObjectStore.Bucket,
	})
	if err != nil {
		return nil, err
	}
	mux.Objects = objects
	return mux, nil
}

// loadRules loads a rule set by source name, or by file or s3:// location
// when no source has that name. A missing config file is only an error
// when the name is not a location either.
func loadRules(ctx context.Context, name string) (model.RuleSet, error) {
	cfg, err := config.Load(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	location := name
	if cfg != nil {
		if src, ok := cfg.Sources[name]; ok {
			location = cfg.Path(src.Output)
		}
	}
	rs, err := st.Load(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("load rules for %q: %w", name, err)
	}
	slog.Debug("Loaded rules", "source", name, "location", location, "applications", len(rs), "rules", rs.Len())
	return rs, nil
}
