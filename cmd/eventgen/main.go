// Package main implements the eventgen binary: generate synthetic
// job-matching events and deliver them with a bulk load or a streaming
// insert.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jobmatch/eventgen/internal/app"
	"github.com/jobmatch/eventgen/internal/config"
	"github.com/jobmatch/eventgen/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

// cliFlags are the global flags. They override environment and file.
type cliFlags struct {
	configFile  string
	dataDir     string
	table       string
	driver      string
	dsn         string
	users       int
	workers     int
	seed        int64
	verify      bool
	compression string
	rowPolicy   string
	metricsFile string
	logLevel    string
	logFormat   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	root := &cobra.Command{
		Use:           "eventgen",
		Short:         "Synthetic job-matching analytics event producer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Base directory for local files")
	pf.StringVar(&flags.table, "table", "", "Destination table as project.dataset.table")
	pf.StringVar(&flags.driver, "driver", "", "Warehouse driver: sqlite3, postgres")
	pf.StringVar(&flags.dsn, "dsn", "", "Warehouse data source name")
	pf.IntVar(&flags.users, "users", 0, "Number of simulated users")
	pf.IntVar(&flags.workers, "workers", 0, "Users generated concurrently")
	pf.Int64Var(&flags.seed, "seed", 0, "Random seed (0 picks one)")
	pf.BoolVar(&flags.verify, "verify", false, "Check every generated record before ingesting")
	pf.StringVar(&flags.compression, "compression", "", "Record file compression: none, snappy")
	pf.StringVar(&flags.rowPolicy, "row-policy", "", "Row failure policy: fail_on_any, tolerate:<fraction>")
	pf.StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file at exit")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text, json")

	root.AddCommand(
		newLoadCmd(flags),
		newInsertCmd(flags),
		newValidateCmd(flags),
		newInitEmulatorCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(cmd *cobra.Command, flags *cliFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if flags.configFile != "" {
		cfg, err = config.LoadFromFile(flags.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	// Apply command line flags (highest priority)
	changed := cmd.Flags().Changed
	if changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if changed("table") {
		cfg.Destination.Table = flags.table
	}
	if changed("driver") {
		cfg.Warehouse.Driver = flags.driver
	}
	if changed("dsn") {
		cfg.Warehouse.DSN = flags.dsn
	}
	if changed("users") {
		cfg.Generate.Users = flags.users
	}
	if changed("workers") {
		cfg.Generate.Workers = flags.workers
	}
	if changed("seed") {
		cfg.Generate.Seed = flags.seed
	}
	if changed("verify") {
		cfg.Generate.Verify = flags.verify
	}
	if changed("compression") {
		cfg.Ingest.Compression = flags.compression
	}
	if changed("row-policy") {
		cfg.Ingest.RowPolicy = flags.rowPolicy
	}
	if changed("metrics-file") {
		cfg.Metrics.File = flags.metricsFile
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}

	return cfg, nil
}

// openApp builds and opens the application for one command.
func openApp(cmd *cobra.Command, flags *cliFlags) (*app.App, error) {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log)

	a, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	printBanner(logger, cmd.Name(), a)

	if err := a.Open(cmd.Context()); err != nil {
		return nil, err
	}
	return a, nil
}

// closeApp writes metrics and releases the application.
func closeApp(a *app.App) {
	if err := a.WriteMetrics(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close: %v\n", err)
	}
}

// printBanner prints the startup banner with configuration summary.
func printBanner(logger *logrus.Logger, command string, a *app.App) {
	cfg := a.Config()
	logger.Printf("EVENTGEN %s: synthetic job-matching events", version)
	logger.Printf("Configuration:")
	logger.Printf("  Command:   %s", command)
	logger.Printf("  Table:     %s", a.Table())
	logger.Printf("  Warehouse: %s", cfg.Warehouse.Driver)
	logger.Printf("  Staging:   %s", cfg.Storage.Type)
	logger.Printf("  Users:     %d (%d..%d events each, %d workers)",
		cfg.Generate.Users, cfg.Generate.MinEvents, cfg.Generate.MaxEvents, cfg.Generate.Workers)
}
