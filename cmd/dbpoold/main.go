package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dbpoold/dbpoold/pkg/api"
	"github.com/dbpoold/dbpoold/pkg/config"
	"github.com/dbpoold/dbpoold/pkg/driver"
	"github.com/dbpoold/dbpoold/pkg/manager"
	"github.com/dbpoold/dbpoold/pkg/monitoring"
)

var (
	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

// options holds the global flags.
type options struct {
	configFile   string
	logLevel     string
	logFormat    string
	driver       string
	driverURL    string
	minConns     int
	maxConns     string
	maxWait      string
	adminAddress string
	debug        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "dbpoold",
		Short: "Self-sizing database connection pool",
		Long: `dbpoold keeps a pool of database connections sized between a minimum and
a maximum, growing it when idle connections run low and shrinking it when
too many sit unused.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, args []string) error { return runServe(cmd, opts) },
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file path")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	flags.StringVarP(&opts.logFormat, "log-format", "f", "", "log format (json, text, console)")
	flags.StringVar(&opts.driver, "driver", "", "resource driver (sqlite3, pgx or a database/sql driver name)")
	flags.StringVar(&opts.driverURL, "url", "", "driver connection target")
	flags.IntVar(&opts.minConns, "min", 0, "minimum number of connections")
	flags.StringVar(&opts.maxConns, "max", "", "maximum number of connections or \"unbounded\"")
	flags.StringVar(&opts.maxWait, "max-wait", "", "seconds acquire may block or \"unbounded\"")
	flags.StringVar(&opts.adminAddress, "admin", "", "admin API listen address")
	flags.BoolVar(&opts.debug, "debug", false, "force debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pool until interrupted",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe(cmd, opts) },
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// overrides collects the flags that were set explicitly.
func (o *options) overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	flags := cmd.Flags()
	set := func(flag, key string, value any) {
		if flags.Changed(flag) {
			out[key] = value
		}
	}
	set("log-level", config.KeyLoggingLevel, o.logLevel)
	set("log-format", config.KeyLoggingFormat, o.logFormat)
	set("driver", config.KeyDriver, o.driver)
	set("url", config.KeyDriverURL, o.driverURL)
	set("min", config.KeyMinConnections, o.minConns)
	set("max", config.KeyMaxConnections, o.maxConns)
	set("max-wait", config.KeyMaxWait, o.maxWait)
	set("admin", config.KeyAdminAddress, o.adminAddress)
	set("debug", config.KeyDebug, o.debug)
	return out
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configFile, opts.overrides(cmd))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := monitoring.NewLogger(cfg.Logging, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()
	log.Logger = logger

	ctx := cmd.Context()

	shutdownTracing, err := monitoring.SetupTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	factory, err := driver.NewRegistry().Lookup(cfg.Driver)
	if err != nil {
		return fmt.Errorf("failed to resolve driver: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("driver", cfg.Driver).
		Int("min_connections", cfg.MinConnections).
		Int("max_connections", cfg.MaxConnections).
		Msg("Starting dbpoold")

	mgr := manager.New()
	if err := mgr.Init(cfg, factory); err != nil {
		return fmt.Errorf("failed to initialize pool: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	var server *api.Server
	if cfg.Admin.Address != "" {
		adminAPI := api.NewAdminAPI(mgr, cfg.Admin.StreamInterval, logger)
		server, err = api.NewServer(cfg.Admin.Address, adminAPI, logger)
		if err != nil {
			_ = mgr.Shutdown(context.Background())
			return err
		}
		go func() {
			if err := server.Serve(); err != nil {
				errCh <- err
			}
		}()
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- mgr.HandleSignals(ctx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Admin API failed")
		cancel()
		<-doneCh
	case err := <-doneCh:
		if err != nil {
			logger.Error().Err(err).Msg("Pool shutdown with error")
			runErr = err
		}
	}

	if server != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func newConfigCmd(opts *options) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputPath == "" {
				outputPath = "dbpoold.yaml"
			}

			if err := config.Template().Save(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile, opts.overrides(cmd))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if _, err := driver.NewRegistry().Lookup(cfg.Driver); err != nil {
				return fmt.Errorf("failed to resolve driver: %w", err)
			}

			printSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func printSummary(w io.Writer, cfg *config.Config) {
	settings := cfg.Settings()
	fmt.Fprintf(w, "Configuration is valid\n")
	fmt.Fprintf(w, "Driver: %s (%s)\n", cfg.Driver, cfg.DriverURL)
	fmt.Fprintf(w, "Connections: min %d, max %v\n", cfg.MinConnections, settings[config.KeyMaxConnections])
	fmt.Fprintf(w, "Max wait: %v\n", settings[config.KeyMaxWait])
	fmt.Fprintf(w, "Sizer interval: %s\n", cfg.Sizer.Interval)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbpoold\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
