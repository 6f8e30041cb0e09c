// Package main is the entry point for the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/gateway"
	"github.com/fechatter/gateway/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Log flags override the logging
// section of the config file when set.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(flags, cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fechatter gateway",
		observability.String("version", version),
		observability.String("config", path),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("upstreams", len(cfg.Upstreams)),
	)

	if err := run(path, cfg, logger); err != nil {
		logger.Error("gateway failed", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func run(path string, cfg *config.GatewayConfig, logger observability.Logger) error {
	gin.SetMode(gin.ReleaseMode)
	ctx := context.Background()

	resolver, err := newResolver(cfg, logger)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	gw, err := gateway.New(ctx, cfg,
		gateway.WithLogger(logger),
		gateway.WithVersion(version),
		gateway.WithResolver(resolver),
	)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}

	watcher := startConfigWatcher(path, gw.Audit(), logger)
	waitForShutdown(gw, watcher, logger)
	return nil
}

// parseFlags parses command line flags.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", "",
		"Path to configuration file (default: $GATEWAY_CONFIG or the standard search paths)")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

func printVersion() {
	fmt.Printf("fechatter-gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger builds the process logger and installs it globally.
func initLogger(flags cliFlags, lc config.LoggingConfig) (observability.Logger, error) {
	cfg := observability.DefaultLogConfig()
	if lc.Level != "" {
		cfg.Level = lc.Level
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if flags.logLevel != "" {
		cfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Format = flags.logFormat
	}

	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}
