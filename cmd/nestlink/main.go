package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/errors"
	"github.com/migadu/nestlink/server/statusapi"
	"github.com/migadu/nestlink/session"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "nestlink.toml"

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	baseURL := flag.String("base-url", "", "Override hub.base_url")
	logLevel := flag.String("log-level", "", "Override logging.level")
	printSnapshots := flag.Bool("print", true, "Print every session snapshot to stdout as a JSON line")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nestlink version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	loadConfig(*configPath, &cfg, errorHandler)
	if *baseURL != "" {
		cfg.Hub.BaseURL = *baseURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "NESTLINK: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "NESTLINK: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}
	logger.Infof("nestlink starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.close()

	deps.session.Start(ctx)
	go func() {
		if err := session.NewBridge(deps.session).Run(ctx, appStateSignals(ctx)); err != nil && ctx.Err() == nil {
			logger.Warn("[SESSION] app state bridge stopped", "error", err)
		}
	}()
	if *printSnapshots {
		go printSnapshotLines(ctx, deps.session, os.Stdout)
	}

	errChan := make(chan error, 1)
	if cfg.StatusAPI.Enabled {
		go statusapi.Start(ctx, deps.session, statusapi.ServerOptions{
			Addr:   cfg.StatusAPI.Addr,
			APIKey: cfg.StatusAPI.APIKey,
			Health: deps.health,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("status API", err)
		deps.shutdown(sessionCloseTimeout)
		os.Exit(errorHandler.WaitForExit())
	}

	deps.shutdown(sessionCloseTimeout)
}

// loadConfig reads configPath into cfg. A missing default file is not an error.
func loadConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
			return
		}
		errorHandler.ConfigError(configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Infof("loaded configuration from %s", configPath)
}
