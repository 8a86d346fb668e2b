package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/logging"
	"github.com/erfianugrah/dohcursor/pkg/processor"
	"github.com/erfianugrah/dohcursor/pkg/provider"
	"github.com/erfianugrah/dohcursor/pkg/queue"
	"github.com/erfianugrah/dohcursor/pkg/request"
	"github.com/erfianugrah/dohcursor/pkg/resolver"
	"github.com/erfianugrah/dohcursor/pkg/server"
	"github.com/erfianugrah/dohcursor/pkg/supervisor"
	"github.com/erfianugrah/dohcursor/pkg/telemetry"
)

// exUsage mirrors BSD sysexits.h EX_USAGE: the command was used incorrectly.
const exUsage = 64

var (
	configPath     = flag.String("config", "", "Path to configuration file (defaults built in if omitted)")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	// Build-time variables set via ldflags, e.g.
	// go build -ldflags "-X main.version=$(git describe --tags)"
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dohcursor\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if *configPath == "" {
			fmt.Fprintln(os.Stderr, "-validate-config requires -config")
			os.Exit(exUsage)
		}
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exUsage)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("dohcursor starting", "version", version, "build_time", buildTime)

	ctx := context.Background()

	registry := provider.NewRegistry()
	if _, ok := registry.Get(cfg.Resolver.Provider); !ok {
		logger.Error("no such provider configured", "provider", cfg.Resolver.Provider)
		os.Exit(exUsage)
	}

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	res, err := resolver.New(cfg.Resolver, registry, logger)
	if err != nil {
		logger.Error("failed to initialize resolver", "error", err)
		os.Exit(1)
	}

	q := queue.New[*request.Request]()
	proc := processor.New(cfg.Processor, q, res, logger, metrics)
	srv := server.New(cfg.Server, q, logger, metrics)

	sup := supervisor.New(proc, srv, logger)

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	if *configPath != "" {
		startConfigWatcher(watcherCtx, *configPath, logger, res, registry)
	}

	if err := sup.Run(ctx, 5*time.Second); err != nil {
		logger.Error("pipeline shutdown reported errors", "error", err)
	}
	stopWatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during telemetry shutdown", "error", err)
	}

	logger.Info("dohcursor stopped")
}

// loadConfig loads the file at path if given, or falls back to
// config.LoadWithDefaults per spec.md's default-value table.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadWithDefaults(), nil
	}
	return config.Load(path)
}

// startConfigWatcher watches the config file at path and retargets res at
// whatever provider the file names on every edit, so an operator can swap
// upstream DoH providers with a `sed -i`/editor save instead of a restart.
// ServerConfig/ProcessorConfig edits are not applied (nor logged): Server
// and Processor bind sockets and size their worker pool at Start, so
// picking those up would itself require a restart.
func startConfigWatcher(ctx context.Context, path string, logger *logging.Logger, res *resolver.Resolver, registry *provider.Registry) {
	w, err := config.NewWatcher(path, logger.Logger)
	if err != nil {
		logger.Error("failed to start config watcher, provider hot-reload disabled", "error", err)
		return
	}

	w.OnChange(func(cfg *config.Config) {
		if err := res.SetProvider(cfg.Resolver, registry); err != nil {
			logger.Error("config reload: failed to apply resolver provider change", "error", err)
		}
	})

	go func() {
		if err := w.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watcher stopped unexpectedly", "error", err)
		}
	}()
}
