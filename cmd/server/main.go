// Command server runs the memory-aggregation engine and its public
// facade: object-store ingestion, tiered shard storage, fan-out search,
// analytics, the knowledge graph and the HTTP surface over all of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/memory-mesh/memory-mesh/internal/api"
	"github.com/memory-mesh/memory-mesh/internal/config"
	"github.com/memory-mesh/memory-mesh/internal/engine"
	"github.com/memory-mesh/memory-mesh/internal/metrics"
	"github.com/memory-mesh/memory-mesh/pkg/faults"
	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// Build metadata, injected via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitFatal  = 2
	exitSignal = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("memory-mesh %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}

	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	logger := observability.NewStandardLogger("server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration invalid", map[string]interface{}{"error": err.Error()})
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, engine.Options{
		Config: cfg,
		Logger: logger,
		Build:  metrics.BuildInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		logger.Error("engine construction failed", map[string]interface{}{"error": err.Error()})
		return startupExitCode(err)
	}
	if err := eng.Start(ctx); err != nil {
		logger.Error("engine start failed", map[string]interface{}{"error": err.Error()})
		return exitFatal
	}

	srv := api.NewServer(cfg.API, eng, logger)
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
		code = exitSignal
	case err := <-apiErr:
		if err != nil {
			logger.Error("api server failed", map[string]interface{}{"error": err.Error()})
			code = exitFatal
		}
	}

	// Flip readiness before the listener closes so load balancers stop
	// routing during the drain.
	eng.BeginDrain()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), engine.DrainTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := eng.Stop(); err != nil {
		logger.Error("engine stop", map[string]interface{}{"error": err.Error()})
		if code == exitOK {
			code = exitFatal
		}
	}
	return code
}

// startupExitCode separates misconfiguration (1) from fatal storage
// failures (2) when engine construction fails.
func startupExitCode(err error) int {
	if faults.KindOf(err) == faults.KindValidation {
		return exitConfig
	}
	return exitFatal
}
