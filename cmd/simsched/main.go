// Package main is the entry point for the voltsched simulator.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voltsched/voltsched/internal/config"
	"github.com/voltsched/voltsched/internal/domain"
	"github.com/voltsched/voltsched/internal/metrics"
	"github.com/voltsched/voltsched/internal/scheduler"
	"github.com/voltsched/voltsched/internal/sim"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("voltsched simulator")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting voltsched",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("tasks", cfg.Simulation.Tasks),
		zap.Int64("seed", cfg.Simulation.Seed),
	)

	var mx *metrics.Metrics
	if cfg.Metrics.Enabled {
		mx = metrics.New()
		go serveMetrics(cfg.Metrics.Listen, mx, logger)
	}

	cluster := sim.NewCluster(cfg.Simulation.Fleet, cfg.Simulation, cfg.Scheduler.VMMemoryOverheadMiB, logger)
	core := scheduler.New(cluster, cfg, mx, logger)
	arrivals := sim.GenerateWorkload(cfg.Simulation)
	engine := sim.NewEngine(cluster, core, arrivals,
		domain.Time(cfg.Simulation.PeriodIntervalUS),
		domain.Time(cfg.Simulation.HorizonUS),
		logger)

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		logger.Fatal("Simulation error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(listen string, mx *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mx.Handler())
	logger.Info("Metrics listening", zap.String("addr", listen))
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Warn("Metrics server stopped", zap.Error(err))
	}
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
