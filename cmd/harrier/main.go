// Harrier - broker fraud detection and trust rating for vehicle registration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rto-platform/harrier/internal/api"
	"github.com/rto-platform/harrier/internal/bus"
	"github.com/rto-platform/harrier/internal/cache"
	"github.com/rto-platform/harrier/internal/detect"
	"github.com/rto-platform/harrier/internal/domain"
	"github.com/rto-platform/harrier/internal/history"
	"github.com/rto-platform/harrier/internal/rating"
	"github.com/rto-platform/harrier/internal/repository"
	"github.com/rto-platform/harrier/internal/score"
	"github.com/rto-platform/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HARRIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for cluster mode via environment
	if os.Getenv("HARRIER_MODE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}

	slog.Info("configuration loaded",
		"mode", cfg.Mode,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize History Service
	historySvc := history.NewService(repo)
	slog.Info("history service initialized")

	// Initialize built-in detectors
	detectors := detect.NewSet(cfg.Detection)
	slog.Info("detectors initialized", "count", detectors.Len())

	// Initialize custom rule engine
	ruleEngine, err := detect.NewRuleEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load detector rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, ruleEngine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", ruleEngine.RulesCount())

	// Initialize Scorer
	scorer := score.NewScorer(cfg.Detection)
	slog.Info("scorer initialized",
		"medium_score", cfg.Detection.MediumScore,
		"high_score", cfg.Detection.HighScore,
	)

	// Initialize Rating Engine
	ratingEngine := rating.NewEngine(cfg.Rating, repo, cacheImpl)
	slog.Info("rating engine initialized",
		"alpha0", cfg.Rating.Alpha0,
		"decay", cfg.Rating.Decay,
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Mode == domain.ModeCluster || os.Getenv("HARRIER_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, ratingEngine)

		// Get office IDs to process (from environment or default)
		officeIDs := []string{}
		if envOffices := os.Getenv("HARRIER_OFFICES"); envOffices != "" {
			officeIDs = strings.Split(envOffices, ",")
		}

		workerCfg := worker.Config{
			OfficeIDs: officeIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "office_count", len(officeIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, detectors, ruleEngine, scorer, ratingEngine, historySvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

// loadRulesFromDatabase loads each office's detector rules into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *detect.RuleEngine) error {
	offices := strings.Split(os.Getenv("HARRIER_OFFICES"), ",")

	var loaded int
	for _, officeID := range offices {
		officeID = strings.TrimSpace(officeID)
		if officeID == "" {
			continue
		}
		dbRules, err := repo.ListDetectorRules(ctx, officeID)
		if err != nil {
			slog.Warn("failed to list rules from database", "office_id", officeID, "error", err)
			continue
		}
		if err := engine.LoadRules(dbRules); err != nil {
			return err
		}
		loaded += len(dbRules)
	}

	if loaded > 0 {
		slog.Info("loaded rules from database", "count", loaded)
	} else {
		slog.Info("no rules in database - configure via POST /rules API")
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                  HARRIER")
	fmt.Println("     Broker Fraud Detection & Trust Rating")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Mode:     %s\n", cfg.Mode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assessments                       - Assess an application")
	fmt.Println("    GET  /assessments/{id}                  - Get assessment by ID")
	fmt.Println("    GET  /applications/{id}/assessments     - Assessment history")
	fmt.Println("    GET  /brokers/{id}/assessments          - Broker's assessments")
	fmt.Println("    GET  /brokers/{id}/history              - Broker activity digest")
	fmt.Println("    GET  /brokers/{id}/rating               - Broker rating state")
	fmt.Println("    POST /brokers/{id}/rating/update        - Apply a rating update")
	fmt.Println("    GET  /brokers/{id}/rating/explanation   - Last update breakdown")
	fmt.Println("    GET  /brokers/{id}/rating/trend         - Rating trajectory")
	fmt.Println("    GET  /rules                             - List detector rules")
	fmt.Println("    POST /rules                             - Create a detector rule")
	fmt.Println("    POST /rules/reload                      - Hot-reload rules")
	fmt.Println("    GET  /health                            - Health check")
	fmt.Println()
}
