package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leadpilot/leadpilot/api"
	dbfs "github.com/leadpilot/leadpilot/db"
	"github.com/leadpilot/leadpilot/internal/config"
	"github.com/leadpilot/leadpilot/internal/db"
	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/qualify"
	"github.com/leadpilot/leadpilot/internal/reply"
	"github.com/leadpilot/leadpilot/internal/repository/sqlite"
	"github.com/leadpilot/leadpilot/internal/rules"
	"github.com/leadpilot/leadpilot/pkg/provider"
	"github.com/leadpilot/leadpilot/pkg/textgen"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	api.SetLogger(logger)
	textgen.SetLogger(logger)

	log.Printf("Starting leadpilot server version %s (built at %s)", version, buildTime)

	ctx := context.Background()

	conn, err := db.New(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	if err := db.Migrate(ctx, conn, dbfs.Migrations); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	repo := sqlite.New(conn, logger).Repository()

	if err := rules.SeedDefaults(ctx, repo.Rules, logger); err != nil {
		log.Fatalf("Failed to seed default rules: %v", err)
	}

	var sender provider.Sender
	switch cfg.Provider.Mode {
	case "http":
		sender, err = provider.NewHTTPSender(cfg.Provider.Config, nil)
		if err != nil {
			log.Fatalf("Failed to create message sender: %v", err)
		}
	default:
		sender = provider.NewMockSender()
		log.Println("Provider mode is mock; outbound messages are recorded, not delivered")
	}

	gen, err := textgen.NewClient(cfg.TextGen, nil)
	if err != nil {
		log.Fatalf("Failed to create text generator: %v", err)
	}

	// Automated outreach respects the per-conversation cool-down; direct
	// replies to inbound messages do not.
	autoDispatcher := dispatch.NewDispatcher(repo.Jobs, repo.Conversations,
		dispatch.NewRateLimiter(cfg.Automation.Cooldown()), logger)
	replyDispatcher := dispatch.NewDispatcher(repo.Jobs, repo.Conversations,
		dispatch.NewRateLimiter(0), logger)

	runner := dispatch.NewRunner(repo.Jobs, repo.Conversations, repo.Leads, sender, cfg.Provider.Timeout, logger)
	engine := rules.NewEngine(repo, autoDispatcher, gen, &rules.Config{
		ReminderWindowDays: cfg.Automation.ReminderWindowDays,
		LeadBatchSize:      cfg.Automation.BatchSize,
		MaxJobAttempts:     cfg.Automation.MaxAttempts,
		Channel:            cfg.Automation.Channel,
	}, logger)
	orchestrator := reply.New(repo, qualify.NewMachine(), replyDispatcher, gen, logger)

	handler := api.SetupRoutes(cfg, version, buildTime, &api.Services{
		Repo:         repo,
		Engine:       engine,
		Runner:       runner,
		Dispatcher:   autoDispatcher,
		Orchestrator: orchestrator,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Background sweep: deliver due jobs, then evaluate scheduled rules. The
	// cron gate inside the engine holds rules that are not due yet.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.Automation.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if res, err := runner.Process(sweepCtx, cfg.Automation.BatchSize); err != nil {
					logger.Error("outbound sweep failed", slog.String("error", err.Error()))
				} else if res.Claimed > 0 {
					logger.Info("outbound sweep",
						slog.Int("claimed", res.Claimed),
						slog.Int("sent", res.Sent),
						slog.Int("retried", res.Retried),
						slog.Int("failed", res.Failed),
					)
				}

				if summary, err := engine.RunScheduledRules(sweepCtx, "", false); err != nil {
					logger.Error("rule sweep failed", slog.String("error", err.Error()))
				} else if summary.Matched > 0 || summary.Failed > 0 {
					logger.Info("rule sweep",
						slog.String("run_id", summary.RunID),
						slog.Int("matched", summary.Matched),
						slog.Int("sent", summary.Sent),
						slog.Int("skipped", summary.Skipped),
						slog.Int("failed", summary.Failed),
					)
				}
			}
		}
	}()

	go func() {
		log.Printf("Server starting on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	stopSweep()
	<-sweepDone

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if err := conn.Close(); err != nil {
		log.Printf("Error closing DB: %v", err)
	}

	log.Println("Server exited")
}
