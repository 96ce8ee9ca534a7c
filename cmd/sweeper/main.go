package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	dbfs "github.com/leadpilot/leadpilot/db"
	"github.com/leadpilot/leadpilot/internal/config"
	"github.com/leadpilot/leadpilot/internal/db"
	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/repository/sqlite"
	"github.com/leadpilot/leadpilot/internal/rules"
	"github.com/leadpilot/leadpilot/pkg/provider"
	"github.com/leadpilot/leadpilot/pkg/textgen"
)

// One-shot sweep for cron-driven deployments: evaluate scheduled rules, then
// deliver whatever is queued, and print both summaries as JSON.
func main() {
	var (
		configPath  = flag.String("config", "", "Path to config YAML file")
		scheduleTag = flag.String("schedule-tag", "", "Only evaluate rules under this schedule tag")
		ruleKey     = flag.String("rule", "", "Run a single rule by key, bypassing its cron schedule")
		dryRun      = flag.Bool("dry-run", false, "Count matches without queueing messages or creating tasks")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	textgen.SetLogger(logger)

	ctx := context.Background()

	conn, err := db.New(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, dbfs.Migrations); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	repo := sqlite.New(conn, logger).Repository()

	if err := rules.SeedDefaults(ctx, repo.Rules, logger); err != nil {
		log.Fatalf("Failed to seed default rules: %v", err)
	}

	var sender provider.Sender
	if cfg.Provider.Mode == "http" {
		sender, err = provider.NewHTTPSender(cfg.Provider.Config, nil)
		if err != nil {
			log.Fatalf("Failed to create message sender: %v", err)
		}
	} else {
		sender = provider.NewMockSender()
	}

	gen, err := textgen.NewClient(cfg.TextGen, nil)
	if err != nil {
		log.Fatalf("Failed to create text generator: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(repo.Jobs, repo.Conversations,
		dispatch.NewRateLimiter(cfg.Automation.Cooldown()), logger)
	engine := rules.NewEngine(repo, dispatcher, gen, &rules.Config{
		ReminderWindowDays: cfg.Automation.ReminderWindowDays,
		LeadBatchSize:      cfg.Automation.BatchSize,
		MaxJobAttempts:     cfg.Automation.MaxAttempts,
		Channel:            cfg.Automation.Channel,
	}, logger)

	var summary *rules.RunSummary
	if *ruleKey != "" {
		summary, err = engine.RunRuleByKey(ctx, *ruleKey, *dryRun)
	} else {
		summary, err = engine.RunScheduledRules(ctx, *scheduleTag, *dryRun)
	}
	if err != nil {
		log.Fatalf("Rule sweep failed: %v", err)
	}

	runner := dispatch.NewRunner(repo.Jobs, repo.Conversations, repo.Leads, sender, cfg.Provider.Timeout, logger)
	res, err := runner.Process(ctx, cfg.Automation.BatchSize)
	if err != nil {
		log.Fatalf("Outbound sweep failed: %v", err)
	}

	out := map[string]any{"rules": summary, "outbound": res}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to encode summary: %v", err)
	}
}
