package rules

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

//go:embed default_rules.json
var defaultRulesJSON []byte

// SeedDefaults upserts the built-in rule set by rule_key. Safe to run on
// every startup: existing rules are updated in place, custom rules are left
// alone.
func SeedDefaults(ctx context.Context, repo repository.RuleRepo, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var seeds []models.AutomationRule
	if err := json.Unmarshal(defaultRulesJSON, &seeds); err != nil {
		return fmt.Errorf("decode default rules: %w", err)
	}

	for i := range seeds {
		r := &seeds[i]
		if err := ValidateRule(ctx, r); err != nil {
			return fmt.Errorf("default rule %q: %w", r.RuleKey, err)
		}
		if _, err := repo.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("seed rule %q: %w", r.RuleKey, err)
		}
	}

	logger.Info("default automation rules seeded", slog.Int("count", len(seeds)))
	return nil
}
