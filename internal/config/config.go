package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leadpilot/leadpilot/pkg/provider"
	"github.com/leadpilot/leadpilot/pkg/textgen"
)

// insecureDefaultSecret is the out-of-the-box JWT secret; Validate rejects it
// outside development.
const insecureDefaultSecret = "supersecretkey"

type Config struct {
	Addr          string        `yaml:"addr"`
	JWTSecret     string        `yaml:"jwt_secret"`
	APITimeout    time.Duration `yaml:"timeout"`
	DatabasePath  string        `yaml:"database_path"`
	TokenDuration time.Duration `yaml:"token_duration"`

	Automation AutomationConfig `yaml:"automation"`
	Provider   ProviderConfig   `yaml:"provider"`
	TextGen    textgen.Config   `yaml:"textgen"`
}

// AutomationConfig tunes the rule engine and the outbound job sweeps.
type AutomationConfig struct {
	// CooldownMinutes is the minimum gap between automated sends to one
	// conversation. Zero disables the gate.
	CooldownMinutes int `yaml:"cooldown_minutes"`
	// ReminderWindowDays suppresses repeat reminders for the same checkpoint.
	ReminderWindowDays int `yaml:"reminder_window_days"`
	// MaxAttempts is the delivery attempt cap per job.
	MaxAttempts int `yaml:"max_attempts"`
	// BatchSize caps jobs claimed per sweep and leads per rule evaluation.
	BatchSize int `yaml:"batch_size"`
	// Channel is the conversation channel rules evaluate against.
	Channel string `yaml:"channel"`
	// SweepInterval is the background outbound-processing cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProviderConfig wraps the messaging provider settings plus the delivery
// mode: "http" talks to the real API, "mock" records sends in memory.
type ProviderConfig struct {
	Mode            string `yaml:"mode"`
	provider.Config `yaml:",inline"`
}

// LoadConfig builds configuration from defaults, LEADPILOT_* environment
// variables and, when path is non-empty, a YAML file layered on top.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Addr:          getEnv("LEADPILOT_ADDR", ":8080"),
		JWTSecret:     getEnv("LEADPILOT_JWT_SECRET", insecureDefaultSecret),
		APITimeout:    15 * time.Second,
		DatabasePath:  getEnv("LEADPILOT_DATABASE_PATH", "leadpilot.db"),
		TokenDuration: 1 * time.Hour,
		Automation: AutomationConfig{
			CooldownMinutes:    getEnvInt("LEADPILOT_COOLDOWN_MINUTES", 30),
			ReminderWindowDays: getEnvInt("LEADPILOT_REMINDER_WINDOW_DAYS", 1),
			MaxAttempts:        3,
			BatchSize:          25,
			Channel:            getEnv("LEADPILOT_CHANNEL", "whatsapp"),
			SweepInterval:      time.Minute,
		},
		Provider: ProviderConfig{
			Mode:   getEnv("LEADPILOT_PROVIDER_MODE", "mock"),
			Config: provider.DefaultConfig(),
		},
		TextGen: textgen.DefaultConfig(),
	}
	cfg.Provider.BaseURL = getEnv("LEADPILOT_PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.Token = getEnv("LEADPILOT_PROVIDER_TOKEN", cfg.Provider.Token)
	cfg.TextGen.BaseURL = getEnv("LEADPILOT_TEXTGEN_BASE_URL", cfg.TextGen.BaseURL)
	cfg.TextGen.Model = getEnv("LEADPILOT_TEXTGEN_MODEL", cfg.TextGen.Model)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate rejects configurations that must never reach production. The
// development environment (LEADPILOT_ENV=development, the default) is lenient
// about the built-in JWT secret.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}

	env := getEnv("LEADPILOT_ENV", "development")
	if env != "development" && c.JWTSecret == insecureDefaultSecret {
		return fmt.Errorf("jwt_secret is the insecure default; set LEADPILOT_JWT_SECRET")
	}

	switch c.Provider.Mode {
	case "mock":
	case "http":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url is required in http mode")
		}
		if c.Provider.Token == "" {
			return fmt.Errorf("provider.token is required in http mode")
		}
	default:
		return fmt.Errorf("provider.mode must be \"http\" or \"mock\", got %q", c.Provider.Mode)
	}

	if c.Automation.ReminderWindowDays < 0 {
		return fmt.Errorf("automation.reminder_window_days must not be negative")
	}
	if c.Automation.SweepInterval <= 0 {
		c.Automation.SweepInterval = time.Minute
	}
	if c.Automation.MaxAttempts <= 0 {
		c.Automation.MaxAttempts = 3
	}
	if c.Automation.BatchSize <= 0 {
		c.Automation.BatchSize = 25
	}
	if c.Automation.Channel == "" {
		c.Automation.Channel = "whatsapp"
	}

	return nil
}

// Cooldown returns the per-conversation cool-down as a duration.
func (c *AutomationConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}

	return def
}
