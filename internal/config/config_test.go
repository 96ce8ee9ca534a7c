package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leadpilot/leadpilot/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.Provider.Mode != "mock" {
		t.Fatalf("provider mode = %q, want mock by default", cfg.Provider.Mode)
	}
	if cfg.Automation.ReminderWindowDays != 1 {
		t.Fatalf("reminder window = %d, want 1", cfg.Automation.ReminderWindowDays)
	}
	if cfg.Automation.Cooldown() != 30*time.Minute {
		t.Fatalf("cooldown = %v, want 30m", cfg.Automation.Cooldown())
	}
}

func TestLoadConfigYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
addr: ":9090"
automation:
  cooldown_minutes: 45
  reminder_window_days: 2
provider:
  mode: http
  base_url: https://graph.example.com/v18.0/1234
  token: secret-token
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.Automation.CooldownMinutes != 45 || cfg.Automation.ReminderWindowDays != 2 {
		t.Fatalf("automation overrides lost: %+v", cfg.Automation)
	}
	if cfg.Provider.Mode != "http" || cfg.Provider.Token != "secret-token" {
		t.Fatalf("provider overrides lost: %+v", cfg.Provider)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateInsecureJWTFailsOutsideDevelopment(t *testing.T) {
	os.Setenv("LEADPILOT_ENV", "production")
	defer os.Unsetenv("LEADPILOT_ENV")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail for insecure JWT outside development")
	}

	cfg.JWTSecret = "a-real-secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected Validate to pass with a real secret, got: %v", err)
	}
}

func TestValidateHTTPProviderNeedsCredentials(t *testing.T) {
	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Provider.Mode = "http"
	cfg.Provider.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("http mode without base_url must fail")
	}

	cfg.Provider.BaseURL = "https://graph.example.com/v18.0/1234"
	cfg.Provider.Token = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("http mode without token must fail")
	}

	cfg.Provider.Mode = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown provider mode must fail")
	}
}
