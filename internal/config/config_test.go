package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
database:
  path: /tmp/fleet.db
logging:
  level: debug
oracle:
  models:
    - name: alpha
      endpoint: https://alpha.example.com
      api_key: k1
    - name: beta
      endpoint: https://beta.example.com
news:
  feed_url: https://calendar.example.com
  filter:
    enabled: true
    min_impact: HIGH
    minutes_before: 45
    minutes_after: 20
notify:
  webhook_url: https://hooks.example.com/x
jobs:
  news_refresh: "*/30 * * * *"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Fatalf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Database.Path != "/tmp/fleet.db" || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Oracle.Models) != 2 || cfg.Oracle.Models[0].Name != "alpha" || cfg.Oracle.Models[0].APIKey != "k1" {
		t.Fatalf("models = %+v", cfg.Oracle.Models)
	}
	if cfg.News.Filter.MinutesBefore != 45 || cfg.News.Filter.MinImpact != types.NewsImpactHigh {
		t.Fatalf("news filter = %+v", cfg.News.Filter)
	}
	if cfg.Jobs.NewsRefresh != "*/30 * * * *" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	// Untouched keys keep their defaults.
	if cfg.Jobs.DailyReport != "5 0 * * *" {
		t.Fatalf("daily report default = %q", cfg.Jobs.DailyReport)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("FALANGE_SERVER_PORT", "9100")
	t.Setenv("FALANGE_DATABASE_PATH", "/var/lib/falange.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("port = %d, want env override", cfg.Server.Port)
	}
	if cfg.Database.Path != "/var/lib/falange.db" {
		t.Fatalf("path = %q", cfg.Database.Path)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("port 0 accepted")
	}
}

func TestMissingOptionalFile(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port = %d", cfg.Server.Port)
	}
}
