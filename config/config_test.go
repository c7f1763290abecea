package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  driver: memory
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	// Unset sections keep defaults.
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.BackoffBase != 500*time.Millisecond {
		t.Errorf("engine defaults lost: %+v", cfg.Engine)
	}
	if cfg.Server.GenerateRateLimit != 10 {
		t.Errorf("rate limit default lost: %d", cfg.Server.GenerateRateLimit)
	}
}

func TestLoadFromFileRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: oracle\n")
	if _, err := LoadFromFile(path); err == nil || !strings.Contains(err.Error(), "driver") {
		t.Errorf("err = %v, want unknown driver error", err)
	}
}

func TestLoadFromFileRejectsFileSecretsWithoutDir(t *testing.T) {
	path := writeConfig(t, "secrets:\n  provider: file\n")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("want error for file secrets provider without dir")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("want error for missing file")
	}
}
