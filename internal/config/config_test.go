package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/isabell-ah/satsjar/internal/domain"
)

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_SOURCE", "postgres://localhost/satsjar")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SATSJAR_AUTH_JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DSN != "postgres://localhost/satsjar" || cfg.Server.Port != "9090" || !cfg.IsProduction() {
		t.Fatalf("legacy env not applied: %+v", cfg)
	}
	if cfg.Store.Driver != "postgres" || cfg.ActiveProvider() != domain.ProviderLNbits {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Providers.FallbackEnabled {
		t.Fatal("fallback must be off by default")
	}
	if cfg.Settlement.MaxAttempts != 3 || cfg.Settlement.Timeout != 10*time.Second {
		t.Fatalf("unexpected settlement defaults: %+v", cfg.Settlement)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satsjar.yaml")
	yaml := `
store:
  driver: sqlite
  dsn: /tmp/jar.db
providers:
  active: opennode
  fallback_enabled: true
  timeout: 3s
  opennode:
    webhook_secret: on-secret
auth:
  jwt_secret: from-file
poller:
  sweep_interval: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DB_SOURCE", "")
	t.Setenv("SATSJAR_NOTIFY_URL", "http://hooks.local/jar")
	t.Setenv("SATSJAR_PROVIDERS_LNBITS_WEBHOOK_SECRET", "ln-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/tmp/jar.db" {
		t.Fatalf("store section not read: %+v", cfg.Store)
	}
	if cfg.ActiveProvider() != domain.ProviderOpenNode || !cfg.Providers.FallbackEnabled || cfg.Providers.Timeout != 3*time.Second {
		t.Fatalf("providers section not read: %+v", cfg.Providers)
	}
	if cfg.Poller.SweepInterval != 30*time.Second || cfg.Poller.SweepWindow != 24*time.Hour {
		t.Fatalf("poller section not read: %+v", cfg.Poller)
	}
	if cfg.Notify.URL != "http://hooks.local/jar" {
		t.Fatalf("env override not applied: %q", cfg.Notify.URL)
	}
	secrets := cfg.WebhookSecrets()
	if secrets[domain.ProviderLNbits] != "ln-secret" || secrets[domain.ProviderOpenNode] != "on-secret" {
		t.Fatalf("unexpected webhook secrets: %v", secrets)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DB_SOURCE", "")
	t.Setenv("SATSJAR_AUTH_JWT_SECRET", "")
	t.Setenv("SATSJAR_PROVIDERS_ACTIVE", "paypal")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMemoryDriverNeedsNoDSN(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SATSJAR_STORE_DRIVER", "memory")
	t.Setenv("SATSJAR_AUTH_JWT_SECRET", "x")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
}
