package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSIOND_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, k := range []string{
		"SESSIOND_ADDR", "SESSIOND_DATABASE_DRIVER", "SESSIOND_SESSION_LIFETIME_HOURS",
		"SESSIOND_REPLAY_WINDOW_SECONDS", "SESSIOND_REPLAY_CAPACITY", "SESSIOND_CORS_ORIGINS",
	} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.Addr != "127.0.0.1:8090" {
		t.Fatalf("addr: got %q", cfg.Addr)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("driver: got %q", cfg.DatabaseDriver)
	}
	if cfg.SessionLifetime != 7*24*time.Hour {
		t.Fatalf("session lifetime: got %v", cfg.SessionLifetime)
	}
	if cfg.ReplayWindow != 5*time.Minute {
		t.Fatalf("replay window: got %v", cfg.ReplayWindow)
	}
	if cfg.ReplayCapacity != 10000 {
		t.Fatalf("replay capacity: got %d", cfg.ReplayCapacity)
	}
	if len(cfg.CORSOrigins) != 0 {
		t.Fatalf("cors origins: got %v", cfg.CORSOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SESSIOND_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("SESSIOND_DATABASE_DRIVER", "oracle")
	t.Setenv("SESSIOND_SESSION_LIFETIME_HOURS", "-3")
	t.Setenv("SESSIOND_REPLAY_WINDOW_SECONDS", "soon")
	t.Setenv("SESSIOND_REPLAY_CAPACITY", "0")

	cfg := Load()
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("driver: got %q", cfg.DatabaseDriver)
	}
	if cfg.SessionLifetime != 7*24*time.Hour {
		t.Fatalf("session lifetime: got %v", cfg.SessionLifetime)
	}
	if cfg.ReplayWindow != 5*time.Minute {
		t.Fatalf("replay window: got %v", cfg.ReplayWindow)
	}
	if cfg.ReplayCapacity != 10000 {
		t.Fatalf("replay capacity: got %d", cfg.ReplayCapacity)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	content := "SESSIOND_JWT_ISSUER=from-file\nSESSIOND_CORS_ORIGINS=https://a.example, https://b.example\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, k := range []string{"SESSIOND_JWT_ISSUER", "SESSIOND_CORS_ORIGINS"} {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			} else {
				os.Unsetenv(k)
			}
		})
	}
	t.Setenv("SESSIOND_ENV_FILE", file)
	t.Setenv("SESSIOND_ADDR", ":9999")

	cfg := Load()
	if cfg.JWTIssuer != "from-file" {
		t.Fatalf("issuer from env file: got %q", cfg.JWTIssuer)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors origins: got %v", cfg.CORSOrigins)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("environment must win over defaults: got %q", cfg.Addr)
	}
}
