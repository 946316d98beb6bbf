package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
version: 1
postgres:
  dsn: "postgres://localhost/attractor"
redis:
  addr: "localhost:6379"
object_store:
  endpoint: "localhost:9000"
event_bus:
  amqp_url: "amqp://localhost:5672"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.MaxConns != 10 {
		t.Fatalf("got MaxConns %d, want 10", cfg.Postgres.MaxConns)
	}
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Fatalf("got ListenAddr %q, want :8080", cfg.HTTP.ListenAddr)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("got Logging.Format %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_RejectsMissingDSN(t *testing.T) {
	if _, err := Load(writeTempConfig(t, "version: 1\n")); err == nil {
		t.Fatalf("expected error for missing postgres.dsn")
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	yaml := minimalYAML + "bogus_top_level_field: true\n"
	if _, err := Load(writeTempConfig(t, yaml)); err == nil {
		t.Fatalf("expected error for unknown top-level field")
	}
}

func TestLoad_RejectsBadLoggingFormat(t *testing.T) {
	yaml := minimalYAML + "logging:\n  format: xml\n"
	if _, err := Load(writeTempConfig(t, yaml)); err == nil {
		t.Fatalf("expected error for invalid logging.format")
	}
}
