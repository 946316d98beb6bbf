// Package config loads and validates the control plane server's process
// configuration from a YAML file in three steps: a strict decode that
// rejects unknown keys, then defaults, then validation.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseTLS    bool   `yaml:"use_tls"`
}

type EventBusConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SchedulerConfig struct {
	DispatchPollInterval time.Duration `yaml:"dispatch_poll_interval"`
	MaxConcurrentRuns    int           `yaml:"max_concurrent_runs"`
	QuestionTimeout      time.Duration `yaml:"question_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// SCMConfig carries the optional source-control app credentials spec §6
// mentions: an installation (app) credential preferred over a personal
// token when both are present. Leaving it entirely unset is valid; the
// patch pipeline then records a patch without opening a pull request.
type SCMConfig struct {
	BaseURL        string `yaml:"base_url"`
	AppID          string `yaml:"app_id"`
	InstallationID string `yaml:"installation_id"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	PersonalToken  string `yaml:"personal_token"`
}

// WorkspaceConfig controls where the dispatcher keeps the per-project
// repo clones and run worktrees it prepares for the patch/PR pipeline.
type WorkspaceConfig struct {
	RepoRoot string `yaml:"repo_root"`
}

// ServerConfig is the attractorctl server process's root config document.
type ServerConfig struct {
	Version     int               `yaml:"version"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	EventBus    EventBusConfig    `yaml:"event_bus"`
	HTTP        HTTPConfig        `yaml:"http"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	SCM         SCMConfig         `yaml:"scm"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`

	// Models lists each provider's supported model ids for create-run's
	// provider preflight (provider -> model ids). Left empty, the preflight
	// is skipped entirely: any provider/model an attractor def names is
	// accepted, since the deployment hasn't told us what it actually
	// supports.
	Models map[string][]string `yaml:"models,omitempty"`
}

// Load reads path, strictly decodes it as YAML (unknown fields reject),
// applies defaults, and validates the result.
func Load(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *ServerConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *ServerConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = time.Hour
	}
	if cfg.ObjectStore.Bucket == "" {
		cfg.ObjectStore.Bucket = "attractor-artifacts"
	}
	if cfg.EventBus.Exchange == "" {
		cfg.EventBus.Exchange = "attractor.run-events"
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":8080"
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Scheduler.DispatchPollInterval == 0 {
		cfg.Scheduler.DispatchPollInterval = 2 * time.Second
	}
	if cfg.Scheduler.MaxConcurrentRuns == 0 {
		cfg.Scheduler.MaxConcurrentRuns = 20
	}
	if cfg.Scheduler.QuestionTimeout == 0 {
		cfg.Scheduler.QuestionTimeout = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "attractor-control-plane"
	}
	if cfg.Workspace.RepoRoot == "" {
		cfg.Workspace.RepoRoot = "/var/lib/attractor/workspaces"
	}
}

func validate(cfg *ServerConfig) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if strings.TrimSpace(cfg.ObjectStore.Endpoint) == "" {
		return fmt.Errorf("object_store.endpoint is required")
	}
	if strings.TrimSpace(cfg.EventBus.AMQPURL) == "" {
		return fmt.Errorf("event_bus.amqp_url is required")
	}
	if cfg.Postgres.MaxConns <= 0 {
		return fmt.Errorf("postgres.max_conns must be > 0")
	}
	if cfg.Scheduler.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_runs must be > 0")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}
