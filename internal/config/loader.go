package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "pipelineforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PIPELINEFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "PIPELINEFORGE_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PIPELINEFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PIPELINEFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PIPELINEFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PIPELINEFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PIPELINEFORGE_PG_HEALTH_CHECK")
	setDuration(&cfg.Postgres.StatementTimeout, "PIPELINEFORGE_PG_STATEMENT_TIMEOUT")
	setString(&cfg.SQLite.Path, "PIPELINEFORGE_SQLITE_PATH")
	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "PIPELINEFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PIPELINEFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PIPELINEFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "PIPELINEFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PIPELINEFORGE_BREAKER_TIMEOUT")

	// Orchestrator
	setInt(&cfg.Orchestrator.MaxRevisions, "PIPELINEFORGE_MAX_REVISIONS")
	setInt(&cfg.Orchestrator.MaxRetries, "PIPELINEFORGE_MAX_RETRIES")
	setDuration(&cfg.Orchestrator.RetryDelay, "PIPELINEFORGE_RETRY_DELAY")
	setDuration(&cfg.Orchestrator.StageTimeout, "PIPELINEFORGE_STAGE_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxConcurrentRuns, "PIPELINEFORGE_MAX_CONCURRENT_RUNS")
	setFloat64(&cfg.Orchestrator.ScoreThreshold, "PIPELINEFORGE_SCORE_THRESHOLD")
	setFloat64(&cfg.Orchestrator.AbortThreshold, "PIPELINEFORGE_ABORT_THRESHOLD")

	// Collaboration
	setInt(&cfg.Collaboration.Quorum, "PIPELINEFORGE_COLLAB_QUORUM")
	setDuration(&cfg.Collaboration.SessionTimeout, "PIPELINEFORGE_COLLAB_SESSION_TIMEOUT")
	setDuration(&cfg.Collaboration.SweepInterval, "PIPELINEFORGE_COLLAB_SWEEP_INTERVAL")

	setString(&cfg.Checkpoint.Backend, "PIPELINEFORGE_CHECKPOINT_BACKEND")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "PIPELINEFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "PIPELINEFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "PIPELINEFORGE_CACHE_L2_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "PIPELINEFORGE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "PIPELINEFORGE_IDEMPOTENCY_TTL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "PIPELINEFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "PIPELINEFORGE_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "PIPELINEFORGE_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "PIPELINEFORGE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "PIPELINEFORGE_OTEL_SAMPLE_RATE")
}

var validBackends = map[string]bool{
	BackendMemory:   true,
	BackendPostgres: true,
	BackendSQLite:   true,
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if !validBackends[cfg.Checkpoint.Backend] {
		return fmt.Errorf("checkpoint.backend %q is not one of memory, postgres, sqlite", cfg.Checkpoint.Backend)
	}
	if cfg.Checkpoint.Backend == BackendPostgres {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	}
	if cfg.Checkpoint.Backend == BackendSQLite && cfg.SQLite.Path == "" {
		return errors.New("sqlite.path is required for the sqlite backend")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.MaxRevisions < 0 {
		return errors.New("orchestrator.max_revisions must be >= 0")
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return errors.New("orchestrator.max_retries must be >= 0")
	}
	if cfg.Orchestrator.MaxConcurrentRuns < 1 {
		return errors.New("orchestrator.max_concurrent_runs must be >= 1")
	}
	if cfg.Collaboration.Quorum < 0 {
		return errors.New("collaboration.quorum must be >= 0")
	}
	if cfg.Collaboration.SessionTimeout <= 0 {
		return errors.New("collaboration.session_timeout must be > 0")
	}
	if cfg.Collaboration.SweepInterval <= 0 {
		return errors.New("collaboration.sweep_interval must be > 0")
	}

	seen := make(map[string]bool, len(cfg.Stages))
	for i, s := range cfg.Stages {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("stages[%d]: name and url are required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("stages[%d]: duplicate stage name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
