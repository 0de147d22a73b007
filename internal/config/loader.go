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
const DefaultConfigFile = "tronas.yaml"

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "TRONAS_PORT")
	setString(&cfg.Server.CORSOrigin, "TRONAS_CORS_ORIGIN")
	setFloat(&cfg.Server.RateLimitRPS, "TRONAS_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "TRONAS_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TRONAS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TRONAS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TRONAS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TRONAS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TRONAS_PG_HEALTH_CHECK")
	setString(&cfg.Bus.Driver, "TRONAS_BUS_DRIVER")
	setString(&cfg.Bus.NATSURL, "NATS_URL")
	setInt(&cfg.Bus.History, "TRONAS_BUS_HISTORY")
	setString(&cfg.Logging.Level, "TRONAS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TRONAS_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "TRONAS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TRONAS_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "TRONAS_CACHE_SIZE_MB")
	setString(&cfg.Classifier.BaseURL, "TRONAS_CLASSIFIER_BASE_URL")
	setString(&cfg.Classifier.APIKey, "TRONAS_CLASSIFIER_API_KEY")
	setString(&cfg.Classifier.Model, "TRONAS_CLASSIFIER_MODEL")
	setString(&cfg.Sources.DocumentsRoot, "TRONAS_SOURCE_DOCUMENTS_ROOT")
	setString(&cfg.Sources.MailboxFile, "TRONAS_SOURCE_MAILBOX_FILE")
	setInt(&cfg.Deadline.ResponseDays, "TRONAS_DEADLINE_RESPONSE_DAYS")
	setInt(&cfg.Deadline.ExtensionDays, "TRONAS_DEADLINE_EXTENSION_DAYS")
	setString(&cfg.Deadline.CalendarPath, "TRONAS_HOLIDAY_CALENDAR")
	setDuration(&cfg.Agents.HeartbeatInterval, "TRONAS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Agents.StaleAfter, "TRONAS_HEARTBEAT_STALE_AFTER")
	setDuration(&cfg.Agents.RequestMonitor.PollInterval, "TRONAS_REQUEST_POLL_INTERVAL")
	setInt64(&cfg.Agents.Retrieval.MaxConcurrentFetches, "TRONAS_RETRIEVAL_MAX_FETCHES")
	setDuration(&cfg.Agents.Retrieval.FetchTimeout, "TRONAS_RETRIEVAL_FETCH_TIMEOUT")
	setInt(&cfg.Agents.Classification.BatchSize, "TRONAS_CLASSIFY_BATCH_SIZE")
	setInt64(&cfg.Agents.Classification.MaxConcurrentCalls, "TRONAS_CLASSIFY_MAX_CALLS")
	setDuration(&cfg.Agents.Classification.CallTimeout, "TRONAS_CLASSIFY_CALL_TIMEOUT")
	setDuration(&cfg.Agents.Classification.PollInterval, "TRONAS_CLASSIFY_POLL_INTERVAL")
	setDuration(&cfg.Agents.DeadlineMonitor.CheckInterval, "TRONAS_DEADLINE_CHECK_INTERVAL")
	setDuration(&cfg.Orchestrator.HealthCheckInterval, "TRONAS_ORCH_HEALTH_INTERVAL")
	setInt(&cfg.Orchestrator.MaxRestarts, "TRONAS_ORCH_MAX_RESTARTS")
	setDuration(&cfg.Orchestrator.RestartWindow, "TRONAS_ORCH_RESTART_WINDOW")
	setDuration(&cfg.Orchestrator.BackoffInitial, "TRONAS_ORCH_BACKOFF_INITIAL")
	setDuration(&cfg.Orchestrator.BackoffMax, "TRONAS_ORCH_BACKOFF_MAX")
	setDuration(&cfg.Orchestrator.StopGracePeriod, "TRONAS_ORCH_STOP_GRACE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	switch cfg.Bus.Driver {
	case "memory", "nats":
	default:
		return fmt.Errorf("bus.driver must be \"memory\" or \"nats\", got %q", cfg.Bus.Driver)
	}
	if cfg.Bus.Driver == "nats" && cfg.Bus.NATSURL == "" {
		return errors.New("bus.nats_url is required when bus.driver is nats")
	}
	if cfg.Deadline.ResponseDays < 1 {
		return errors.New("deadline.response_days must be >= 1")
	}
	if cfg.Agents.Classification.BatchSize < 1 {
		return errors.New("agents.classification.batch_size must be >= 1")
	}
	if cfg.Agents.Classification.MaxConcurrentCalls < 1 {
		return errors.New("agents.classification.max_concurrent_calls must be >= 1")
	}
	if cfg.Orchestrator.MaxRestarts < 1 {
		return errors.New("orchestrator.max_restarts must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Classifier.BaseURL == "" {
		return errors.New("classifier.base_url is required")
	}
	if cfg.Classifier.Model == "" {
		return errors.New("classifier.model is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
