package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultPath = "configs/config.yaml"

type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Redis struct {
		URL                  string `yaml:"url"`
		TrustCacheTTLSeconds int    `yaml:"trust_cache_ttl_seconds"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers  []string `yaml:"brokers"`
		ClientID string   `yaml:"client_id"`
	} `yaml:"kafka"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Verification struct {
		Endpoint       string  `yaml:"endpoint"`
		UploadEndpoint string  `yaml:"upload_endpoint"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		MinConfidence  float64 `yaml:"min_confidence"`
		MaxAttempts    int     `yaml:"max_attempts"`
	} `yaml:"verification"`
	Matching struct {
		AmountTolerancePercent int `yaml:"amount_tolerance_percent"`
		DueDateWindowDays      int `yaml:"due_date_window_days"`
		CandidateLimit         int `yaml:"candidate_limit"`
	} `yaml:"matching"`
	Swaps struct {
		CommitWindowHours    int `yaml:"commit_window_hours"`
		ExecutionWindowHours int `yaml:"execution_window_hours"`
		ReminderLeadMinutes  int `yaml:"reminder_lead_minutes"`
	} `yaml:"swaps"`
	Worker struct {
		SweepIntervalSeconds  int `yaml:"sweep_interval_seconds"`
		SweepBatchSize        int `yaml:"sweep_batch_size"`
		LeaseTTLSeconds       int `yaml:"lease_ttl_seconds"`
		OutboxIntervalSeconds int `yaml:"outbox_interval_seconds"`
		OutboxBatchSize       int `yaml:"outbox_batch_size"`
		OutboxMaxAttempts     int `yaml:"outbox_max_attempts"`
	} `yaml:"worker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns a configuration with every tunable set. Connection strings
// stay empty.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeoutSeconds = 15
	cfg.DB.MaxConns = 10
	cfg.Redis.TrustCacheTTLSeconds = 30
	cfg.Kafka.ClientID = "billswap"
	cfg.Verification.TimeoutSeconds = 30
	cfg.Verification.MinConfidence = 0.80
	cfg.Verification.MaxAttempts = 3
	cfg.Matching.AmountTolerancePercent = 20
	cfg.Matching.DueDateWindowDays = 3
	cfg.Matching.CandidateLimit = 20
	cfg.Swaps.CommitWindowHours = 24
	cfg.Swaps.ExecutionWindowHours = 24
	cfg.Swaps.ReminderLeadMinutes = 120
	cfg.Worker.SweepIntervalSeconds = 60
	cfg.Worker.SweepBatchSize = 200
	cfg.Worker.LeaseTTLSeconds = 50
	cfg.Worker.OutboxIntervalSeconds = 2
	cfg.Worker.OutboxBatchSize = 100
	cfg.Worker.OutboxMaxAttempts = 10
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return &cfg
}

// Load reads the YAML file at path on top of Default and applies environment
// overrides. A missing file is only an error when the path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = defaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("config: db.dsn is required")
	}
	if c.Verification.MinConfidence <= 0 || c.Verification.MinConfidence > 1 {
		return errors.New("config: verification.min_confidence must be in (0, 1]")
	}
	if c.Matching.AmountTolerancePercent < 0 || c.Matching.AmountTolerancePercent >= 100 {
		return errors.New("config: matching.amount_tolerance_percent must be in [0, 100)")
	}
	if c.Swaps.CommitWindowHours <= 0 || c.Swaps.ExecutionWindowHours <= 0 {
		return errors.New("config: swap windows must be positive")
	}
	return nil
}

func (c *Config) CommitWindow() time.Duration {
	return time.Duration(c.Swaps.CommitWindowHours) * time.Hour
}

func (c *Config) ExecutionWindow() time.Duration {
	return time.Duration(c.Swaps.ExecutionWindowHours) * time.Hour
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.Swaps.ReminderLeadMinutes) * time.Minute
}

func (c *Config) DueDateWindow() time.Duration {
	return time.Duration(c.Matching.DueDateWindowDays) * 24 * time.Hour
}

func (c *Config) VerificationTimeout() time.Duration {
	return time.Duration(c.Verification.TimeoutSeconds) * time.Second
}

func (c *Config) TrustCacheTTL() time.Duration {
	return time.Duration(c.Redis.TrustCacheTTLSeconds) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Worker.LeaseTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Worker.SweepIntervalSeconds) * time.Second
}

func (c *Config) OutboxInterval() time.Duration {
	return time.Duration(c.Worker.OutboxIntervalSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	// DATABASE_URL wins over DB_DSN; the test harness and tooling export it.
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("VERIFY_ENDPOINT"); v != "" {
		cfg.Verification.Endpoint = v
	}
	if v := os.Getenv("UPLOAD_ENDPOINT"); v != "" {
		cfg.Verification.UploadEndpoint = v
	}
	if v := os.Getenv("VERIFY_MIN_CONFIDENCE"); v != "" {
		cfg.Verification.MinConfidence = atofOr(cfg.Verification.MinConfidence, v)
	}
	if v := os.Getenv("VERIFY_TIMEOUT_SECONDS"); v != "" {
		cfg.Verification.TimeoutSeconds = atoiOr(cfg.Verification.TimeoutSeconds, v)
	}
	if v := os.Getenv("COMMIT_WINDOW_HOURS"); v != "" {
		cfg.Swaps.CommitWindowHours = atoiOr(cfg.Swaps.CommitWindowHours, v)
	}
	if v := os.Getenv("EXECUTION_WINDOW_HOURS"); v != "" {
		cfg.Swaps.ExecutionWindowHours = atoiOr(cfg.Swaps.ExecutionWindowHours, v)
	}
	if v := os.Getenv("WORKER_SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.SweepIntervalSeconds = atoiOr(cfg.Worker.SweepIntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_OUTBOX_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.OutboxIntervalSeconds = atoiOr(cfg.Worker.OutboxIntervalSeconds, v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(def int, v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func atofOr(def float64, v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}
