// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap/zapcore"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	APIPort       int
	MetricsPort   int

	// HTTP
	MaxUploadBytes int64
	RequestTimeout time.Duration

	// Broker
	BrokerHost string
	BrokerPort int
	BrokerUser string
	BrokerPass string

	// Storage
	DatabaseURL string
	BlobRoot    string

	// Classifier
	ClassifierURL              string
	ClassifierTimeout          time.Duration
	BreakerFailureThreshold    int
	BreakerOpenDuration        time.Duration
	BreakerHalfOpenMaxAttempts int

	// DLQ reprocessor
	DLQEnabled        bool
	DLQMaxRetryCycles int
	DLQBaseDelay      time.Duration
	DLQMaxDelay       time.Duration

	// Stale-document sweeper
	SweepEnabled    bool
	SweepSchedule   string
	SweepMinAge     time.Duration
	SweepBatchLimit int

	// Logging
	LogLevel  string
	LogPretty bool
}

// BrokerURL assembles the AMQP URI from the broker host, port, and
// credentials, escaping the credentials as needed.
func (c *EnvConfig) BrokerURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.BrokerUser, c.BrokerPass),
		Host:   net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort)),
		Path:   "/",
	}
	return u.String()
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every missing or invalid value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("DOCSIFT_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("DOCSIFT_API_PORT", 8080, &errs)
	cfg.MetricsPort = envInt("DOCSIFT_METRICS_PORT", 9090, &errs)

	// --- HTTP ---
	cfg.MaxUploadBytes = envInt64("DOCSIFT_MAX_UPLOAD_BYTES", 50<<20, &errs)
	cfg.RequestTimeout = envDuration("DOCSIFT_REQUEST_TIMEOUT", 60*time.Second, &errs)

	// --- Broker (credentials have no defaults) ---
	cfg.BrokerHost = envStr("DOCSIFT_BROKER_HOST", "localhost")
	cfg.BrokerPort = envInt("DOCSIFT_BROKER_PORT", 5672, &errs)
	brokerUser, hasBrokerUser := os.LookupEnv("DOCSIFT_BROKER_USER")
	brokerPass, hasBrokerPass := os.LookupEnv("DOCSIFT_BROKER_PASS")
	cfg.BrokerUser = brokerUser
	cfg.BrokerPass = brokerPass

	// --- Storage ---
	cfg.DatabaseURL = envStr("DOCSIFT_DATABASE_URL", "sqlite:data/docsift.db")
	cfg.BlobRoot = envStr("DOCSIFT_BLOB_ROOT", "data/blobs")

	// --- Classifier ---
	cfg.ClassifierURL = strings.TrimSpace(envStr("DOCSIFT_CLASSIFIER_URL", "http://localhost:8000"))
	cfg.ClassifierTimeout = envDuration("DOCSIFT_CLASSIFIER_TIMEOUT", 5*time.Minute, &errs)
	cfg.BreakerFailureThreshold = envInt("DOCSIFT_BREAKER_FAILURE_THRESHOLD", 5, &errs)
	cfg.BreakerOpenDuration = envDuration("DOCSIFT_BREAKER_OPEN_DURATION", 30*time.Second, &errs)
	cfg.BreakerHalfOpenMaxAttempts = envInt("DOCSIFT_BREAKER_HALF_OPEN_MAX_ATTEMPTS", 1, &errs)

	// --- DLQ reprocessor ---
	cfg.DLQEnabled = envBool("DOCSIFT_DLQ_ENABLED", true, &errs)
	cfg.DLQMaxRetryCycles = envInt("DOCSIFT_DLQ_MAX_RETRY_CYCLES", 5, &errs)
	cfg.DLQBaseDelay = envDuration("DOCSIFT_DLQ_BASE_DELAY", time.Second, &errs)
	cfg.DLQMaxDelay = envDuration("DOCSIFT_DLQ_MAX_DELAY", 5*time.Minute, &errs)

	// --- Sweeper ---
	cfg.SweepEnabled = envBool("DOCSIFT_SWEEP_ENABLED", false, &errs)
	cfg.SweepSchedule = envStr("DOCSIFT_SWEEP_SCHEDULE", "@every 10m")
	cfg.SweepMinAge = envDuration("DOCSIFT_SWEEP_MIN_AGE", 30*time.Minute, &errs)
	cfg.SweepBatchLimit = envInt("DOCSIFT_SWEEP_BATCH_LIMIT", 100, &errs)

	// --- Logging ---
	cfg.LogLevel = envStr("DOCSIFT_LOG_LEVEL", "info")
	cfg.LogPretty = envBool("DOCSIFT_LOG_PRETTY", false, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "DOCSIFT_LISTEN_ADDRESS must not be empty")
	}
	validatePort("DOCSIFT_API_PORT", cfg.APIPort, &errs)
	validatePort("DOCSIFT_METRICS_PORT", cfg.MetricsPort, &errs)
	if cfg.APIPort == cfg.MetricsPort {
		errs = append(errs, "DOCSIFT_METRICS_PORT must differ from DOCSIFT_API_PORT")
	}
	if cfg.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Sprintf("DOCSIFT_MAX_UPLOAD_BYTES: must be positive, got %d", cfg.MaxUploadBytes))
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "DOCSIFT_REQUEST_TIMEOUT must be positive")
	}

	validatePort("DOCSIFT_BROKER_PORT", cfg.BrokerPort, &errs)
	if !hasBrokerUser || cfg.BrokerUser == "" {
		errs = append(errs, "DOCSIFT_BROKER_USER must be set (no default)")
	}
	if !hasBrokerPass || cfg.BrokerPass == "" {
		errs = append(errs, "DOCSIFT_BROKER_PASS must be set (no default)")
	}

	if !strings.HasPrefix(cfg.DatabaseURL, "sqlite:") && !strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		errs = append(errs, fmt.Sprintf("DOCSIFT_DATABASE_URL: unsupported scheme in %q (expect sqlite: or postgres://)", cfg.DatabaseURL))
	}
	if strings.TrimSpace(cfg.BlobRoot) == "" {
		errs = append(errs, "DOCSIFT_BLOB_ROOT must not be empty")
	}

	if u, err := url.Parse(cfg.ClassifierURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("DOCSIFT_CLASSIFIER_URL: invalid URL %q (expect http or https)", cfg.ClassifierURL))
	}
	if cfg.ClassifierTimeout <= 0 {
		errs = append(errs, "DOCSIFT_CLASSIFIER_TIMEOUT must be positive")
	}
	validatePositive("DOCSIFT_BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold, &errs)
	if cfg.BreakerOpenDuration <= 0 {
		errs = append(errs, "DOCSIFT_BREAKER_OPEN_DURATION must be positive")
	}
	validatePositive("DOCSIFT_BREAKER_HALF_OPEN_MAX_ATTEMPTS", cfg.BreakerHalfOpenMaxAttempts, &errs)

	if cfg.DLQMaxRetryCycles < 0 {
		errs = append(errs, fmt.Sprintf("DOCSIFT_DLQ_MAX_RETRY_CYCLES: must be >= 0, got %d", cfg.DLQMaxRetryCycles))
	}
	if cfg.DLQBaseDelay <= 0 {
		errs = append(errs, "DOCSIFT_DLQ_BASE_DELAY must be positive")
	}
	if cfg.DLQMaxDelay < cfg.DLQBaseDelay {
		errs = append(errs, "DOCSIFT_DLQ_MAX_DELAY must be greater than or equal to DOCSIFT_DLQ_BASE_DELAY")
	}

	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("DOCSIFT_SWEEP_SCHEDULE: invalid cron expression %q: %v", cfg.SweepSchedule, err))
	}
	if cfg.SweepMinAge <= 0 {
		errs = append(errs, "DOCSIFT_SWEEP_MIN_AGE must be positive")
	}
	validatePositive("DOCSIFT_SWEEP_BATCH_LIMIT", cfg.SweepBatchLimit, &errs)

	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("DOCSIFT_LOG_LEVEL: invalid level %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envInt64(key string, defaultVal int64, errs *[]string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
