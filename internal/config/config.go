package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// IncentiveThreshold is the reward (in whole currency units) under which
	// the reveal step requires the timed incentive wait.
	IncentiveThreshold int
	// IncentiveWait is how long the incentive interstitial holds the reveal.
	IncentiveWait time.Duration
	// RetentionWindow is how long completed requests stay feed-eligible.
	RetentionWindow time.Duration
	// RedactByDefault controls isHidden at creation for requests whose
	// reward clears the incentive threshold. Sub-threshold requests are
	// always created hidden.
	RedactByDefault bool

	// CurrentCity stands in for a live location fix.
	CurrentCity string

	ScanEndpoint string
	ScanAPIKey   string
	PushEndpoint string
	PushKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       15 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		KafkaTopic:         "request-events",
		IncentiveThreshold: 5,
		IncentiveWait:      5 * time.Second,
		RetentionWindow:    24 * time.Hour,
		RedactByDefault:    true,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.IncentiveThreshold, "INCENTIVE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.IncentiveWait, "INCENTIVE_WAIT", &errs)
	setDurationFromEnv(&cfg.RetentionWindow, "RETENTION_WINDOW", &errs)
	setBoolFromEnv(&cfg.RedactByDefault, "REDACT_BY_DEFAULT", &errs)

	setStringFromEnv(&cfg.CurrentCity, "CURRENT_CITY")
	setStringFromEnv(&cfg.ScanEndpoint, "SCAN_ENDPOINT")
	cfg.ScanAPIKey = os.Getenv("SCAN_API_KEY")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.IncentiveThreshold < 0 {
		errs = append(errs, fmt.Errorf("INCENTIVE_THRESHOLD must be >= 0"))
	}
	if cfg.IncentiveWait < 0 {
		errs = append(errs, fmt.Errorf("INCENTIVE_WAIT must be >= 0"))
	}
	if cfg.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
