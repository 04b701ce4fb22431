package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const configPathEnv = "ETL_CONFIG"

// Config holds all settings recognised by the pipeline. Values come from an
// optional YAML file pointed at by ETL_CONFIG, overridden by environment
// variables.
type Config struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"logLevel"`
	SentryDSN   string `yaml:"sentryDsn"`
	MetricsAddr string `yaml:"metricsAddr"`

	Enumeration EnumerationConfig `yaml:"enumeration"`
	Queue       QueueConfig       `yaml:"queue"`
	Workers     WorkersConfig     `yaml:"workers"`
	Scraper     ScraperConfig     `yaml:"scraper"`
	Redis       RedisConfig       `yaml:"redis"`
	Slack       SlackConfig       `yaml:"slack"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// EnumerationConfig bounds the work enumerator and its threshold policy.
type EnumerationConfig struct {
	StartDate          string  `yaml:"startDate"`   // YYYY-MM-DD, inclusive
	CurrentDate        string  `yaml:"currentDate"` // YYYY-MM-DD, inclusive; empty = today UTC
	ExpectedDailyCount int     `yaml:"expectedDailyCount"`
	MinCoverageRatio   float64 `yaml:"minCoverageRatio"`
}

// QueueConfig tunes lease, visibility and retry behaviour for both queues.
type QueueConfig struct {
	MaxRetries        int           `yaml:"maxRetries"`     // task retry budget before quarantine
	WorkMaxRetries    int           `yaml:"workMaxRetries"` // lease-loss budget before a work item is surfaced
	LeaseDuration     time.Duration `yaml:"leaseDuration"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
}

// WorkersConfig sizes the emitter and processor pools.
type WorkersConfig struct {
	Emitters   int `yaml:"emitters"`
	Processors int `yaml:"processors"`
}

// ScraperConfig controls the BBC collaborator.
type ScraperConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	UserAgent      string        `yaml:"userAgent"`
	RequestsPerSec float64       `yaml:"requestsPerSec"`
	Timeout        time.Duration `yaml:"timeout"`
	WriteRaw       bool          `yaml:"writeRaw"`
	WriteClean     bool          `yaml:"writeClean"`
}

// RedisConfig enables the optional dedup cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SlackConfig enables operator alerts when WebhookURL is set.
type SlackConfig struct {
	WebhookURL string `yaml:"webhookUrl"`
}

// ObservabilityConfig toggles the OpenTelemetry exporters.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPHeaders  string `yaml:"otlpHeaders"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// Load reads YAML configuration (if present) and applies environment
// overrides on top of defaults.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Cannot read config file, using defaults")
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Cannot parse config file, using defaults")
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func defaultConfig() Config {
	return Config{
		Port:        "8080",
		Env:         "development",
		LogLevel:    "info",
		MetricsAddr: ":9464",
		Enumeration: EnumerationConfig{
			ExpectedDailyCount: 40,
			MinCoverageRatio:   0.8,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			WorkMaxRetries:    5,
			LeaseDuration:     5 * time.Minute,
			VisibilityTimeout: 3 * time.Minute,
			RetryBaseDelay:    30 * time.Second,
			RetryMaxDelay:     15 * time.Minute,
		},
		Workers: WorkersConfig{
			Emitters:   2,
			Processors: 5,
		},
		Scraper: ScraperConfig{
			BaseURL:        "https://www.bbc.com",
			UserAgent:      "bbc-news-etl-pipeline/1.0",
			RequestsPerSec: 2,
			Timeout:        30 * time.Second,
			WriteRaw:       true,
			WriteClean:     true,
		},
		Observability: ObservabilityConfig{Enabled: true},
	}
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Port, "PORT")
	setString(&c.Env, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.SentryDSN, "SENTRY_DSN")
	setString(&c.MetricsAddr, "METRICS_ADDR")

	setString(&c.Enumeration.StartDate, "START_DATE")
	setString(&c.Enumeration.CurrentDate, "CURRENT_DATE")
	setInt(&c.Enumeration.ExpectedDailyCount, "EXPECTED_DAILY_COUNT")
	setFloat(&c.Enumeration.MinCoverageRatio, "MIN_COVERAGE_RATIO")

	setInt(&c.Queue.MaxRetries, "MAX_RETRIES")
	setInt(&c.Queue.WorkMaxRetries, "WORK_MAX_RETRIES")
	setDuration(&c.Queue.LeaseDuration, "LEASE_DURATION")
	setDuration(&c.Queue.VisibilityTimeout, "VISIBILITY_TIMEOUT")
	setDuration(&c.Queue.RetryBaseDelay, "RETRY_BASE_DELAY")
	setDuration(&c.Queue.RetryMaxDelay, "RETRY_MAX_DELAY")

	setInt(&c.Workers.Emitters, "EMITTER_WORKERS")
	setInt(&c.Workers.Processors, "PROCESSOR_WORKERS")

	setString(&c.Scraper.BaseURL, "SCRAPER_BASE_URL")
	setString(&c.Scraper.UserAgent, "SCRAPER_USER_AGENT")
	setFloat(&c.Scraper.RequestsPerSec, "SCRAPER_REQUESTS_PER_SEC")
	setDuration(&c.Scraper.Timeout, "SCRAPER_TIMEOUT")
	setBool(&c.Scraper.WriteRaw, "WRITE_RAW")
	setBool(&c.Scraper.WriteClean, "WRITE_CLEAN")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.Slack.WebhookURL, "SLACK_WEBHOOK_URL")

	setBool(&c.Observability.Enabled, "OBSERVABILITY_ENABLED")
	setString(&c.Observability.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Observability.OTLPHeaders, "OTEL_EXPORTER_OTLP_HEADERS")
	setBool(&c.Observability.OTLPInsecure, "OTEL_EXPORTER_OTLP_INSECURE")
}

// DateRange resolves the enumeration bounds. CURRENT_DATE defaults to today
// (UTC) when unset.
func (c *Config) DateRange(now time.Time) (start, end time.Time, err error) {
	if c.Enumeration.StartDate == "" {
		return start, end, fmt.Errorf("START_DATE is required")
	}
	start, err = time.ParseInLocation("2006-01-02", c.Enumeration.StartDate, time.UTC)
	if err != nil {
		return start, end, fmt.Errorf("invalid START_DATE %q: %w", c.Enumeration.StartDate, err)
	}

	if c.Enumeration.CurrentDate == "" {
		now = now.UTC()
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		end, err = time.ParseInLocation("2006-01-02", c.Enumeration.CurrentDate, time.UTC)
		if err != nil {
			return start, end, fmt.Errorf("invalid CURRENT_DATE %q: %w", c.Enumeration.CurrentDate, err)
		}
	}

	if end.Before(start) {
		return start, end, fmt.Errorf("CURRENT_DATE %s precedes START_DATE %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	return start, end, nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment variable, ignoring")
			return
		}
		*target = parsed
	}
}

func setFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid number in environment variable, ignoring")
			return
		}
		*target = parsed
	}
}

func setBool(target *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*target = true
	case "false", "0", "no":
		*target = false
	}
}

func setDuration(target *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment variable, ignoring")
			return
		}
		*target = parsed
	}
}
