// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/deltaquant/optioncollector/internal/errs"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

// Config represents the collector configuration
type Config struct {
	Currency             string `env:"CURRENCY" required:"true"`
	DatabaseURL          string `env:"DATABASE_URL" required:"true"`
	SessionCount         int    `env:"SESSION_COUNT" default:"3"`
	SessionCap           int    `env:"SESSION_CAP" default:"500"`
	BufferCapacityQuotes int    `env:"BUFFER_CAPACITY_QUOTES" default:"200000"`
	BufferCapacityTrades int    `env:"BUFFER_CAPACITY_TRADES" default:"100000"`
	BufferCapacityDepth  int    `env:"BUFFER_CAPACITY_DEPTH" default:"50000"`
	FlushIntervalSec     int    `env:"FLUSH_INTERVAL_SEC" default:"3"`
	DepthIntervalSec     int    `env:"DEPTH_INTERVAL_SEC" default:"300"`
	LifecycleIntervalSec int    `env:"LIFECYCLE_INTERVAL_SEC" default:"300"`
	RebalanceIntervalSec int    `env:"REBALANCE_INTERVAL_SEC" default:"3600"`
	ExpiryBufferMin      int    `env:"EXPIRY_BUFFER_MIN" default:"5"`
	RateLimitRPS         int    `env:"RATE_LIMIT_RPS" default:"20"`
	BasePort             int    `env:"BASE_PORT" default:"8000"`
	LogLevel             string `env:"LOG_LEVEL" default:"info"`
	PostgresLogLevel     string `env:"PG_LOG_LEVEL" default:"warn"`
	DeribitWsURL         string `env:"DERIBIT_WS_URL" default:"wss://www.deribit.com/ws/api/v2"`
	DeribitAPIURL        string `env:"DERIBIT_API_URL" default:"https://www.deribit.com/api/v2"`
	RedisHost            string `env:"REDIS_HOST" default:"localhost"`
	RedisPort            string `env:"REDIS_PORT" default:"6379"`
	RedisPassword        string `env:"REDIS_PASSWORD" default:""`
	CollectorID          string `env:"COLLECTOR_ID" default:""`
}

var (
	SingleLine string = "--------------------------------------------------"
)

var (
	instance *Config
	once     sync.Once
	err      error
)

// Get returns the collector configuration
func Get() (*Config, error) {
	zaplogger.Info(SingleLine)
	zaplogger.Info("Loading Configuration")

	once.Do(func() {
		instance, err = loadConfig()
	})
	return instance, err
}

// loadConfig loads configuration from environment variables
func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	cfg.Currency = strings.ToUpper(cfg.Currency)
	if cfg.CollectorID == "" {
		cfg.CollectorID = "collector-" + strings.ToLower(cfg.Currency)
	}
	if cfg.SessionCount < 1 {
		return nil, errs.Config("SESSION_COUNT must be at least 1")
	}
	if cfg.BufferCapacityQuotes < 1 {
		return nil, errs.Config("BUFFER_CAPACITY_QUOTES must be at least 1")
	}
	if cfg.BufferCapacityTrades < 1 {
		return nil, errs.Config("BUFFER_CAPACITY_TRADES must be at least 1")
	}
	if cfg.BufferCapacityDepth < 1 {
		return nil, errs.Config("BUFFER_CAPACITY_DEPTH must be at least 1")
	}
	// Sweeps shorter than a minute cannot complete inside the rate limit.
	if cfg.DepthIntervalSec < 60 {
		cfg.DepthIntervalSec = 60
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(c).Elem()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		envTag := field.Tag.Get("env")
		if envTag == "" {
			return fmt.Errorf("missing env tag for field %s", field.Name)
		}

		value := os.Getenv(envTag)
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return errs.Config(fmt.Sprintf("env variable %s is required but not set", envTag))
			}
			value = field.Tag.Get("default")
		}

		switch field.Type.Kind() {
		case reflect.String:
			v.Field(i).SetString(value)
		case reflect.Int:
			n, err := strconv.Atoi(value)
			if err != nil {
				return errs.Config(fmt.Sprintf("env variable %s must be an integer, got %q", envTag, value))
			}
			v.Field(i).SetInt(int64(n))
		default:
			return fmt.Errorf("unsupported config field type for %s", field.Name)
		}
	}

	return nil
}

// String returns the configuration as a string
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n--------------------------------------\n")
	sb.WriteString("Configuration:\n")
	sb.WriteString("--------------------------------------\n")

	t := reflect.TypeOf(*c)
	v := reflect.ValueOf(*c)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		var value string
		switch field.Type.Kind() {
		case reflect.Int:
			value = strconv.FormatInt(v.Field(i).Int(), 10)
		default:
			value = v.Field(i).String()
		}

		// Mask sensitive fields
		value = maskSensitiveField(field.Name, value)
		sb.WriteString(fmt.Sprintf("  %s:  %s\n", field.Name, value))
	}

	sb.WriteString("--------------------------------------\n")

	return sb.String()
}

func maskSensitiveField(fieldName, value string) string {
	sensitiveFields := []string{"token", "dsn", "secret", "password", "databaseurl"}

	fieldNameLower := strings.ToLower(fieldName)
	for _, sensitive := range sensitiveFields {
		if strings.Contains(fieldNameLower, sensitive) {
			return maskValue(value)
		}
	}

	return value
}

func maskValue(value string) string {
	if len(value) <= 3 {
		return strings.Repeat("*", 7)
	}
	return value[:3] + strings.Repeat("*", 7)
}
