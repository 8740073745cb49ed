// Package config loads addrcache server settings from defaults, an optional
// YAML file and ADDRCACHE_* environment variables, in that order.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

// Event backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// Config holds the server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// RESPAddr enables the Redis protocol front end when not empty.
	RESPAddr string `yaml:"resp_addr"`
	// MaxAge is expressed in TimeUnit. Zero disables expiry.
	MaxAge        int64         `yaml:"max_age"`
	TimeUnit      string        `yaml:"time_unit"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TakeTimeout bounds how long a take request waits. Zero waits until
	// the client goes away.
	TakeTimeout time.Duration `yaml:"take_timeout"`
	Events      Events        `yaml:"events"`
	Tracing     bool          `yaml:"tracing"`
	LogLevel    string        `yaml:"log_level"`
}

// Events selects where cache lifecycle events are published.
type Events struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	NATSURL   string `yaml:"nats_url"`
	// KafkaBrokers lists host:port pairs of the Kafka cluster.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Buffer       int      `yaml:"buffer"`
	// BreakerThreshold is the number of consecutive publish failures after
	// which a remote backend is skipped for BreakerCooldown. Zero disables
	// the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// Default returns the built-in configuration: entries live five seconds.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		MaxAge:        5,
		TimeUnit:      "seconds",
		SweepInterval: time.Second,
		Events: Events{
			Backend:          BackendMemory,
			Buffer:           64,
			BreakerThreshold: 5,
			BreakerCooldown:  10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path, if path is not empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ADDRCACHE_* variables found through lookup.
// A nil lookup uses os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("ADDRCACHE_LISTEN_ADDR", &c.ListenAddr)
	str("ADDRCACHE_RESP_ADDR", &c.RESPAddr)
	str("ADDRCACHE_TIME_UNIT", &c.TimeUnit)
	str("ADDRCACHE_EVENTS_BACKEND", &c.Events.Backend)
	str("ADDRCACHE_REDIS_ADDR", &c.Events.RedisAddr)
	str("ADDRCACHE_NATS_URL", &c.Events.NATSURL)
	str("ADDRCACHE_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("ADDRCACHE_KAFKA_BROKERS"); ok && v != "" {
		c.Events.KafkaBrokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Events.KafkaBrokers = append(c.Events.KafkaBrokers, b)
			}
		}
	}
	if v, ok := lookup("ADDRCACHE_MAX_AGE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ADDRCACHE_MAX_AGE: %w", err)
		}
		c.MaxAge = n
	}
	if v, ok := lookup("ADDRCACHE_TRACING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ADDRCACHE_TRACING: %w", err)
		}
		c.Tracing = b
	}
	if err := dur("ADDRCACHE_SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	return dur("ADDRCACHE_TAKE_TIMEOUT", &c.TakeTimeout)
}

// Validate checks the configuration for inconsistent values.
func (c Config) Validate() error {
	if c.MaxAge < 0 {
		return fmt.Errorf("config: max age must not be negative, got %d", c.MaxAge)
	}
	if _, err := c.MaxAgeDuration(); err != nil {
		return err
	}
	if c.TakeTimeout < 0 {
		return fmt.Errorf("config: take timeout must not be negative")
	}
	if c.Events.BreakerThreshold < 0 {
		return fmt.Errorf("config: breaker threshold must not be negative")
	}
	switch strings.ToLower(c.Events.Backend) {
	case "", BackendNone, BackendMemory:
	case BackendRedis:
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("config: redis backend requires redis_addr")
		}
	case BackendNATS:
		if c.Events.NATSURL == "" {
			return fmt.Errorf("config: nats backend requires nats_url")
		}
	case BackendKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("config: kafka backend requires kafka_brokers")
		}
	default:
		return fmt.Errorf("config: %q: %w", c.Events.Backend, warperrors.ErrUnknownBackend)
	}
	return nil
}

// MaxAgeDuration converts MaxAge and TimeUnit into a duration.
func (c Config) MaxAgeDuration() (time.Duration, error) {
	unit, err := ParseUnit(c.TimeUnit)
	if err != nil {
		return 0, err
	}
	if c.MaxAge > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("config: max age %d %s overflows a duration", c.MaxAge, c.TimeUnit)
	}
	return time.Duration(c.MaxAge) * unit, nil
}

// ParseUnit returns the duration of one unit named s, such as "seconds" or
// "MINUTES". Singular forms are accepted.
func ParseUnit(s string) (time.Duration, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "nanosecond":
		return time.Nanosecond, nil
	case "microsecond":
		return time.Microsecond, nil
	case "millisecond":
		return time.Millisecond, nil
	case "second":
		return time.Second, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("config: %q: %w", s, warperrors.ErrUnknownUnit)
}
