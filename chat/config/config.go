package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/wricardo/mcp-training/chatrelay/chat/store"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// minInterval bounds the idle timeout and sweep interval from below.
const minInterval = time.Second

// Environment variable names.
const (
	EnvAddr                  = "CHAT_ADDR"
	EnvRedisURL              = "REDIS_URL"
	EnvSoftCap               = "CHAT_SOFT_CAP"
	EnvMaxCap                = "CHAT_MAX_CAP"
	EnvIdleTimeout           = "CHAT_IDLE_TIMEOUT"
	EnvSweepInterval         = "CHAT_SWEEP_INTERVAL"
	EnvStatusRefreshInterval = "CHAT_STATUS_REFRESH_INTERVAL"
	EnvStoreTimeout          = "CHAT_STORE_TIMEOUT"
	EnvMaxMessageSize        = "CHAT_MAX_MESSAGE_SIZE"
	EnvTicketKeyPrefix       = "CHAT_TICKET_KEY_PREFIX"
	EnvTicketIndexKey        = "CHAT_TICKET_INDEX_KEY"
	EnvWaitingUserKeyPrefix  = "CHAT_WAITING_USER_KEY_PREFIX"
	EnvStatusKey             = "CHAT_STATUS_KEY"
	EnvLogLevel              = "LOG_LEVEL"
	EnvLogFormat             = "LOG_FORMAT"
)

// Config is the full set of relay settings.
type Config struct {
	Addr     string
	RedisURL string

	SoftCap int
	MaxCap  int

	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	StatusRefreshInterval time.Duration
	StoreTimeout          time.Duration
	MaxMessageSize        int64

	Keys store.Keys

	LogLevel  string
	LogFormat string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:                  ":8081",
		RedisURL:              "redis://localhost:6379/0",
		SoftCap:               100,
		MaxCap:                150,
		IdleTimeout:           2 * time.Minute,
		SweepInterval:         15 * time.Second,
		StatusRefreshInterval: 30 * time.Second,
		StoreTimeout:          5 * time.Second,
		MaxMessageSize:        64 * 1024,
		Keys:                  store.DefaultKeys(),
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

// LookupFunc reads one variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load overlays variables found through lookup on Default and validates the
// result.
func Load(lookup LookupFunc) (Config, error) {
	cfg := Default()
	l := loader{lookup: lookup}

	l.str(EnvAddr, &cfg.Addr)
	l.str(EnvRedisURL, &cfg.RedisURL)
	l.int(EnvSoftCap, &cfg.SoftCap)
	l.int(EnvMaxCap, &cfg.MaxCap)
	l.duration(EnvIdleTimeout, &cfg.IdleTimeout)
	l.duration(EnvSweepInterval, &cfg.SweepInterval)
	l.duration(EnvStatusRefreshInterval, &cfg.StatusRefreshInterval)
	l.duration(EnvStoreTimeout, &cfg.StoreTimeout)
	l.int64(EnvMaxMessageSize, &cfg.MaxMessageSize)
	l.str(EnvTicketKeyPrefix, &cfg.Keys.TicketPrefix)
	l.str(EnvTicketIndexKey, &cfg.Keys.TicketIndex)
	l.str(EnvWaitingUserKeyPrefix, &cfg.Keys.WaitingUserPrefix)
	l.str(EnvStatusKey, &cfg.Keys.Status)
	l.str(EnvLogLevel, &cfg.LogLevel)
	l.str(EnvLogFormat, &cfg.LogFormat)

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	var problems []string

	if c.Addr == "" {
		problems = append(problems, "listen address is empty")
	}
	if c.RedisURL == "" {
		problems = append(problems, "redis url is empty")
	}
	if c.SoftCap < 0 || c.MaxCap < 0 {
		problems = append(problems, "caps must not be negative")
	}
	if c.SoftCap > 0 && c.MaxCap > 0 && c.SoftCap > c.MaxCap {
		problems = append(problems, fmt.Sprintf("soft cap %d exceeds max cap %d", c.SoftCap, c.MaxCap))
	}
	if c.IdleTimeout < minInterval {
		problems = append(problems, fmt.Sprintf("idle timeout must be at least %s", minInterval))
	}
	if c.SweepInterval < minInterval {
		problems = append(problems, fmt.Sprintf("sweep interval must be at least %s", minInterval))
	}
	if c.StatusRefreshInterval < 0 {
		problems = append(problems, "status refresh interval must not be negative")
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "store timeout must be positive")
	}
	if c.MaxMessageSize <= 0 {
		problems = append(problems, "max message size must be positive")
	}
	if c.Keys.TicketPrefix == "" || c.Keys.TicketIndex == "" || c.Keys.WaitingUserPrefix == "" || c.Keys.Status == "" {
		problems = append(problems, "store key names must not be empty")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

type loader struct {
	lookup LookupFunc
	errs   []error
}

func (l *loader) value(key string) (string, bool) {
	v, ok := l.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.value(key); ok {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (l *loader) int64(key string, dst *int64) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	// A bare number would be read as nanoseconds; "0" is the only one allowed.
	if _, err := cast.ToFloat64E(v); err == nil && v != "0" {
		l.errs = append(l.errs, fmt.Errorf("%s: duration %q has no unit", key, v))
		return
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
