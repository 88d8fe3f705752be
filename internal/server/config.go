// Package server provides configuration helpers that define runtime defaults,
// environment/flag loading, and validation for the relay.
package server

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultAddr            = ":3001"
	defaultOrigin          = "http://localhost:3000"
	defaultMaxMessageSize  = 4096
	defaultSendBufferSize  = 256
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultRateBurst       = 20
	defaultRateInterval    = time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RELAY_RATE_LIMIT_BURST"    envDefault:"20"`
	RefillInterval time.Duration `env:"RELAY_RATE_LIMIT_INTERVAL" envDefault:"1s"`
}

// Config holds the relay configuration.
type Config struct {
	Addr            string          `env:"RELAY_ADDR"             envDefault:":3001"`
	AllowedOrigins  []string        `env:"RELAY_ALLOWED_ORIGINS"  envDefault:"http://localhost:3000" envSeparator:","`
	MaxMessageSize  int64           `env:"RELAY_MAX_MESSAGE_SIZE" envDefault:"4096"`
	SendBufferSize  int             `env:"RELAY_SEND_BUFFER"      envDefault:"256"`
	WriteWait       time.Duration   `env:"RELAY_WRITE_WAIT"       envDefault:"10s"`
	PongWait        time.Duration   `env:"RELAY_PONG_WAIT"        envDefault:"60s"`
	ShutdownTimeout time.Duration   `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	OTelEndpoint    string          `env:"RELAY_OTEL_ENDPOINT"`
	RateLimit       RateLimitConfig
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Addr:            defaultAddr,
		AllowedOrigins:  []string{defaultOrigin},
		MaxMessageSize:  defaultMaxMessageSize,
		SendBufferSize:  defaultSendBufferSize,
		WriteWait:       defaultWriteWait,
		PongWait:        defaultPongWait,
		ShutdownTimeout: defaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateInterval,
		},
	}
}

// ParseConfig loads environment defaults, then applies command-line flags on
// top of them. The result is sanitized.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("flag parser is required")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "relay HTTP listen address")
	fs.StringVar(&origins, "allowed-origins", origins, "comma separated list of allowed WebSocket origins (* allows any)")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "maximum inbound frame size in bytes")
	fs.IntVar(&cfg.SendBufferSize, "send-buffer", cfg.SendBufferSize, "per-connection outbound queue length")
	fs.DurationVar(&cfg.WriteWait, "write-wait", cfg.WriteWait, "per-frame write deadline")
	fs.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "read deadline extended by every pong")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	fs.IntVar(&cfg.RateLimit.Burst, "rate-limit-burst", cfg.RateLimit.Burst, "frames allowed per rate limit interval")
	fs.DurationVar(&cfg.RateLimit.RefillInterval, "rate-limit-interval", cfg.RateLimit.RefillInterval, "rate limit refill interval")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint; empty disables tracing")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = parseOrigins(origins)

	return sanitizeConfig(cfg), nil
}

// sanitizeConfig replaces non-positive values with defaults and normalizes origins.
func sanitizeConfig(cfg Config) Config {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRateInterval
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// pingPeriod is how often the writer pings; it must be shorter than PongWait.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
