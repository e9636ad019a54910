package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	DatabaseURL             string   `env:"DATABASE_URL,required"`
	RedisURL                string   `env:"REDIS_URL,required"`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
	SessionCapMinutes       int      `env:"SESSION_CAP_MINUTES" envDefault:"120"`
	WarningThresholdMinutes int      `env:"WARNING_THRESHOLD_MINUTES" envDefault:"2"`
	ExtensionMinutes        int      `env:"EXTENSION_MINUTES" envDefault:"10"`
	MaxExtensions           int      `env:"MAX_EXTENSIONS" envDefault:"3"`
	MetricsIntervalSeconds  int      `env:"METRICS_INTERVAL_SECONDS" envDefault:"30"`
	TimeoutCheckSeconds     int      `env:"TIMEOUT_CHECK_SECONDS" envDefault:"15"`
	STUNURLs                []string `env:"STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	RateLimitPerMin         int      `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
}

func (c *Config) SessionCap() time.Duration {
	return time.Duration(c.SessionCapMinutes) * time.Minute
}

func (c *Config) WarningThreshold() time.Duration {
	return time.Duration(c.WarningThresholdMinutes) * time.Minute
}

func (c *Config) Extension() time.Duration {
	return time.Duration(c.ExtensionMinutes) * time.Minute
}

func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSeconds) * time.Second
}

func (c *Config) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.TimeoutCheckSeconds) * time.Second
}

// HardCeiling is the longest any session may run once every extension
// has been granted. The server-side sweep ends sessions past it.
func (c *Config) HardCeiling() time.Duration {
	return c.SessionCap() + time.Duration(c.MaxExtensions)*c.Extension()
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if c.SessionCapMinutes <= 0 {
		return fmt.Errorf("SESSION_CAP_MINUTES must be positive")
	}
	if c.WarningThresholdMinutes <= 0 || c.WarningThresholdMinutes >= c.SessionCapMinutes {
		return fmt.Errorf("WARNING_THRESHOLD_MINUTES must be between 1 and SESSION_CAP_MINUTES-1")
	}
	if c.ExtensionMinutes <= 0 {
		return fmt.Errorf("EXTENSION_MINUTES must be positive")
	}
	if c.MaxExtensions < 0 {
		return fmt.Errorf("MAX_EXTENSIONS must not be negative")
	}
	if c.MetricsIntervalSeconds <= 0 {
		return fmt.Errorf("METRICS_INTERVAL_SECONDS must be positive")
	}
	if c.TimeoutCheckSeconds <= 0 {
		return fmt.Errorf("TIMEOUT_CHECK_SECONDS must be positive")
	}

	if c.ExtensionMinutes < c.WarningThresholdMinutes {
		log.Warn().
			Int("extensionMinutes", c.ExtensionMinutes).
			Int("warningThresholdMinutes", c.WarningThresholdMinutes).
			Msg("extension shorter than warning threshold: an extended session re-warns immediately")
	}
	if len(c.STUNURLs) == 0 {
		log.Warn().Msg("STUN_URLS is empty: peers behind NAT may fail to connect")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
