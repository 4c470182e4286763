// Package config содержит логику чтения конфигурации сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации бэк-офиса магазина.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	GatewaySecret    string        `env:"GATEWAY_SECRET"`
	AdminTokenSecret string        `env:"ADMIN_TOKEN_SECRET"`
	AmountTolerance  int64         `env:"AMOUNT_TOLERANCE"`
	SignatureMaxSkew time.Duration `env:"SIGNATURE_MAX_SKEW"`
	PushRetryMax     int           `env:"PUSH_RETRY_MAX"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewaySecret := cfg.GatewaySecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewaySecret, "g", "", "payment gateway shared secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewaySecret != "" {
		cfg.GatewaySecret = envGatewaySecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.SignatureMaxSkew <= 0 {
		cfg.SignatureMaxSkew = 5 * time.Minute
	}
	if cfg.PushRetryMax <= 0 {
		cfg.PushRetryMax = 3
	}

	return cfg, nil
}
