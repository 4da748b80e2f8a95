// Package config содержит логику чтения конфигурации сервиса статусов заказов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса статусов заказов.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	AMQPURL        string `env:"AMQP_URL"`
	MailGatewayURL string `env:"MAIL_GATEWAY_URL"`

	ProgressTickInterval time.Duration `env:"PROGRESS_TICK_INTERVAL" envDefault:"1s"`
	ProgressStep         int           `env:"PROGRESS_STEP" envDefault:"2"`
	ProgressCeiling      time.Duration `env:"PROGRESS_CEILING" envDefault:"15m"`
	ProgressRestartDelay time.Duration `env:"PROGRESS_RESTART_DELAY" envDefault:"1s"`

	OTPTTL       time.Duration `env:"OTP_TTL" envDefault:"5m"`
	OTPRetention time.Duration `env:"OTP_RETENTION" envDefault:"1h"`
}

// Parse считывает конфигурацию из файла .env, переменных окружения и флагов командной строки.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAMQPURL := cfg.AMQPURL
	envMailGatewayURL := cfg.MailGatewayURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AMQPURL, "m", "", "RabbitMQ URL for order events")
	flag.StringVar(&cfg.MailGatewayURL, "n", "", "mail gateway address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAMQPURL != "" {
		cfg.AMQPURL = envAMQPURL
	}
	if envMailGatewayURL != "" {
		cfg.MailGatewayURL = envMailGatewayURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProgressTickInterval <= 0 || c.ProgressCeiling <= 0 || c.ProgressRestartDelay <= 0 {
		return errors.New("progress intervals must be positive")
	}
	if c.ProgressStep <= 0 {
		return errors.New("progress step must be positive")
	}
	if c.OTPTTL <= 0 || c.OTPRetention <= 0 {
		return errors.New("otp durations must be positive")
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
