// Package config содержит логику чтения конфигурации биллинг-сервиса Settee.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Адреса эндпоинта проверки чеков по умолчанию.
const (
	defaultVerifyURL        = "https://buy.itunes.apple.com/verifyReceipt"
	defaultSandboxVerifyURL = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// Config содержит параметры конфигурации биллинг-сервиса.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	AuthSecret       string `env:"AUTH_SECRET"`
	BundleID         string `env:"APP_BUNDLE_ID"`
	SharedSecret     string `env:"APPSTORE_SHARED_SECRET"`
	VerifyURL        string `env:"APPSTORE_VERIFY_URL"`
	SandboxVerifyURL string `env:"APPSTORE_SANDBOX_VERIFY_URL"`
	RootCertsPath    string `env:"APPSTORE_ROOT_CERTS"`
	SoftAccept       bool   `env:"APPSTORE_SOFT_ACCEPT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBundleID := cfg.BundleID
	envRootCertsPath := cfg.RootCertsPath

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BundleID, "b", "com.settee.app", "application bundle identifier")
	flag.StringVar(&cfg.RootCertsPath, "c", "", "path to PEM file with trusted root certificates")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBundleID != "" {
		cfg.BundleID = envBundleID
	}
	if envRootCertsPath != "" {
		cfg.RootCertsPath = envRootCertsPath
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = defaultVerifyURL
	}
	if cfg.SandboxVerifyURL == "" {
		cfg.SandboxVerifyURL = defaultSandboxVerifyURL
	}

	return cfg, nil
}
