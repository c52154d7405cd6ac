package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type Config struct {
	Addr             string
	Environment      string
	CORSAllowOrigins string

	// Evolution-compatible messaging gateway.
	GatewayBaseURL string
	GatewayAPIKey  string
	GatewayTimeout time.Duration

	// Identity provider admin API.
	AuthBaseURL    string
	AuthServiceKey string

	// Downstream onboarding automation.
	OnboardingWebhookURL string

	// QR polling cadence for the connection flow.
	PollInterval time.Duration
	PollCeiling  time.Duration

	// Background status reconciliation (cron spec, with seconds field).
	ReconcileSpec string

	MySQL MySQLConfig
}

func Load() Config {
	port := getenv("PORT", "8080")

	return Config{
		Addr:             ":" + port,
		Environment:      getenv("ENVIRONMENT", "development"),
		CORSAllowOrigins: os.Getenv("CORS_ALLOW_ORIGINS"),

		GatewayBaseURL: strings.TrimRight(getenvFirst([]string{"EVOLUTION_API_URL", "GATEWAY_BASE_URL"}, "http://127.0.0.1:8084"), "/"),
		GatewayAPIKey:  strings.TrimSpace(getenvFirst([]string{"EVOLUTION_API_KEY", "GATEWAY_API_KEY"}, "")),
		GatewayTimeout: time.Duration(getenvInt("GATEWAY_TIMEOUT_SECONDS", 35, 1, 300)) * time.Second,

		AuthBaseURL:    strings.TrimRight(getenv("AUTH_BASE_URL", "http://127.0.0.1:9999"), "/"),
		AuthServiceKey: strings.TrimSpace(os.Getenv("AUTH_SERVICE_ROLE_KEY")),

		OnboardingWebhookURL: strings.TrimSpace(os.Getenv("N8N_WEBHOOK_URL")),

		PollInterval: time.Duration(getenvInt("QR_POLL_INTERVAL_SECONDS", 3, 1, 60)) * time.Second,
		PollCeiling:  time.Duration(getenvInt("QR_POLL_CEILING_SECONDS", 30, 5, 600)) * time.Second,

		ReconcileSpec: getenv("RECONCILE_CRON_SPEC", "0 * * * * *"),

		MySQL: MySQLConfig{
			Host:     getenv("DB_HOST", "127.0.0.1"),
			Port:     getenv("DB_PORT", "3306"),
			User:     getenv("DB_USER", "zappainel"),
			Password: getenv("DB_PASSWORD", "zappainel"),
			DBName:   getenv("DB_NAME", "zappainel"),
		},
	}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvFirst(keys []string, fallback string) string {
	for _, key := range keys {
		val := strings.TrimSpace(os.Getenv(key))
		if val != "" {
			return val
		}
	}
	return fallback
}

func getenvInt(key string, fallback int, min int, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if min > 0 && v < min {
		return fallback
	}
	if max > 0 && v > max {
		return fallback
	}
	return v
}
