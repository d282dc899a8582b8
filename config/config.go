package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Databases
	CostPostgresDSN    string // cost cache database (read-write)
	GatewayPostgresDSN string // gateway database (read-only, users/models)

	// Cache / rate limiting backend
	RedisAddr string

	// Billing API
	AWSRegion             string
	CECallBudgetPerMinute int64 // client-side cap on Cost Explorer calls, 0 disables

	// API surface
	HTTPRateLimitPerMinute int64 // per-client request cap on /v1, 0 disables

	// Write-back queue
	WritebackQueueSize int
	WritebackWorkers   int

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Demo mode serves canned data, no AWS/Postgres/redis needed
	DemoMode bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		CostPostgresDSN:      os.Getenv("COST_POSTGRES_DSN"),
		GatewayPostgresDSN:   os.Getenv("GATEWAY_POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		DemoMode:             os.Getenv("DEMO_MODE") == "true",
	}

	budget, err := getEnvInt64("CE_CALL_BUDGET_PER_MINUTE", 30)
	if err != nil {
		return nil, err
	}
	cfg.CECallBudgetPerMinute = budget

	httpLimit, err := getEnvInt64("HTTP_RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		return nil, err
	}
	cfg.HTTPRateLimitPerMinute = httpLimit

	queueSize, err := getEnvInt64("WRITEBACK_QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	cfg.WritebackQueueSize = int(queueSize)

	workers, err := getEnvInt64("WRITEBACK_WORKERS", 2)
	if err != nil {
		return nil, err
	}
	cfg.WritebackWorkers = int(workers)

	if !cfg.DemoMode {
		if cfg.CostPostgresDSN == "" {
			return nil, fmt.Errorf("COST_POSTGRES_DSN is required")
		}
		if cfg.GatewayPostgresDSN == "" {
			return nil, fmt.Errorf("GATEWAY_POSTGRES_DSN is required")
		}
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
