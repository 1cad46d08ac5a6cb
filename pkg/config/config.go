package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string
	Host string
	WSPort string
	LogLevel string
	FrontendURL string

	// Broker (Deribit-style JSON-RPC over WSS)
	BrokerEndpoint   string
	BrokerTestnet    bool
	BrokerAPIKey     string
	BrokerAPISecret  string
	BrokerSymbols    []string
	UseMockFeed      bool

	// External strategy bridge (gRPC)
	EnableExternalStrategy bool
	ExternalStrategyAddr   string

	// Execution
	DryRun           bool
	ExecutionEnabled bool

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Rate limiting (C1)
	RateLimitReadRPS       float64
	RateLimitReadBurst     int
	RateLimitWriteRPS      float64
	RateLimitWriteBurst    int
	RateLimitSubscribeRPS  float64
	RateLimitSubscribeBurst int

	// HTTP rate limiting (per client, §6 env vars)
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Reconciliation (C7)
	ReconcileInterval  time.Duration
	AutoCloseUnknown   bool

	// Orchestrator (C10)
	MaxWorkersFree       int
	MaxWorkersBasic      int
	MaxWorkersPro        int
	MaxWorkersEnterprise int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Host:        getEnv("HOST", "0.0.0.0"),
		WSPort:      getEnv("WS_PORT", "8081"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		BrokerEndpoint:  getEnv("BROKER_ENDPOINT", "wss://www.deribit.com/ws/api/v2"),
		BrokerTestnet:   getEnv("BROKER_TESTNET", "true") == "true",
		BrokerAPIKey:    os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret: os.Getenv("BROKER_API_SECRET"),
		BrokerSymbols:   splitAndTrim(getEnv("BROKER_SYMBOLS", "BTC-PERPETUAL,ETH-PERPETUAL")),
		UseMockFeed:     getEnv("USE_MOCK_FEED", "true") == "true",

		EnableExternalStrategy: getEnv("ENABLE_EXTERNAL_STRATEGY", "false") == "true",
		ExternalStrategyAddr:   getEnv("EXTERNAL_STRATEGY_ADDR", "localhost:50051"),

		DryRun:           getEnv("DRY_RUN", "false") == "true",
		ExecutionEnabled: getEnv("EXECUTION_ENABLED", "true") == "true",

		DBPath: dbPath,

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		RateLimitReadRPS:        getEnvFloat("RATE_LIMIT_READ_RPS", 20),
		RateLimitReadBurst:      getEnvInt("RATE_LIMIT_READ_BURST", 20),
		RateLimitWriteRPS:       getEnvFloat("RATE_LIMIT_WRITE_RPS", 10),
		RateLimitWriteBurst:     getEnvInt("RATE_LIMIT_WRITE_BURST", 10),
		RateLimitSubscribeRPS:   getEnvFloat("RATE_LIMIT_SUBSCRIBE_RPS", 5),
		RateLimitSubscribeBurst: getEnvInt("RATE_LIMIT_SUBSCRIBE_BURST", 5),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 300),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 60*time.Second),
		AutoCloseUnknown:  getEnv("AUTO_CLOSE_UNKNOWN_POSITIONS", "false") == "true",

		MaxWorkersFree:       getEnvInt("MAX_WORKERS_FREE", 1),
		MaxWorkersBasic:      getEnvInt("MAX_WORKERS_BASIC", 3),
		MaxWorkersPro:        getEnvInt("MAX_WORKERS_PRO", 10),
		MaxWorkersEnterprise: getEnvInt("MAX_WORKERS_ENTERPRISE", 50),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
