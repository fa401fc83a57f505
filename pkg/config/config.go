package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading bot.
type Config struct {
	Port     string
	DBPath   string
	DryRun   bool
	Symbols  []string
	Language string

	// Market data
	UseMockFeed bool
	BarInterval time.Duration

	// Dry-run simulation
	InitialBalance       float64
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	DryRunSlippageBps    float64 // slippage applied on fills (bps)
	DryRunGwLatencyMinMs int     // simulated gateway latency lower bound
	DryRunGwLatencyMaxMs int     // simulated gateway latency upper bound

	// Execution coordinator
	MaxPendingOrders      int
	OrderTimeout          time.Duration
	ManualApprovalDefault bool
	ApprovalTimeout       time.Duration
	MaxRetries            int
	BrokerRateLimit       float64 // orders per second, 0 = unlimited

	// Risk
	KillSwitchEnabled    bool
	MaxLossPerDay        float64
	MaxDrawdownPercent   float64
	MaxConsecutiveLosses int

	StrategyConfig string

	// Logging
	LogLevel  string
	LogFormat string

	// Auth
	JWTSecret string

	// Event export
	KafkaBrokers []string
	KafkaTopic   string

	GRPCHealthAddr string
	InstanceID     string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/trading.db"),
		DryRun:                getEnv("DRY_RUN", "true") == "true",
		Symbols:               splitAndTrim(strings.ToUpper(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT"))),
		Language:              getEnv("LANGUAGE", "en"),
		UseMockFeed:           getEnv("USE_MOCK_FEED", "true") == "true",
		BarInterval:           getEnvDuration("BAR_INTERVAL", time.Minute),
		InitialBalance:        getEnvFloat("INITIAL_BALANCE", 10000.0),
		DryRunFeeRate:         getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DryRunSlippageBps:     getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DryRunGwLatencyMinMs:  getEnvInt("DRY_RUN_GATEWAY_LATENCY_MIN_MS", 0),
		DryRunGwLatencyMaxMs:  getEnvInt("DRY_RUN_GATEWAY_LATENCY_MAX_MS", 0),
		MaxPendingOrders:      getEnvInt("MAX_PENDING_ORDERS", 100),
		OrderTimeout:          time.Duration(getEnvInt("ORDER_TIMEOUT_SECONDS", 30)) * time.Second,
		ManualApprovalDefault: getEnv("MANUAL_APPROVAL_DEFAULT", "false") == "true",
		ApprovalTimeout:       time.Duration(getEnvInt("APPROVAL_TIMEOUT_SECONDS", 0)) * time.Second,
		MaxRetries:            getEnvInt("MAX_RETRIES", 3),
		BrokerRateLimit:       getEnvFloat("BROKER_RATE_LIMIT", 10),
		KillSwitchEnabled:     getEnv("KILL_SWITCH_ENABLED", "true") == "true",
		MaxLossPerDay:         getEnvFloat("MAX_LOSS_PER_DAY", 500),
		MaxDrawdownPercent:    getEnvFloat("MAX_DRAWDOWN_PERCENT", 20),
		MaxConsecutiveLosses:  getEnvInt("MAX_CONSECUTIVE_LOSSES", 5),
		StrategyConfig:        getEnv("STRATEGY_CONFIG", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		KafkaBrokers:          splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "trading-bot.events"),
		GRPCHealthAddr:        getEnv("GRPC_HEALTH_ADDR", ""),
		InstanceID:            os.Getenv("INSTANCE_ID"),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = hostInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the bot cannot start with.
func (c *Config) Validate() error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("config: SYMBOLS is empty")
	case c.InitialBalance <= 0:
		return fmt.Errorf("config: INITIAL_BALANCE must be positive")
	case c.MaxPendingOrders < 0:
		return fmt.Errorf("config: MAX_PENDING_ORDERS must not be negative")
	case c.OrderTimeout <= 0:
		return fmt.Errorf("config: ORDER_TIMEOUT_SECONDS must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("config: MAX_RETRIES must not be negative")
	case c.BarInterval <= 0:
		return fmt.Errorf("config: BAR_INTERVAL must be positive")
	case c.DryRunGwLatencyMaxMs < c.DryRunGwLatencyMinMs:
		return fmt.Errorf("config: gateway latency max below min")
	}
	if !c.DryRun {
		// only the paper broker ships with the bot
		return fmt.Errorf("config: DRY_RUN=false requires a live broker adapter, none is configured")
	}
	return nil
}

// hostInstanceID derives a stable per-host id so events and orders can be
// attributed after the fact.
func hostInstanceID() string {
	id, err := machineid.ProtectedID("trading-bot")
	if err != nil || id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		return host
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return id
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
