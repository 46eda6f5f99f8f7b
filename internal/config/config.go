package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Symbols the feed subscribes to
	Symbols []string

	// Mode
	Debug bool

	// Reconciliation loop
	TickInterval    time.Duration
	MaxTickFailures int
	FollowUpDelay   time.Duration
	RetryAttempts   int

	// Order sizing
	DefaultLot  decimal.Decimal
	PipSize     decimal.Decimal
	PipValue    decimal.Decimal
	SlippageBps int

	// Re-entry recovery
	RecoveryFraction         decimal.Decimal
	RecoveryWindow           time.Duration
	StopReductionPerLevel    decimal.Decimal
	StopDistanceFloor        decimal.Decimal
	MaxChainLevel            int
	MaxDailyRecoveries       int
	MaxDailyLoss             decimal.Decimal
	MaxConcurrentRecoveries  int
	ProfitProtectionMultiple decimal.Decimal
	EnableTPContinuation     bool

	// Profit pyramid
	PyramidEnabled       bool
	PyramidMultipliers   []int
	ProfitTargetUSD      decimal.Decimal
	PyramidStrict        bool
	MaxReconcileAttempts int

	// Metrics
	MetricsAddr string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Symbols
		Symbols: getEnvList("SYMBOLS", []string{"EURUSD"}),

		// Mode
		Debug: getEnvBool("DEBUG", false),

		// Reconciliation loop
		TickInterval:    getEnvDuration("TICK_INTERVAL", 30*time.Second),
		MaxTickFailures: getEnvInt("MAX_TICK_FAILURES", 10),
		FollowUpDelay:   getEnvDuration("FOLLOW_UP_DELAY", 5*time.Second),
		RetryAttempts:   getEnvInt("RETRY_ATTEMPTS", 3),

		// Order sizing
		DefaultLot:  getEnvDecimal("DEFAULT_LOT", decimal.NewFromFloat(0.01)),
		PipSize:     getEnvDecimal("PIP_SIZE", decimal.NewFromFloat(0.0001)),
		PipValue:    getEnvDecimal("PIP_VALUE", decimal.NewFromInt(10)),
		SlippageBps: getEnvInt("SLIPPAGE_BPS", 2),

		// Re-entry recovery
		RecoveryFraction:         getEnvDecimal("RECOVERY_FRACTION", decimal.NewFromFloat(0.70)),
		RecoveryWindow:           getEnvDuration("RECOVERY_WINDOW", 30*time.Minute),
		StopReductionPerLevel:    getEnvDecimal("STOP_REDUCTION_PER_LEVEL", decimal.NewFromFloat(0.10)),
		StopDistanceFloor:        getEnvDecimal("STOP_DISTANCE_FLOOR", decimal.NewFromFloat(0.50)),
		MaxChainLevel:            getEnvInt("MAX_CHAIN_LEVEL", 5),
		MaxDailyRecoveries:       getEnvInt("MAX_DAILY_RECOVERIES", 10),
		MaxDailyLoss:             getEnvDecimal("MAX_DAILY_RECOVERY_LOSS", decimal.Zero),
		MaxConcurrentRecoveries:  getEnvInt("MAX_CONCURRENT_RECOVERIES", 3),
		ProfitProtectionMultiple: getEnvDecimal("PROFIT_PROTECTION_MULTIPLE", decimal.NewFromFloat(2.0)),
		EnableTPContinuation:     getEnvBool("ENABLE_TP_CONTINUATION", true),

		// Profit pyramid
		PyramidEnabled:       getEnvBool("PYRAMID_ENABLED", true),
		PyramidMultipliers:   getEnvIntList("PYRAMID_MULTIPLIERS", []int{1, 2, 4, 8, 16}),
		ProfitTargetUSD:      getEnvDecimal("PROFIT_TARGET_USD", decimal.NewFromInt(10)),
		PyramidStrict:        getEnvBool("PYRAMID_STRICT", true),
		MaxReconcileAttempts: getEnvInt("MAX_RECONCILE_ATTEMPTS", 3),

		// Metrics
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "chainflow.db"),
	}

	// Telegram chat ID (optional, but must parse when set)
	if chatIDStr := os.Getenv("TELEGRAM_CHAT_ID"); chatIDStr != "" {
		chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = chatID
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	if len(c.PyramidMultipliers) == 0 {
		return fmt.Errorf("PYRAMID_MULTIPLIERS must list at least one level")
	}
	for _, m := range c.PyramidMultipliers {
		if m <= 0 {
			return fmt.Errorf("PYRAMID_MULTIPLIERS entries must be positive")
		}
	}
	if c.RecoveryFraction.LessThanOrEqual(decimal.Zero) || c.RecoveryFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("RECOVERY_FRACTION must be in (0, 1)")
	}
	if c.StopDistanceFloor.LessThanOrEqual(decimal.Zero) || c.StopDistanceFloor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("STOP_DISTANCE_FLOOR must be in (0, 1]")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getEnvIntList(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			i, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return defaultValue
			}
			out = append(out, i)
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
