package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TickInterval != 30*time.Second {
		t.Fatalf("tick interval = %s", cfg.TickInterval)
	}
	if cfg.MaxTickFailures != 10 {
		t.Fatalf("max tick failures = %d", cfg.MaxTickFailures)
	}
	if !cfg.RecoveryFraction.Equal(decimal.NewFromFloat(0.70)) {
		t.Fatalf("recovery fraction = %s", cfg.RecoveryFraction)
	}
	if cfg.RecoveryWindow != 30*time.Minute {
		t.Fatalf("recovery window = %s", cfg.RecoveryWindow)
	}
	if len(cfg.PyramidMultipliers) != 5 || cfg.PyramidMultipliers[4] != 16 {
		t.Fatalf("multipliers = %v", cfg.PyramidMultipliers)
	}
	if cfg.MaxDailyRecoveries != 10 || cfg.MaxConcurrentRecoveries != 3 {
		t.Fatalf("limits = %d/%d", cfg.MaxDailyRecoveries, cfg.MaxConcurrentRecoveries)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("SYMBOLS", "EURUSD, GBPUSD")
	t.Setenv("PYRAMID_MULTIPLIERS", "1,3,9")
	t.Setenv("RECOVERY_FRACTION", "0.5")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TickInterval != 5*time.Second {
		t.Fatalf("tick interval = %s", cfg.TickInterval)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[1] != "GBPUSD" {
		t.Fatalf("symbols = %v", cfg.Symbols)
	}
	if len(cfg.PyramidMultipliers) != 3 || cfg.PyramidMultipliers[2] != 9 {
		t.Fatalf("multipliers = %v", cfg.PyramidMultipliers)
	}
	if !cfg.RecoveryFraction.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("recovery fraction = %s", cfg.RecoveryFraction)
	}
	if cfg.TelegramChatID != 12345 {
		t.Fatalf("chat id = %d", cfg.TelegramChatID)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("RECOVERY_FRACTION", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("recovery fraction 1.5 accepted")
	}

	t.Setenv("RECOVERY_FRACTION", "0.7")
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("invalid chat id accepted")
	}
}
