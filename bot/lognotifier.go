package bot

import (
	"github.com/rs/zerolog/log"

	"github.com/traderops/chainflow/types"
)

// LogNotifier is the fallback notification sink when Telegram is not
// configured; every event lands in the structured log instead.
type LogNotifier struct{}

func (LogNotifier) NotifyRecoveryStarted(ev types.ChainEvent) {
	log.Info().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("price", ev.Price.String()).Str("reason", ev.Reason).Msg("🔁 Recovery started")
}

func (LogNotifier) NotifyRecoverySucceeded(ev types.ChainEvent) {
	log.Info().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("chain_pnl", ev.Amount.StringFixed(2)).Msg("✅ Recovery succeeded")
}

func (LogNotifier) NotifyRecoveryFailed(ev types.ChainEvent) {
	log.Warn().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("reason", ev.Reason).Msg("🛑 Recovery failed")
}

func (LogNotifier) NotifyChainLevelUp(ev types.ChainEvent) {
	log.Info().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("price", ev.Price.String()).Str("realized", ev.Amount.StringFixed(2)).Msg("📈 Chain level up")
}

func (LogNotifier) NotifyOrderBooked(ev types.ChainEvent) {
	log.Info().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("amount", ev.Amount.StringFixed(2)).Msg("💰 Order booked")
}

func (LogNotifier) NotifyChainStopped(ev types.ChainEvent) {
	log.Warn().Str("chain_id", ev.ChainID).Str("symbol", ev.Symbol).Int("level", ev.Level).
		Str("reason", ev.Reason).Msg("🛑 Chain stopped")
}

func (LogNotifier) NotifyOperator(message string) {
	log.Warn().Str("alert", message).Msg("🚨 Operator notification")
}
