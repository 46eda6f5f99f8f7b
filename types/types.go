package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Position model, lifecycle states, signals
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a trade
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the opposing direction
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// TradeRole tags what job a leg performs within its chains
type TradeRole string

const (
	RoleTPTrailing     TradeRole = "TP_TRAILING"     // Primary leg, trailing toward target
	RoleProfitTrailing TradeRole = "PROFIT_TRAILING" // Secondary leg, seeds a profit chain
	RoleRecovery       TradeRole = "RECOVERY"        // Re-entry placed after an SL hunt or continuation
	RoleProfitLevel    TradeRole = "PROFIT_LEVEL"    // Pyramid order opened at a chain level
)

// TradeStatus lifecycle
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// CloseReason records why a trade left the book
type CloseReason string

const (
	CloseStopLoss      CloseReason = "STOP_LOSS"
	CloseTakeProfit    CloseReason = "TAKE_PROFIT"
	CloseTrendReversal CloseReason = "TREND_REVERSAL"
	CloseManual        CloseReason = "MANUAL"
	CloseBooked        CloseReason = "BOOKED" // Single pyramid order booked at its profit target
)

// SkipReason classifies why an execution attempt was withheld.
// Skips are normal outcomes, never errors; each cause keeps its own
// value so a daily-limit skip stays distinguishable from a trend
// rejection downstream.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipChainState       SkipReason = "CHAIN_STATE"
	SkipChainGone        SkipReason = "CHAIN_GONE"
	SkipDailyAttempts    SkipReason = "DAILY_ATTEMPT_LIMIT"
	SkipDailyLoss        SkipReason = "DAILY_LOSS_LIMIT"
	SkipConcurrentLimit  SkipReason = "CONCURRENT_RECOVERY_LIMIT"
	SkipProfitProtection SkipReason = "PROFIT_PROTECTION"
	SkipTrendMisaligned  SkipReason = "TREND_MISALIGNED"
)

// Trade represents one broker order/position
type Trade struct {
	ID          string
	Symbol      string
	Direction   Direction
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TargetPrice decimal.Decimal
	Lot         decimal.Decimal
	Role        TradeRole
	Status      TradeStatus

	// Chain references. A trade belongs to at most one of each.
	ReEntryChainID string
	ProfitChainID  string
	ProfitLevel    int // Level within its profit chain

	OpenedAt    time.Time
	ClosedAt    *time.Time
	ClosePrice  decimal.Decimal
	CloseReason CloseReason
	RealizedPnL decimal.Decimal
}

// IsOpen reports whether the trade is still on the book
func (t *Trade) IsOpen() bool {
	return t.Status == TradeOpen
}

// StopHit checks whether current price has crossed the stop
func (t *Trade) StopHit(price decimal.Decimal) bool {
	if t.StopPrice.IsZero() {
		return false
	}
	if t.Direction == Long {
		return price.LessThanOrEqual(t.StopPrice)
	}
	return price.GreaterThanOrEqual(t.StopPrice)
}

// TargetHit checks whether current price has crossed the take-profit
func (t *Trade) TargetHit(price decimal.Decimal) bool {
	if t.TargetPrice.IsZero() {
		return false
	}
	if t.Direction == Long {
		return price.GreaterThanOrEqual(t.TargetPrice)
	}
	return price.LessThanOrEqual(t.TargetPrice)
}

// UnrealizedPnL computes the floating profit of the trade in account
// currency: signed price delta converted to pips, times pip value, times lot.
func (t *Trade) UnrealizedPnL(price, pipSize, pipValue decimal.Decimal) decimal.Decimal {
	if pipSize.IsZero() {
		return decimal.Zero
	}
	delta := price.Sub(t.EntryPrice)
	if t.Direction == Short {
		delta = delta.Neg()
	}
	return delta.Div(pipSize).Mul(pipValue).Mul(t.Lot)
}

// Close marks the trade closed. A closed trade is immutable except for
// the realized-profit annotation (AnnotateRealized).
func (t *Trade) Close(price decimal.Decimal, reason CloseReason, at time.Time) error {
	if t.Status == TradeClosed {
		return fmt.Errorf("trade %s already closed", t.ID)
	}
	t.Status = TradeClosed
	t.ClosePrice = price
	t.CloseReason = reason
	t.ClosedAt = &at
	return nil
}

// AnnotateRealized records the broker-confirmed realized profit after close
func (t *Trade) AnnotateRealized(pnl decimal.Decimal) error {
	if t.Status != TradeClosed {
		return fmt.Errorf("trade %s still open, cannot annotate realized profit", t.ID)
	}
	t.RealizedPnL = pnl
	return nil
}

// EntrySignal is an inbound signal from the strategy layer
type EntrySignal struct {
	Symbol    string
	Direction Direction
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Target    decimal.Decimal
	LotHint   decimal.Decimal
	Role      TradeRole // Defaults to RoleTPTrailing when empty
}

// ExitSignal is an inbound exit/reversal signal from the strategy layer
type ExitSignal struct {
	Symbol    string
	Direction Direction // New trend direction; positions opposing it are exited
}

// ChainEvent carries the fields every outbound notification needs
type ChainEvent struct {
	ChainID string
	Symbol  string
	Level   int
	Price   decimal.Decimal
	Amount  decimal.Decimal
	Reason  string
}
