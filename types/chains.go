package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAINS - Re-entry chains and profit-booking pyramids
// ═══════════════════════════════════════════════════════════════════════════════

// ChainStatus is the closed set of chain lifecycle states
type ChainStatus string

const (
	ChainActive       ChainStatus = "ACTIVE"
	ChainRecoveryMode ChainStatus = "RECOVERY_MODE" // Waiting for a trigger to fire
	ChainRecovering   ChainStatus = "RECOVERING"    // Recovery order in flight
	ChainStopped      ChainStatus = "STOPPED"
	ChainCompleted    ChainStatus = "COMPLETED"
	ChainStale        ChainStatus = "STALE" // Orphaned, excluded from monitoring
)

// chainTransitions is the full transition table. Anything absent is illegal.
var chainTransitions = map[ChainStatus][]ChainStatus{
	ChainActive:       {ChainRecoveryMode, ChainStopped, ChainCompleted, ChainStale},
	ChainRecoveryMode: {ChainRecovering, ChainStopped},
	ChainRecovering:   {ChainActive, ChainStopped},
}

// CanTransition reports whether from→to is a legal chain transition
func (s ChainStatus) CanTransition(to ChainStatus) bool {
	for _, allowed := range chainTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the chain can never leave this state
func (s ChainStatus) Terminal() bool {
	return len(chainTransitions[s]) == 0
}

// ReEntryChain groups the original attempt and its recoveries for one signal
type ReEntryChain struct {
	ID                   string
	Symbol               string
	Direction            Direction
	OriginalEntry        decimal.Decimal
	OriginalStopDistance decimal.Decimal
	Level                int
	MaxLevel             int
	Status               ChainStatus
	TradeIDs             []string
	RealizedProfit       decimal.Decimal
	Metadata             map[string]string
	StopReason           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewReEntryChain creates a chain at level 0 for a freshly opened trade
func NewReEntryChain(t *Trade, maxLevel int) *ReEntryChain {
	now := time.Now()
	return &ReEntryChain{
		ID:                   uuid.NewString(),
		Symbol:               t.Symbol,
		Direction:            t.Direction,
		OriginalEntry:        t.EntryPrice,
		OriginalStopDistance: t.EntryPrice.Sub(t.StopPrice).Abs(),
		Level:                0,
		MaxLevel:             maxLevel,
		Status:               ChainActive,
		TradeIDs:             []string{t.ID},
		Metadata:             make(map[string]string),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// AppendTrade records a trade id in chain order
func (c *ReEntryChain) AppendTrade(tradeID string) {
	c.TradeIDs = append(c.TradeIDs, tradeID)
	c.UpdatedAt = time.Now()
}

func (c *ReEntryChain) transition(to ChainStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("chain %s: illegal transition %s → %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// EnterRecoveryMode moves an ACTIVE chain to RECOVERY_MODE after a qualifying close
func (c *ReEntryChain) EnterRecoveryMode() error {
	return c.transition(ChainRecoveryMode)
}

// BeginRecovery marks a recovery order in flight
func (c *ReEntryChain) BeginRecovery() error {
	return c.transition(ChainRecovering)
}

// AdvanceLevel is the recovery-success resolution: the chain resumes forward
// progress one level up. Level is monotonically non-decreasing and bounded.
func (c *ReEntryChain) AdvanceLevel() error {
	if c.Level >= c.MaxLevel {
		return fmt.Errorf("chain %s at max level %d", c.ID, c.MaxLevel)
	}
	if err := c.transition(ChainActive); err != nil {
		return err
	}
	c.Level++
	return nil
}

// Stop terminates the chain with a recorded reason
func (c *ReEntryChain) Stop(reason string) error {
	if c.Status.Terminal() {
		return fmt.Errorf("chain %s already %s", c.ID, c.Status)
	}
	c.StopReason = reason
	c.Status = ChainStopped
	c.UpdatedAt = time.Now()
	return nil
}

// Complete marks the chain finished successfully
func (c *ReEntryChain) Complete() error {
	return c.transition(ChainCompleted)
}

// ProfitBookingChain is the pyramid compounding unit: order count grows per
// level from the multiplier table, each order booked at a fixed dollar target.
type ProfitBookingChain struct {
	ID             string
	Symbol         string
	Direction      Direction
	BaseLot        decimal.Decimal
	Level          int
	Multipliers    []int
	ProfitTarget   decimal.Decimal // Per-order, identical at every level
	RealizedProfit decimal.Decimal
	Status         ChainStatus
	OpenOrderIDs   []string
	LevelLoss      map[int]bool // Level registered a losing close
	LevelRecovered map[int]bool // That loss was later recovered
	StopReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewProfitBookingChain creates a chain at level 0 seeded by one open order
func NewProfitBookingChain(t *Trade, multipliers []int, target decimal.Decimal) *ProfitBookingChain {
	now := time.Now()
	return &ProfitBookingChain{
		ID:             uuid.NewString(),
		Symbol:         t.Symbol,
		Direction:      t.Direction,
		BaseLot:        t.Lot,
		Level:          0,
		Multipliers:    multipliers,
		ProfitTarget:   target,
		Status:         ChainActive,
		OpenOrderIDs:   []string{t.ID},
		LevelLoss:      make(map[int]bool),
		LevelRecovered: make(map[int]bool),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MaxLevel is the highest level the multiplier table defines
func (c *ProfitBookingChain) MaxLevel() int {
	return len(c.Multipliers) - 1
}

// OrdersForLevel returns how many orders level n opens
func (c *ProfitBookingChain) OrdersForLevel(level int) (int, error) {
	if level < 0 || level >= len(c.Multipliers) {
		return 0, fmt.Errorf("chain %s: no multiplier for level %d", c.ID, level)
	}
	return c.Multipliers[level], nil
}

// RemoveOpenOrder drops a closed order id from the active level set
func (c *ProfitBookingChain) RemoveOpenOrder(tradeID string) {
	kept := c.OpenOrderIDs[:0]
	for _, id := range c.OpenOrderIDs {
		if id != tradeID {
			kept = append(kept, id)
		}
	}
	c.OpenOrderIDs = kept
	c.UpdatedAt = time.Now()
}

// AddRealized accumulates booked profit into the chain
func (c *ProfitBookingChain) AddRealized(amount decimal.Decimal) {
	c.RealizedProfit = c.RealizedProfit.Add(amount)
	c.UpdatedAt = time.Now()
}

// MarkLevelLoss flags the current level as having taken a loss
func (c *ProfitBookingChain) MarkLevelLoss() {
	c.LevelLoss[c.Level] = true
	c.UpdatedAt = time.Now()
}

// MarkLevelRecovered flags a level's loss as recovered
func (c *ProfitBookingChain) MarkLevelRecovered(level int) {
	c.LevelRecovered[level] = true
	c.UpdatedAt = time.Now()
}

// UnrecoveredLoss reports whether the current level has an outstanding loss
func (c *ProfitBookingChain) UnrecoveredLoss() bool {
	return c.LevelLoss[c.Level] && !c.LevelRecovered[c.Level]
}

// AdvanceLevel moves the pyramid to the next level once all orders at the
// current level have closed, registering the batch of new open order ids.
// The batch size must match the multiplier table at the new level.
func (c *ProfitBookingChain) AdvanceLevel(newOrderIDs []string) error {
	if c.Status != ChainActive {
		return fmt.Errorf("chain %s is %s, cannot advance", c.ID, c.Status)
	}
	if len(c.OpenOrderIDs) > 0 {
		return fmt.Errorf("chain %s has %d orders still open at level %d", c.ID, len(c.OpenOrderIDs), c.Level)
	}
	next := c.Level + 1
	want, err := c.OrdersForLevel(next)
	if err != nil {
		return err
	}
	if len(newOrderIDs) != want {
		return fmt.Errorf("chain %s level %d expects %d orders, got %d", c.ID, next, want, len(newOrderIDs))
	}
	c.Level = next
	c.OpenOrderIDs = append([]string(nil), newOrderIDs...)
	c.UpdatedAt = time.Now()
	return nil
}

// Stop terminates the chain with a recorded reason
func (c *ProfitBookingChain) Stop(reason string) error {
	if c.Status.Terminal() {
		return fmt.Errorf("chain %s already %s", c.ID, c.Status)
	}
	c.StopReason = reason
	c.Status = ChainStopped
	c.UpdatedAt = time.Now()
	return nil
}

func (c *ProfitBookingChain) transition(to ChainStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("chain %s: illegal transition %s → %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// Complete marks the pyramid finished at max level
func (c *ProfitBookingChain) Complete() error {
	return c.transition(ChainCompleted)
}

// MarkStale excludes an orphaned chain from further monitoring
func (c *ProfitBookingChain) MarkStale(reason string) error {
	if err := c.transition(ChainStale); err != nil {
		return err
	}
	c.StopReason = reason
	return nil
}
