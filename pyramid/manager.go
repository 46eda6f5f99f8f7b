package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/broker"
	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROFIT-BOOKING PYRAMID MANAGER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the profit-booking chains. Books single orders at a fixed dollar
// target; once every order at the active level has closed, the chain either
// advances to the next level (multiplier table order count) or terminates.
// Booking and level progression are deliberately separate steps.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds pyramid behavior knobs
type Config struct {
	Enabled              bool
	Multipliers          []int           // Orders per level, e.g. 1,2,4,8,16
	ProfitTarget         decimal.Decimal // Per-order target in account currency
	Strict               bool            // Stop the chain on an unrecovered level loss
	MaxReconcileAttempts int
	PipSize              decimal.Decimal
	PipValue             decimal.Decimal
	RetryAttempts        int
}

// DefaultConfig returns the stock pyramid settings
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		Multipliers:          []int{1, 2, 4, 8, 16},
		ProfitTarget:         decimal.NewFromInt(10),
		Strict:               true,
		MaxReconcileAttempts: 3,
		PipSize:              decimal.NewFromFloat(0.0001),
		PipValue:             decimal.NewFromInt(10),
		RetryAttempts:        3,
	}
}

// Store persists chains and trades (the gorm database implements this)
type Store interface {
	SaveProfitChain(chain *types.ProfitBookingChain) error
	SaveTrade(trade *types.Trade) error
}

// Notifier receives booking and chain lifecycle events
type Notifier interface {
	NotifyOrderBooked(ev types.ChainEvent)
	NotifyChainLevelUp(ev types.ChainEvent)
	NotifyChainStopped(ev types.ChainEvent)
}

// TriggerIndex reports whether a chain still has a pending recovery watch
// registered (the trigger registry implements this).
type TriggerIndex interface {
	HasChain(chainID string) bool
}

// Manager owns the profit-booking chains
type Manager struct {
	mu sync.RWMutex

	cfg      Config
	client   broker.Client
	store    Store
	notifier Notifier
	triggers TriggerIndex

	chains            map[string]*types.ProfitBookingChain
	reconcileAttempts map[string]int
}

// NewManager creates the pyramid manager
func NewManager(cfg Config, client broker.Client, store Store, notifier Notifier) *Manager {
	m := &Manager{
		cfg:               cfg,
		client:            client,
		store:             store,
		notifier:          notifier,
		chains:            make(map[string]*types.ProfitBookingChain),
		reconcileAttempts: make(map[string]int),
	}

	log.Info().
		Bool("enabled", cfg.Enabled).
		Ints("multipliers", cfg.Multipliers).
		Str("profit_target", cfg.ProfitTarget.String()).
		Bool("strict", cfg.Strict).
		Msg("🏛️ Pyramid manager initialized")

	return m
}

// SetNotifier swaps the notification sink. Call before the engine starts.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetTriggerIndex wires in the pending-watch lookup. Call before the engine
// starts.
func (m *Manager) SetTriggerIndex(idx TriggerIndex) {
	m.triggers = idx
}

// CreateChain starts a pyramid for a profit-trailing opening trade. Returns
// nil when the feature is disabled or the trade's role is wrong.
func (m *Manager) CreateChain(opening *types.Trade) *types.ProfitBookingChain {
	if !m.cfg.Enabled {
		return nil
	}
	if opening.Role != types.RoleProfitTrailing {
		return nil
	}

	chain := types.NewProfitBookingChain(opening, m.cfg.Multipliers, m.cfg.ProfitTarget)
	opening.ProfitChainID = chain.ID
	opening.ProfitLevel = 0

	m.mu.Lock()
	m.chains[chain.ID] = chain
	m.mu.Unlock()

	m.persistChain(chain)

	log.Info().
		Str("chain_id", chain.ID).
		Str("symbol", chain.Symbol).
		Str("base_lot", chain.BaseLot.String()).
		Msg("🏛️ Profit chain created")

	return chain
}

// Track re-registers a chain loaded from storage
func (m *Manager) Track(chain *types.ProfitBookingChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.ID] = chain
}

// Chain looks up a chain by id
func (m *Manager) Chain(id string) (*types.ProfitBookingChain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	return c, ok
}

// Chains returns all tracked chains
func (m *Manager) Chains() []*types.ProfitBookingChain {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ProfitBookingChain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, c)
	}
	return out
}

// ChainState reports a chain's status for the execution gate
func (m *Manager) ChainState(chainID string) (types.ChainStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[chainID]
	if !ok {
		return "", false
	}
	return c.Status, true
}

// ═══════════════════════════════════════════════════════════════════════════════
// BOOKING
// ═══════════════════════════════════════════════════════════════════════════════

// CheckProfitTargets returns the chain's open orders whose unrealized profit
// has reached the fixed per-order target at the given price.
func (m *Manager) CheckProfitTargets(chain *types.ProfitBookingChain, openTrades []*types.Trade, price decimal.Decimal) []*types.Trade {
	var ready []*types.Trade
	for _, t := range openTrades {
		if t.ProfitChainID != chain.ID || !t.IsOpen() {
			continue
		}
		// Recovery orders carry their own stop/target; their close is
		// resolved by the engine, not the booking path.
		if t.Role == types.RoleRecovery {
			continue
		}
		pnl := t.UnrealizedPnL(price, m.cfg.PipSize, m.cfg.PipValue)
		if pnl.GreaterThanOrEqual(chain.ProfitTarget) {
			ready = append(ready, t)
		}
	}
	return ready
}

// BookOrder closes one order at its target and accumulates the realized
// profit into the chain. It never advances the level by itself.
func (m *Manager) BookOrder(ctx context.Context, trade *types.Trade, chain *types.ProfitBookingChain) error {
	if err := broker.CloseWithRetry(ctx, m.client, trade.ID, m.cfg.RetryAttempts); err != nil {
		return fmt.Errorf("book order %s: %w", trade.ID, err)
	}

	price, perr := m.client.GetCurrentPrice(ctx, trade.Symbol)
	if perr != nil {
		price = trade.EntryPrice
	}
	if err := trade.Close(price, types.CloseBooked, time.Now()); err != nil {
		return err
	}

	realized, err := m.client.GetRealizedProfit(ctx, trade.ID)
	if err != nil {
		if !errors.Is(err, broker.ErrProfitUnavailable) {
			log.Warn().Err(err).Str("trade_id", trade.ID).Msg("Realized profit lookup failed")
		}
		realized = chain.ProfitTarget
	}
	_ = trade.AnnotateRealized(realized)

	m.mu.Lock()
	chain.AddRealized(realized)
	chain.RemoveOpenOrder(trade.ID)
	m.mu.Unlock()

	m.persistChain(chain)
	m.persistTrade(trade)

	log.Info().
		Str("chain_id", chain.ID).
		Str("trade_id", trade.ID).
		Int("level", chain.Level).
		Str("realized", realized.StringFixed(2)).
		Msg("💰 Order booked")

	if m.notifier != nil {
		m.notifier.NotifyOrderBooked(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Price:   price,
			Amount:  realized,
		})
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEVEL PROGRESSION
// ═══════════════════════════════════════════════════════════════════════════════

// CheckAndProgress is the level-advance gate. While any order at the current
// level is open it does nothing. Once the level has fully closed it either
// stops the chain (strict mode, unrecovered loss), completes it (max level),
// or opens the next level's batch at market and returns the new trades for
// the caller to track.
func (m *Manager) CheckAndProgress(ctx context.Context, chain *types.ProfitBookingChain, openTrades []*types.Trade) ([]*types.Trade, error) {
	m.mu.RLock()
	status := chain.Status
	stillOpen := len(chain.OpenOrderIDs)
	m.mu.RUnlock()

	if status != types.ChainActive || stillOpen > 0 {
		return nil, nil
	}

	if m.cfg.Strict && chain.UnrecoveredLoss() {
		// The loss may still be won back: an SL-hunt watch is armed or a
		// recovery order is in flight. Stop only once neither remains.
		if m.recoveryPending(chain, openTrades) {
			return nil, nil
		}
		return nil, m.StopChain(chain.ID, fmt.Sprintf("unrecovered loss at level %d", chain.Level))
	}

	if chain.Level >= chain.MaxLevel() {
		m.mu.Lock()
		err := chain.Complete()
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		m.persistChain(chain)
		log.Info().
			Str("chain_id", chain.ID).
			Str("total_profit", chain.RealizedProfit.StringFixed(2)).
			Msg("🏁 Profit chain completed")
		return nil, nil
	}

	count, err := chain.OrdersForLevel(chain.Level + 1)
	if err != nil {
		return nil, err
	}

	if m.recoveryPending(chain, openTrades) {
		return nil, nil
	}

	price, err := m.client.GetCurrentPrice(ctx, chain.Symbol)
	if err != nil {
		return nil, fmt.Errorf("progress chain %s: %w", chain.ID, err)
	}

	// Re-validate after the price call: the chain may have been stopped or
	// mutated while we were suspended on I/O.
	m.mu.RLock()
	stale := chain.Status != types.ChainActive || len(chain.OpenOrderIDs) > 0
	m.mu.RUnlock()
	if stale {
		return nil, nil
	}

	nextLevel := chain.Level + 1
	tag := fmt.Sprintf("pyramid:%s:L%d", chain.ID, nextLevel)

	newTrades := make([]*types.Trade, 0, count)
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		orderID, err := broker.PlaceWithRetry(ctx, m.client, broker.OrderRequest{
			Symbol:    chain.Symbol,
			Direction: chain.Direction,
			Lot:       chain.BaseLot,
			Entry:     price,
			Tag:       tag,
		}, m.cfg.RetryAttempts)
		if err != nil {
			// Partial batch: close what we just opened so the level count
			// invariant holds, then stop the chain.
			for _, id := range ids {
				_ = broker.CloseWithRetry(ctx, m.client, id, m.cfg.RetryAttempts)
			}
			_ = m.StopChain(chain.ID, fmt.Sprintf("level %d batch placement failed", nextLevel))
			return nil, fmt.Errorf("progress chain %s: %w", chain.ID, err)
		}
		ids = append(ids, orderID)
		newTrades = append(newTrades, &types.Trade{
			ID:            orderID,
			Symbol:        chain.Symbol,
			Direction:     chain.Direction,
			EntryPrice:    price,
			Lot:           chain.BaseLot,
			Role:          types.RoleProfitLevel,
			Status:        types.TradeOpen,
			ProfitChainID: chain.ID,
			ProfitLevel:   nextLevel,
			OpenedAt:      time.Now(),
		})
	}

	m.mu.Lock()
	err = chain.AdvanceLevel(ids)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.persistChain(chain)
	for _, t := range newTrades {
		m.persistTrade(t)
	}

	log.Info().
		Str("chain_id", chain.ID).
		Int("level", chain.Level).
		Int("orders", count).
		Str("price", price.String()).
		Msg("📈 Profit chain leveled up")

	if m.notifier != nil {
		m.notifier.NotifyChainLevelUp(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Price:   price,
			Amount:  chain.RealizedProfit,
		})
	}
	return newTrades, nil
}

// recoveryPending reports whether the chain's level loss may still resolve:
// a recovery order is open or a pending watch is registered for the chain.
func (m *Manager) recoveryPending(chain *types.ProfitBookingChain, openTrades []*types.Trade) bool {
	for _, t := range openTrades {
		if t.ProfitChainID == chain.ID && t.Role == types.RoleRecovery && t.IsOpen() {
			return true
		}
	}
	return m.triggers != nil && m.triggers.HasChain(chain.ID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORPHAN RECONCILIATION
// ═══════════════════════════════════════════════════════════════════════════════

// Reconcile handles a chain whose orders vanished from our book (broker-side
// auto-close or external close). It checks the broker's live position list
// once per call; after the bounded attempt count the chain is marked STALE
// and dropped from monitoring, never re-entering an error loop.
func (m *Manager) Reconcile(ctx context.Context, chain *types.ProfitBookingChain) error {
	positions, err := m.client.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile chain %s: %w", chain.ID, err)
	}

	live := make(map[string]bool, len(positions))
	for _, pos := range positions {
		live[pos.OrderID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := chain.OpenOrderIDs[:0]
	for _, id := range chain.OpenOrderIDs {
		if live[id] {
			matched = append(matched, id)
		}
	}
	chain.OpenOrderIDs = matched

	if len(matched) > 0 {
		delete(m.reconcileAttempts, chain.ID)
		log.Info().
			Str("chain_id", chain.ID).
			Int("live_orders", len(matched)).
			Msg("🔄 Chain reconciled against broker book")
		return nil
	}

	m.reconcileAttempts[chain.ID]++
	attempts := m.reconcileAttempts[chain.ID]
	if attempts < m.cfg.MaxReconcileAttempts {
		log.Warn().
			Str("chain_id", chain.ID).
			Int("attempt", attempts).
			Msg("⚠️ Chain has no live orders, will re-check")
		return nil
	}

	delete(m.reconcileAttempts, chain.ID)
	if err := chain.MarkStale("orders vanished broker-side"); err != nil {
		return err
	}

	log.Error().
		Str("chain_id", chain.ID).
		Str("symbol", chain.Symbol).
		Msg("🧟 Chain marked stale, monitoring stopped")

	if m.notifier != nil {
		m.notifier.NotifyChainStopped(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Reason:  "orders vanished broker-side",
		})
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOSS FLAGS & EXTERNAL STOPS (recovery.ProfitChainResolver)
// ═══════════════════════════════════════════════════════════════════════════════

// MarkLevelLoss flags a losing close on the chain's current level
func (m *Manager) MarkLevelLoss(chainID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[chainID]; ok {
		chain.MarkLevelLoss()
	}
}

// MarkLevelRecovered resolves a level's loss flag after a successful recovery
func (m *Manager) MarkLevelRecovered(chainID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("unknown profit chain %s", chainID)
	}
	chain.MarkLevelRecovered(level)

	log.Info().
		Str("chain_id", chainID).
		Int("level", level).
		Msg("🔁 Level loss recovered")
	return nil
}

// StopChain terminates a chain with a recorded reason
func (m *Manager) StopChain(chainID, reason string) error {
	m.mu.Lock()
	chain, ok := m.chains[chainID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown profit chain %s", chainID)
	}
	err := chain.Stop(reason)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.persistChain(chain)

	log.Warn().
		Str("chain_id", chainID).
		Str("reason", reason).
		Msg("🛑 Profit chain stopped")

	if m.notifier != nil {
		m.notifier.NotifyChainStopped(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Amount:  chain.RealizedProfit,
			Reason:  reason,
		})
	}
	return nil
}

func (m *Manager) persistChain(chain *types.ProfitBookingChain) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveProfitChain(chain); err != nil {
		log.Error().Err(err).Str("chain_id", chain.ID).Msg("Failed to persist profit chain")
	}
}

func (m *Manager) persistTrade(trade *types.Trade) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTrade(trade); err != nil {
		log.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to persist trade")
	}
}
