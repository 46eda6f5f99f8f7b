package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUTONOMOUS SAFETY & RECOVERY MANAGER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the re-entry chains. Gates every recovery behind three independent
// checks (daily limits, concurrent-recovery limit, profit protection) and
// resolves recovery outcomes back into chain state. A successful recovery
// resumes forward progress: level goes up by one, never merely back.
//
// ═══════════════════════════════════════════════════════════════════════════════

const metaRecoveryStartedAt = "recovery_started_at"

// Config holds the safety limits and recovery math parameters
type Config struct {
	RecoveryFraction         decimal.Decimal // SL-hunt pullback fraction of the stop distance
	RecoveryWindow           time.Duration   // How long a trigger or attempt may stay pending
	ReductionPerLevel        decimal.Decimal // Stop tightening per chain level
	StopDistanceFloor        decimal.Decimal // Minimum stop distance as a factor of the original
	MaxDailyAttempts         int
	MaxDailyLoss             decimal.Decimal // In account currency; zero disables the check
	MaxConcurrent            int
	ProfitProtectionMultiple decimal.Decimal
	MaxChainLevel            int
}

// DefaultConfig returns the stock safety limits
func DefaultConfig() Config {
	return Config{
		RecoveryFraction:         decimal.NewFromFloat(0.70),
		RecoveryWindow:           30 * time.Minute,
		ReductionPerLevel:        decimal.NewFromFloat(0.10),
		StopDistanceFloor:        decimal.NewFromFloat(0.50),
		MaxDailyAttempts:         10,
		MaxDailyLoss:             decimal.Zero,
		MaxConcurrent:            3,
		ProfitProtectionMultiple: decimal.NewFromFloat(2.0),
		MaxChainLevel:            5,
	}
}

// ProfitChainResolver lets recovery outcomes reach the pyramid manager's
// chains without owning them (the pyramid manager implements this).
type ProfitChainResolver interface {
	MarkLevelRecovered(chainID string, level int) error
	StopChain(chainID, reason string) error
}

// StoppedChain reports a chain the periodic check had to stop
type StoppedChain struct {
	Chain  *types.ReEntryChain
	Reason string
}

// Manager owns the re-entry chain collection and the daily safety counters
type Manager struct {
	mu sync.RWMutex

	cfg    Config
	chains map[string]*types.ReEntryChain
	active map[string]bool // chains with a recovery order in flight

	attemptsToday int
	lossToday     decimal.Decimal
	lastResetDay  int

	profitChains ProfitChainResolver
}

// NewManager creates the safety & recovery manager
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:       cfg,
		chains:    make(map[string]*types.ReEntryChain),
		active:    make(map[string]bool),
		lossToday: decimal.Zero,
	}

	log.Info().
		Str("recovery_fraction", cfg.RecoveryFraction.String()).
		Dur("recovery_window", cfg.RecoveryWindow).
		Int("max_daily_attempts", cfg.MaxDailyAttempts).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("🛡️ Recovery manager initialized")

	return m
}

// SetProfitChainResolver wires in the pyramid manager
func (m *Manager) SetProfitChainResolver(r ProfitChainResolver) {
	m.profitChains = r
}

// Track registers a chain with the manager
func (m *Manager) Track(chain *types.ReEntryChain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.ID] = chain
}

// Chain looks up a chain by id
func (m *Manager) Chain(id string) (*types.ReEntryChain, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	return c, ok
}

// Chains returns the chains currently tracked
func (m *Manager) Chains() []*types.ReEntryChain {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.ReEntryChain, 0, len(m.chains))
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
// RECOVERY MATH
// ═══════════════════════════════════════════════════════════════════════════════

// RecoveryPrice computes the SL-hunt re-entry level: the price must pull back
// from the stop toward entry by the recovery fraction of the stop distance.
// stop + (entry-stop)·f covers both directions, since entry-stop is signed.
func (m *Manager) RecoveryPrice(entry, stop decimal.Decimal) decimal.Decimal {
	return stop.Add(entry.Sub(stop).Mul(m.cfg.RecoveryFraction))
}

// StopDistanceForLevel computes the TP-continuation stop distance at a chain
// level: original·(1-reduction)^level, floored so climbing levels never
// degenerates into a zero-risk order.
func (m *Manager) StopDistanceForLevel(original decimal.Decimal, level int) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(m.cfg.ReductionPerLevel).Pow(decimal.NewFromInt(int64(level)))
	if factor.LessThan(m.cfg.StopDistanceFloor) {
		factor = m.cfg.StopDistanceFloor
	}
	return original.Mul(factor)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY LIMITS
// ═══════════════════════════════════════════════════════════════════════════════

// CheckLimits runs the three independent safety checks for a prospective
// recovery on a chain. A false result is a normal "not now", never a fault;
// the reason stays distinguishable per cause.
func (m *Manager) CheckLimits(chainID string, potentialLoss decimal.Decimal) (bool, types.SkipReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	if m.attemptsToday >= m.cfg.MaxDailyAttempts {
		return false, types.SkipDailyAttempts
	}
	if !m.cfg.MaxDailyLoss.IsZero() && m.lossToday.GreaterThanOrEqual(m.cfg.MaxDailyLoss) {
		return false, types.SkipDailyLoss
	}
	if len(m.active) >= m.cfg.MaxConcurrent {
		return false, types.SkipConcurrentLimit
	}

	// Profit protection: do not risk an attempt whose potential loss is small
	// next to what the chain has already banked.
	if chain, ok := m.chains[chainID]; ok && potentialLoss.GreaterThan(decimal.Zero) {
		threshold := potentialLoss.Mul(m.cfg.ProfitProtectionMultiple)
		if chain.RealizedProfit.GreaterThan(threshold) {
			return false, types.SkipProfitProtection
		}
	}

	return true, types.SkipNone
}

// checkDayReset resets the daily counters at local-day rollover
func (m *Manager) checkDayReset() {
	today := time.Now().YearDay()
	if m.lastResetDay != today {
		m.attemptsToday = 0
		m.lossToday = decimal.Zero
		m.lastResetDay = today
		log.Info().Msg("📅 Daily recovery stats reset")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OUTCOME RESOLUTION
// ═══════════════════════════════════════════════════════════════════════════════

// BeginRecovery consumes a daily attempt and a concurrency slot, and moves
// the chain into RECOVERING.
func (m *Manager) BeginRecovery(chain *types.ReEntryChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()
	if err := chain.BeginRecovery(); err != nil {
		return err
	}
	m.attemptsToday++
	m.active[chain.ID] = true
	chain.Metadata[metaRecoveryStartedAt] = time.Now().Format(time.RFC3339)
	return nil
}

// BeginProfitRecovery consumes a daily attempt and a concurrency slot for a
// profit-chain level recovery. The chain itself stays with the pyramid
// manager; only the safety accounting lives here.
func (m *Manager) BeginProfitRecovery(chainID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()
	m.attemptsToday++
	m.active[chainID] = true
}

// HandleRecoverySuccess resolves a successful recovery. For a re-entry chain
// the chain advances one level and returns to ACTIVE; for a profit-chain
// order the level's loss flag is marked recovered without changing level.
func (m *Manager) HandleRecoverySuccess(chainID string, trade *types.Trade) error {
	if trade.ProfitChainID != "" {
		m.mu.Lock()
		delete(m.active, trade.ProfitChainID)
		m.mu.Unlock()

		if m.profitChains == nil {
			return fmt.Errorf("no profit chain resolver wired for chain %s", chainID)
		}
		return m.profitChains.MarkLevelRecovered(trade.ProfitChainID, trade.ProfitLevel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("unknown chain %s", chainID)
	}
	delete(m.active, chainID)
	delete(chain.Metadata, metaRecoveryStartedAt)

	if err := chain.AdvanceLevel(); err != nil {
		return err
	}
	chain.AppendTrade(trade.ID)

	log.Info().
		Str("chain_id", chainID).
		Str("symbol", chain.Symbol).
		Int("level", chain.Level).
		Msg("🔁 Recovery succeeded, chain advanced")

	return nil
}

// HandleRecoveryFailure stops the chain; no further attempts are made for it
func (m *Manager) HandleRecoveryFailure(chainID string, trade *types.Trade) error {
	if trade != nil && trade.ProfitChainID != "" {
		m.mu.Lock()
		delete(m.active, trade.ProfitChainID)
		if trade.RealizedPnL.IsNegative() {
			m.lossToday = m.lossToday.Add(trade.RealizedPnL.Abs())
		}
		m.mu.Unlock()

		if m.profitChains == nil {
			return fmt.Errorf("no profit chain resolver wired for chain %s", chainID)
		}
		return m.profitChains.StopChain(trade.ProfitChainID, "recovery attempt failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("unknown chain %s", chainID)
	}
	delete(m.active, chainID)

	if trade != nil && trade.RealizedPnL.IsNegative() {
		m.lossToday = m.lossToday.Add(trade.RealizedPnL.Abs())
	}

	if err := chain.Stop("recovery attempt failed"); err != nil {
		return err
	}

	log.Warn().
		Str("chain_id", chainID).
		Str("symbol", chain.Symbol).
		Int("level", chain.Level).
		Msg("🛑 Recovery failed, chain stopped")

	return nil
}

// AddRealized credits realized profit to a chain (profit-protection input)
func (m *Manager) AddRealized(chainID string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[chainID]; ok {
		chain.RealizedProfit = chain.RealizedProfit.Add(pnl)
		chain.UpdatedAt = time.Now()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERIODIC CHECKS
// ═══════════════════════════════════════════════════════════════════════════════

// RunPeriodicChecks runs once per reconciliation tick, independent of any
// specific closed trade: day rollover and stale in-flight recoveries. Chains
// stuck RECOVERING past the window are stopped with a recorded reason and
// their concurrency slot released.
func (m *Manager) RunPeriodicChecks(now time.Time) []StoppedChain {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkDayReset()

	var stopped []StoppedChain
	for id, chain := range m.chains {
		if chain.Status != types.ChainRecovering {
			continue
		}
		startedRaw, ok := chain.Metadata[metaRecoveryStartedAt]
		if !ok {
			continue
		}
		started, err := time.Parse(time.RFC3339, startedRaw)
		if err != nil {
			continue
		}
		if now.Sub(started) < m.cfg.RecoveryWindow {
			continue
		}

		delete(m.active, id)
		if err := chain.Stop("recovery attempt timeout"); err != nil {
			log.Error().Err(err).Str("chain_id", id).Msg("Failed to stop stale recovery")
			continue
		}
		stopped = append(stopped, StoppedChain{Chain: chain, Reason: "recovery attempt timeout"})
	}
	return stopped
}

// DailyStats returns the current safety counters
func (m *Manager) DailyStats() (attempts int, loss decimal.Decimal, inFlight int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attemptsToday, m.lossToday, len(m.active)
}

// ReleaseRecovery frees a chain's concurrency slot without resolving an
// outcome (external stop paths).
func (m *Manager) ReleaseRecovery(chainID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, chainID)
}

// Config returns the manager's configuration
func (m *Manager) Config() Config {
	return m.cfg
}
