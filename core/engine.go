package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/broker"
	"github.com/traderops/chainflow/metrics"
	"github.com/traderops/chainflow/pyramid"
	"github.com/traderops/chainflow/recovery"
	"github.com/traderops/chainflow/registry"
	"github.com/traderops/chainflow/risk"
	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE RECONCILIATION ENGINE
// ═══════════════════════════════════════════════════════════════════════════════
//
// The central orchestrator. One scheduler goroutine drives the tick loop and
// every chain transition; delayed follow-up checks run as closures queued back
// onto the same goroutine. The open-trade book alone is mutex-guarded, because
// the Telegram status surface and the signal handlers read it from their own
// goroutines. Each tick re-derives required actions from current price and
// chain state; nothing is event-driven. A missed event costs one interval,
// never a lost position.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Chain metadata keys. The re-entry chain metadata map carries what the next
// recovery attempt needs to size and place its order.
const (
	metaLastLot      = "last_lot"
	metaLastStop     = "last_stop"
	metaLastTarget   = "last_target"
	metaStopDistance = "applied_stop_distance"
)

const stopReasonWindowTimeout = "recovery window timeout"

// Store persists trades and chains and hydrates them on restart
// (storage.Database implements this).
type Store interface {
	SaveTrade(t *types.Trade) error
	SaveReEntryChain(c *types.ReEntryChain) error
	SaveProfitChain(c *types.ProfitBookingChain) error
	LoadOpenTrades() ([]*types.Trade, error)
	LoadActiveReEntryChains() ([]*types.ReEntryChain, error)
	LoadActiveProfitChains() ([]*types.ProfitBookingChain, error)
}

// Notifier receives structured lifecycle events, one method per event kind
type Notifier interface {
	NotifyRecoveryStarted(ev types.ChainEvent)
	NotifyRecoverySucceeded(ev types.ChainEvent)
	NotifyRecoveryFailed(ev types.ChainEvent)
	NotifyChainLevelUp(ev types.ChainEvent)
	NotifyOrderBooked(ev types.ChainEvent)
	NotifyChainStopped(ev types.ChainEvent)
	NotifyOperator(message string)
}

// Config holds the reconciliation loop knobs
type Config struct {
	TickInterval         time.Duration
	MaxTickFailures      int
	EnableTPContinuation bool
	FollowUpDelay        time.Duration // Post-placement quick-close check
	PipSize              decimal.Decimal
	PipValue             decimal.Decimal
	RetryAttempts        int
	DefaultLot           decimal.Decimal
}

// DefaultConfig returns the stock loop settings
func DefaultConfig() Config {
	return Config{
		TickInterval:         30 * time.Second,
		MaxTickFailures:      10,
		EnableTPContinuation: true,
		FollowUpDelay:        5 * time.Second,
		PipSize:              decimal.NewFromFloat(0.0001),
		PipValue:             decimal.NewFromInt(10),
		RetryAttempts:        3,
		DefaultLot:           decimal.NewFromFloat(0.01),
	}
}

// Engine drives the reconciliation loop
type Engine struct {
	cfg      Config
	client   broker.Client
	reg      *registry.Registry
	pyramids *pyramid.Manager
	safety   *recovery.Manager
	gate     *risk.Gate
	breaker  *risk.TickBreaker
	store    Store
	notifier Notifier

	// The open-trade book. Mutated by the scheduler goroutine; the mutex
	// exists for the status surfaces and signal handlers, which run on
	// caller goroutines (Telegram command loop, strategy layer).
	tradesMu sync.RWMutex
	trades   map[string]*types.Trade

	tasks  chan func(context.Context)
	paused atomic.Bool

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEngine wires the engine to its collaborators
func NewEngine(cfg Config, client broker.Client, reg *registry.Registry, pyramids *pyramid.Manager, safety *recovery.Manager, gate *risk.Gate, store Store, notifier Notifier) *Engine {
	e := &Engine{
		cfg:      cfg,
		client:   client,
		reg:      reg,
		pyramids: pyramids,
		safety:   safety,
		gate:     gate,
		store:    store,
		notifier: notifier,
		trades:   make(map[string]*types.Trade),
		tasks:    make(chan func(context.Context), 64),
		timers:   make(map[*time.Timer]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	e.breaker = risk.NewTickBreaker(cfg.MaxTickFailures, func(consecutive int, lastErr error) {
		metrics.TickFailuresTotal.Inc()
		e.notifyOperator(fmt.Sprintf("⚠️ %d consecutive tick failures, last error: %v", consecutive, lastErr))
	})

	gate.OnSkip(func(req risk.ExecRequest, reason types.SkipReason) {
		metrics.SkipsTotal.WithLabelValues(string(reason)).Inc()
	})

	// Strict pyramid stops must wait while a chain's loss still has a
	// pending watch in the registry.
	pyramids.SetTriggerIndex(reg)

	return e
}

// SetNotifier swaps the notification sink. Call before Start.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Start hydrates state from storage and launches the scheduler goroutine
func (e *Engine) Start(ctx context.Context) error {
	if err := e.restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	log.Info().
		Dur("tick_interval", e.cfg.TickInterval).
		Bool("tp_continuation", e.cfg.EnableTPContinuation).
		Int("open_trades", len(e.OpenTrades())).
		Msg("⚡ Reconciliation engine started")

	go e.run(ctx)
	return nil
}

// Stop halts the scheduler and cancels every pending follow-up timer.
// Blocks until the run goroutine has drained.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)

		e.timersMu.Lock()
		for t := range e.timers {
			t.Stop()
		}
		e.timers = make(map[*time.Timer]struct{})
		e.timersMu.Unlock()
	})
	<-e.doneCh
}

// Pause suspends order placement and chain progression; stop/target closes
// keep running so open risk is still managed.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume re-enables the full tick
func (e *Engine) Resume() { e.paused.Store(false) }

// Paused reports the pause flag
func (e *Engine) Paused() bool { return e.paused.Load() }

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🛑 Engine context cancelled, shutting down")
			return
		case <-e.stopCh:
			log.Info().Msg("🛑 Engine stopped")
			return
		case task := <-e.tasks:
			e.runTask(ctx, task)
		case <-ticker.C:
			e.runTick(ctx)
		}
	}
}

// schedule arms a supervised one-shot timer whose closure runs on the
// scheduler goroutine. Stop cancels it.
func (e *Engine) schedule(delay time.Duration, task func(ctx context.Context)) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, timer)
		e.timersMu.Unlock()

		select {
		case e.tasks <- task:
		case <-e.stopCh:
		}
	})

	e.timersMu.Lock()
	e.timers[timer] = struct{}{}
	e.timersMu.Unlock()
}

func (e *Engine) runTask(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("🚨 Background task panicked")
		}
	}()
	task(ctx)
}

// runTick executes one iteration with panic isolation and breaker accounting.
// Context cancellation is a shutdown signal, never a tick failure.
func (e *Engine) runTick(ctx context.Context) {
	metrics.TicksTotal.Inc()

	var tickErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				tickErr = fmt.Errorf("tick panicked: %v", r)
				log.Error().Interface("panic", r).Msg("🚨 Tick panicked")
			}
		}()
		tickErr = e.tick(ctx)
	}()

	if tickErr != nil {
		if errors.Is(tickErr, context.Canceled) || errors.Is(tickErr, context.DeadlineExceeded) {
			return
		}
		metrics.TickFailuresTotal.Inc()
		e.breaker.Failure(tickErr)
		return
	}
	e.breaker.Success()
}

// ═══════════════════════════════════════════════════════════════════════════════
// THE TICK
// ═══════════════════════════════════════════════════════════════════════════════

// tick is the reconciliation pass: close hit trades and arm triggers, fire
// due triggers through the gate, progress pyramids, run the safety manager's
// periodic checks. All price reads for a symbol use one snapshot.
func (e *Engine) tick(ctx context.Context) error {
	now := time.Now()

	prices, err := e.snapshotPrices(ctx)
	if err != nil {
		return err
	}

	if err := e.checkOpenTrades(ctx, prices); err != nil {
		return err
	}

	if err := e.processTriggers(ctx, now, prices); err != nil {
		return err
	}

	if !e.paused.Load() {
		if err := e.pyramidPass(ctx, prices); err != nil {
			return err
		}
	}

	e.runSafetyChecks(now)
	e.updateGauges()
	return nil
}

// snapshotPrices fetches one quote per symbol of interest for this tick
func (e *Engine) snapshotPrices(ctx context.Context) (map[string]decimal.Decimal, error) {
	symbols := make(map[string]bool)
	e.tradesMu.RLock()
	for _, t := range e.trades {
		symbols[t.Symbol] = true
	}
	e.tradesMu.RUnlock()
	for _, s := range e.reg.Symbols() {
		symbols[s] = true
	}
	for _, c := range e.pyramids.Chains() {
		if c.Status == types.ChainActive {
			symbols[c.Symbol] = true
		}
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	for s := range symbols {
		price, err := e.client.GetCurrentPrice(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("symbol", s).Msg("Price fetch failed, skipping symbol this tick")
			continue
		}
		prices[s] = price
	}
	return prices, nil
}

// checkOpenTrades closes every trade whose stop or target has been hit and
// arms the follow-up trigger its close reason qualifies for. Iterates a
// copied id list because closing removes entries from the book.
func (e *Engine) checkOpenTrades(ctx context.Context, prices map[string]decimal.Decimal) error {
	e.tradesMu.RLock()
	ids := make([]string, 0, len(e.trades))
	for id := range e.trades {
		ids = append(ids, id)
	}
	e.tradesMu.RUnlock()

	for _, id := range ids {
		e.tradesMu.RLock()
		t, ok := e.trades[id]
		e.tradesMu.RUnlock()
		if !ok || !t.IsOpen() {
			continue
		}
		price, ok := prices[t.Symbol]
		if !ok || price.IsZero() {
			continue
		}

		var reason types.CloseReason
		switch {
		case t.StopHit(price):
			reason = types.CloseStopLoss
		case t.TargetHit(price):
			reason = types.CloseTakeProfit
		default:
			continue
		}

		if err := e.closeTrade(ctx, t, price, reason); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Isolated to this trade; the rest of the book still gets checked.
			log.Error().Err(err).Str("trade_id", t.ID).Msg("Close failed, will retry next tick")
			continue
		}
	}
	return nil
}

// closeTrade closes a position with bounded retry, records the realized
// result, and routes the close into chain state.
func (e *Engine) closeTrade(ctx context.Context, t *types.Trade, price decimal.Decimal, reason types.CloseReason) error {
	if err := broker.CloseWithRetry(ctx, e.client, t.ID, e.cfg.RetryAttempts); err != nil {
		return err
	}
	if err := t.Close(price, reason, time.Now()); err != nil {
		return err
	}

	realized, err := e.client.GetRealizedProfit(ctx, t.ID)
	if err != nil {
		realized = t.UnrealizedPnL(price, e.cfg.PipSize, e.cfg.PipValue)
	}
	_ = t.AnnotateRealized(realized)

	e.tradesMu.Lock()
	delete(e.trades, t.ID)
	e.tradesMu.Unlock()
	e.persistTrade(t)
	metrics.OrdersClosedTotal.WithLabelValues(string(reason)).Inc()

	log.Info().
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Str("reason", string(reason)).
		Str("price", price.String()).
		Str("realized", realized.StringFixed(2)).
		Msg("📊 Trade closed")

	e.resolveClose(ctx, t, price)
	return nil
}

// resolveClose routes a closed trade into its chains: recovery outcomes are
// resolved, qualifying closes arm a pending trigger.
func (e *Engine) resolveClose(ctx context.Context, t *types.Trade, price decimal.Decimal) {
	// A closed recovery leg resolves the attempt it belonged to.
	if t.Role == types.RoleRecovery {
		e.resolveRecoveryClose(t, price)
		return
	}

	if t.ProfitChainID != "" {
		e.resolveProfitLegClose(t, price)
		return
	}

	if t.ReEntryChainID != "" {
		e.resolveReEntryLegClose(t, price)
	}
}

// resolveRecoveryClose turns the recovery order's own close into a chain
// outcome. A losing close stops the chain for good. A profitable close
// recovers a profit-chain level's loss; on a re-entry chain the leg behaves
// like any other leg from here (continuation, completion, exit watch), since
// the attempt itself already resolved at placement.
func (e *Engine) resolveRecoveryClose(t *types.Trade, price decimal.Decimal) {
	chainID := t.ReEntryChainID
	if t.ProfitChainID != "" {
		chainID = t.ProfitChainID
	}
	ev := types.ChainEvent{
		ChainID: chainID,
		Symbol:  t.Symbol,
		Level:   t.ProfitLevel,
		Price:   price,
		Amount:  t.RealizedPnL,
	}

	if t.RealizedPnL.GreaterThanOrEqual(decimal.Zero) {
		if t.ProfitChainID != "" {
			if err := e.safety.HandleRecoverySuccess(chainID, t); err != nil {
				log.Error().Err(err).Str("chain_id", chainID).Msg("Recovery success resolution failed")
				return
			}
			if chain, ok := e.pyramids.Chain(chainID); ok {
				chain.AddRealized(t.RealizedPnL)
				e.persistProfitChain(chain)
			}
			metrics.RecoveriesTotal.WithLabelValues("success").Inc()
			e.notifyRecoverySucceeded(ev)
			return
		}
		e.resolveReEntryLegClose(t, price)
		return
	}

	if err := e.safety.HandleRecoveryFailure(chainID, t); err != nil {
		log.Error().Err(err).Str("chain_id", chainID).Msg("Recovery failure resolution failed")
		return
	}
	e.reg.Remove(chainID)
	metrics.RecoveriesTotal.WithLabelValues("failure").Inc()
	ev.Reason = "recovery attempt failed"
	e.notifyRecoveryFailed(ev)
	e.notifyChainStopped(ev)
	e.persistReEntryChain(t.ReEntryChainID)
}

// resolveProfitLegClose handles a pyramid order that closed outside the
// booking path: the level registers a loss and an SL-hunt trigger watches
// for a recovery entry.
func (e *Engine) resolveProfitLegClose(t *types.Trade, price decimal.Decimal) {
	chain, ok := e.pyramids.Chain(t.ProfitChainID)
	if !ok {
		return
	}
	chain.RemoveOpenOrder(t.ID)

	if t.RealizedPnL.GreaterThanOrEqual(decimal.Zero) {
		chain.AddRealized(t.RealizedPnL)
		e.persistProfitChain(chain)
		return
	}

	e.pyramids.MarkLevelLoss(chain.ID)
	e.persistProfitChain(chain)

	if t.CloseReason == types.CloseStopLoss && !t.StopPrice.IsZero() {
		e.registerTrigger(&registry.PendingTrigger{
			ChainID:       chain.ID,
			Symbol:        t.Symbol,
			Direction:     t.Direction,
			Kind:          registry.TriggerStopLossHunt,
			TargetPrice:   e.safety.RecoveryPrice(t.EntryPrice, t.StopPrice),
			SourceTradeID: t.ID,
		})
	}
}

// resolveReEntryLegClose arms the follow-up the close reason qualifies for
// on the trade's re-entry chain.
func (e *Engine) resolveReEntryLegClose(t *types.Trade, price decimal.Decimal) {
	chain, ok := e.safety.Chain(t.ReEntryChainID)
	if !ok {
		return
	}

	e.stampChainMetadata(chain, t)

	switch t.CloseReason {
	case types.CloseStopLoss:
		if err := chain.EnterRecoveryMode(); err != nil {
			log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Chain cannot enter recovery mode")
			return
		}
		e.registerTrigger(&registry.PendingTrigger{
			ChainID:       chain.ID,
			Symbol:        t.Symbol,
			Direction:     t.Direction,
			Kind:          registry.TriggerStopLossHunt,
			TargetPrice:   e.safety.RecoveryPrice(t.EntryPrice, t.StopPrice),
			SourceTradeID: t.ID,
		})
		e.persistReEntryChain(chain.ID)

	case types.CloseTakeProfit:
		e.safety.AddRealized(chain.ID, t.RealizedPnL)

		if !e.cfg.EnableTPContinuation || chain.Level >= chain.MaxLevel {
			if err := chain.Complete(); err == nil {
				log.Info().
					Str("chain_id", chain.ID).
					Str("realized", chain.RealizedProfit.StringFixed(2)).
					Msg("🏁 Re-entry chain completed at target")
			}
			e.persistReEntryChain(chain.ID)
			return
		}

		if err := chain.EnterRecoveryMode(); err != nil {
			log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Chain cannot arm continuation")
			return
		}
		e.registerTrigger(&registry.PendingTrigger{
			ChainID:       chain.ID,
			Symbol:        t.Symbol,
			Direction:     t.Direction,
			Kind:          registry.TriggerTPContinuation,
			TargetPrice:   t.TargetPrice,
			SourceTradeID: t.ID,
		})
		e.persistReEntryChain(chain.ID)

	case types.CloseTrendReversal, types.CloseManual:
		// Exit continuation only for closes that banked a profit.
		if t.RealizedPnL.GreaterThan(decimal.Zero) {
			e.safety.AddRealized(chain.ID, t.RealizedPnL)
			if err := chain.EnterRecoveryMode(); err != nil {
				return
			}
			e.registerTrigger(&registry.PendingTrigger{
				ChainID:       chain.ID,
				Symbol:        t.Symbol,
				Direction:     t.Direction,
				Kind:          registry.TriggerExitContinuation,
				TargetPrice:   price,
				SourceTradeID: t.ID,
			})
		} else {
			_ = chain.Stop("exited at a loss on reversal")
		}
		e.persistReEntryChain(chain.ID)
	}
}

// registerTrigger stamps the recovery window and inserts the trigger
func (e *Engine) registerTrigger(t *registry.PendingTrigger) {
	now := time.Now()
	t.CreatedAt = now
	t.ExpiresAt = now.Add(e.safety.Config().RecoveryWindow)
	e.reg.Register(t)
	metrics.TriggersRegistered.WithLabelValues(string(t.Kind)).Inc()
}

// stampChainMetadata records what the next attempt on this chain needs
func (e *Engine) stampChainMetadata(chain *types.ReEntryChain, t *types.Trade) {
	chain.Metadata[metaLastLot] = t.Lot.String()
	chain.Metadata[metaLastStop] = t.StopPrice.String()
	chain.Metadata[metaLastTarget] = t.TargetPrice.String()
	chain.Metadata[metaStopDistance] = t.EntryPrice.Sub(t.StopPrice).Abs().String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRIGGER PROCESSING
// ═══════════════════════════════════════════════════════════════════════════════

// processTriggers sweeps expirations into explicit chain stops, then fires
// due triggers through the execution gate.
func (e *Engine) processTriggers(ctx context.Context, now time.Time, prices map[string]decimal.Decimal) error {
	due, expired := e.reg.DueTriggers(now, prices)

	for _, trig := range expired {
		metrics.TriggersExpired.Inc()
		e.stopChainForExpiredTrigger(trig)
	}

	if e.paused.Load() {
		return nil
	}

	for _, trig := range due {
		if err := e.fireTrigger(ctx, trig, prices[trig.Symbol]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("chain_id", trig.ChainID).Msg("Trigger execution failed")
		}
	}
	return nil
}

// stopChainForExpiredTrigger converts a lapsed watch into an explicit stop
// with a recorded reason, never a silent drop.
func (e *Engine) stopChainForExpiredTrigger(trig *registry.PendingTrigger) {
	log.Warn().
		Str("chain_id", trig.ChainID).
		Str("symbol", trig.Symbol).
		Str("kind", string(trig.Kind)).
		Msg("⏳ Trigger expired unmet")

	e.stopChain(trig.ChainID, stopReasonWindowTimeout)
}

// stopChain stops whichever chain owns the id, in either manager
func (e *Engine) stopChain(chainID, reason string) {
	e.safety.ReleaseRecovery(chainID)

	if chain, ok := e.safety.Chain(chainID); ok {
		if err := chain.Stop(reason); err != nil {
			return
		}
		e.persistReEntryChain(chain.ID)
		e.notifyChainStopped(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Reason:  reason,
		})
		return
	}

	if _, ok := e.pyramids.Chain(chainID); ok {
		_ = e.pyramids.StopChain(chainID, reason)
	}
}

// fireTrigger runs one due trigger through the execution gate and, if
// approved, consumes it and places the recovery order. The gate re-reads
// chain state here, so a snapshot taken before broker I/O is never trusted.
func (e *Engine) fireTrigger(ctx context.Context, trig *registry.PendingTrigger, price decimal.Decimal) error {
	reChain, isReEntry := e.safety.Chain(trig.ChainID)
	profitChain, isProfit := e.pyramids.Chain(trig.ChainID)
	if !isReEntry && !isProfit {
		e.reg.Remove(trig.ChainID)
		return nil
	}

	var req risk.ExecRequest
	var order broker.OrderRequest
	if isReEntry {
		order = e.reEntryRecoveryOrder(reChain, trig, price)
		req = risk.ExecRequest{
			ChainID:       reChain.ID,
			Kind:          risk.KindReEntry,
			Symbol:        trig.Symbol,
			Direction:     trig.Direction,
			PotentialLoss: e.potentialLoss(order),
			Reason:        string(trig.Kind),
		}
	} else {
		order = e.profitRecoveryOrder(profitChain, price)
		req = risk.ExecRequest{
			ChainID:       profitChain.ID,
			Kind:          risk.KindProfit,
			Symbol:        trig.Symbol,
			Direction:     trig.Direction,
			PotentialLoss: e.potentialLoss(order),
			Reason:        string(trig.Kind),
		}
	}

	approval := e.gate.Approve(req)
	if !approval.Approved {
		// A vanished or terminal chain will never fire; drop its watches.
		// Every other skip is "not now", the trigger keeps waiting.
		if approval.Skip == types.SkipChainGone || approval.Skip == types.SkipChainState {
			if status, ok := e.chainStatus(trig.ChainID); !ok || status.Terminal() {
				e.reg.Remove(trig.ChainID)
			}
		}
		return nil
	}

	if !e.reg.Consume(trig) {
		return nil
	}

	if isReEntry {
		return e.placeReEntryRecovery(ctx, reChain, trig, order)
	}
	return e.placeProfitRecovery(ctx, profitChain, trig, order)
}

// reEntryRecoveryOrder sizes the re-entry order: entry at the recovered
// price, stop distance tightened per chain level for continuations.
func (e *Engine) reEntryRecoveryOrder(chain *types.ReEntryChain, trig *registry.PendingTrigger, price decimal.Decimal) broker.OrderRequest {
	dist := chain.OriginalStopDistance
	if trig.Kind == registry.TriggerTPContinuation {
		dist = e.safety.StopDistanceForLevel(chain.OriginalStopDistance, chain.Level+1)
	}

	lot := e.cfg.DefaultLot
	if raw, ok := chain.Metadata[metaLastLot]; ok {
		if parsed, err := decimal.NewFromString(raw); err == nil && parsed.GreaterThan(decimal.Zero) {
			lot = parsed
		}
	}

	var stop, target decimal.Decimal
	if chain.Direction == types.Long {
		stop = price.Sub(dist)
		target = price.Add(dist)
	} else {
		stop = price.Add(dist)
		target = price.Sub(dist)
	}

	return broker.OrderRequest{
		Symbol:    chain.Symbol,
		Direction: chain.Direction,
		Lot:       lot,
		Entry:     price,
		Stop:      stop,
		Target:    target,
		Tag:       fmt.Sprintf("recovery:%s:L%d", chain.ID, chain.Level+1),
	}
}

// profitRecoveryOrder sizes a profit-chain level recovery: symmetric stop
// and target at the distance where one base-lot order earns the chain's
// per-order dollar target, so the close itself resolves the attempt.
func (e *Engine) profitRecoveryOrder(chain *types.ProfitBookingChain, price decimal.Decimal) broker.OrderRequest {
	var stop, target decimal.Decimal
	if !e.cfg.PipValue.IsZero() && !chain.BaseLot.IsZero() {
		dist := chain.ProfitTarget.Div(e.cfg.PipValue.Mul(chain.BaseLot)).Mul(e.cfg.PipSize)
		if chain.Direction == types.Long {
			stop = price.Sub(dist)
			target = price.Add(dist)
		} else {
			stop = price.Add(dist)
			target = price.Sub(dist)
		}
	}

	return broker.OrderRequest{
		Symbol:    chain.Symbol,
		Direction: chain.Direction,
		Lot:       chain.BaseLot,
		Entry:     price,
		Stop:      stop,
		Target:    target,
		Tag:       fmt.Sprintf("recovery:%s:L%d", chain.ID, chain.Level),
	}
}

// potentialLoss estimates the account-currency loss if the order stops out
func (e *Engine) potentialLoss(order broker.OrderRequest) decimal.Decimal {
	if order.Stop.IsZero() || e.cfg.PipSize.IsZero() {
		return decimal.Zero
	}
	dist := order.Entry.Sub(order.Stop).Abs()
	return dist.Div(e.cfg.PipSize).Mul(e.cfg.PipValue).Mul(order.Lot)
}

// placeReEntryRecovery executes an approved re-entry recovery. Successful
// placement advances the chain by one level and returns it to ACTIVE; a
// placement failure stops the chain.
func (e *Engine) placeReEntryRecovery(ctx context.Context, chain *types.ReEntryChain, trig *registry.PendingTrigger, order broker.OrderRequest) error {
	if err := e.safety.BeginRecovery(chain); err != nil {
		return err
	}
	e.persistReEntryChain(chain.ID)
	e.notifyRecoveryStarted(types.ChainEvent{
		ChainID: chain.ID,
		Symbol:  chain.Symbol,
		Level:   chain.Level,
		Price:   order.Entry,
		Reason:  string(trig.Kind),
	})

	orderID, err := broker.PlaceWithRetry(ctx, e.client, order, e.cfg.RetryAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ferr := e.safety.HandleRecoveryFailure(chain.ID, nil)
		e.persistReEntryChain(chain.ID)
		metrics.RecoveriesTotal.WithLabelValues("failure").Inc()
		e.notifyRecoveryFailed(types.ChainEvent{
			ChainID: chain.ID,
			Symbol:  chain.Symbol,
			Level:   chain.Level,
			Reason:  "recovery attempt failed",
		})
		if ferr != nil {
			return ferr
		}
		return err
	}

	trade := &types.Trade{
		ID:             orderID,
		Symbol:         order.Symbol,
		Direction:      order.Direction,
		EntryPrice:     order.Entry,
		StopPrice:      order.Stop,
		TargetPrice:    order.Target,
		Lot:            order.Lot,
		Role:           types.RoleRecovery,
		Status:         types.TradeOpen,
		ReEntryChainID: chain.ID,
		OpenedAt:       time.Now(),
	}
	e.tradesMu.Lock()
	e.trades[orderID] = trade
	e.tradesMu.Unlock()
	e.persistTrade(trade)
	metrics.OrdersPlacedTotal.WithLabelValues(string(types.RoleRecovery)).Inc()

	if err := e.safety.HandleRecoverySuccess(chain.ID, trade); err != nil {
		return err
	}
	e.persistReEntryChain(chain.ID)
	metrics.RecoveriesTotal.WithLabelValues("success").Inc()
	e.notifyRecoverySucceeded(types.ChainEvent{
		ChainID: chain.ID,
		Symbol:  chain.Symbol,
		Level:   chain.Level,
		Price:   order.Entry,
		Amount:  chain.RealizedProfit,
	})

	e.scheduleQuickCloseCheck(orderID)
	return nil
}

// placeProfitRecovery executes an approved profit-chain level recovery. The
// attempt consumes the same daily and concurrency budget as a re-entry
// recovery; the order's own close resolves the level's loss flag.
func (e *Engine) placeProfitRecovery(ctx context.Context, chain *types.ProfitBookingChain, trig *registry.PendingTrigger, order broker.OrderRequest) error {
	level := chain.Level
	e.safety.BeginProfitRecovery(chain.ID)

	orderID, err := broker.PlaceWithRetry(ctx, e.client, order, e.cfg.RetryAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecoveriesTotal.WithLabelValues("failure").Inc()
		_ = e.safety.HandleRecoveryFailure(chain.ID, &types.Trade{ProfitChainID: chain.ID, ProfitLevel: level})
		return err
	}

	trade := &types.Trade{
		ID:            orderID,
		Symbol:        order.Symbol,
		Direction:     order.Direction,
		EntryPrice:    order.Entry,
		StopPrice:     order.Stop,
		TargetPrice:   order.Target,
		Lot:           order.Lot,
		Role:          types.RoleRecovery,
		Status:        types.TradeOpen,
		ProfitChainID: chain.ID,
		ProfitLevel:   level,
		OpenedAt:      time.Now(),
	}
	e.tradesMu.Lock()
	e.trades[orderID] = trade
	e.tradesMu.Unlock()
	e.persistTrade(trade)
	metrics.OrdersPlacedTotal.WithLabelValues(string(types.RoleRecovery)).Inc()

	e.notifyRecoveryStarted(types.ChainEvent{
		ChainID: chain.ID,
		Symbol:  chain.Symbol,
		Level:   level,
		Price:   order.Entry,
		Reason:  string(trig.Kind),
	})

	e.scheduleQuickCloseCheck(orderID)
	return nil
}

// scheduleQuickCloseCheck arms a short follow-up verifying the freshly
// placed order is still live broker-side (fast rejections show up here, not
// a tick interval later).
func (e *Engine) scheduleQuickCloseCheck(orderID string) {
	e.schedule(e.cfg.FollowUpDelay, func(ctx context.Context) {
		e.tradesMu.RLock()
		t, ok := e.trades[orderID]
		e.tradesMu.RUnlock()
		if !ok || !t.IsOpen() {
			return
		}
		positions, err := e.client.ListOpenPositions(ctx)
		if err != nil {
			return
		}
		for _, pos := range positions {
			if pos.OrderID == orderID {
				return
			}
		}

		log.Warn().Str("trade_id", orderID).Msg("⚠️ Order vanished right after placement")
		price, perr := e.client.GetCurrentPrice(ctx, t.Symbol)
		if perr != nil {
			price = t.EntryPrice
		}
		if err := t.Close(price, types.CloseManual, time.Now()); err != nil {
			return
		}
		realized, rerr := e.client.GetRealizedProfit(ctx, orderID)
		if rerr != nil {
			realized = t.UnrealizedPnL(price, e.cfg.PipSize, e.cfg.PipValue)
		}
		_ = t.AnnotateRealized(realized)
		e.tradesMu.Lock()
		delete(e.trades, orderID)
		e.tradesMu.Unlock()
		e.persistTrade(t)
		e.resolveClose(ctx, t, price)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// PYRAMID PASS
// ═══════════════════════════════════════════════════════════════════════════════

// pyramidPass books orders at target, progresses fully-closed levels, and
// reconciles chains whose orders vanished from our book.
func (e *Engine) pyramidPass(ctx context.Context, prices map[string]decimal.Decimal) error {
	openByChain := make(map[string][]*types.Trade)
	e.tradesMu.RLock()
	for _, t := range e.trades {
		if t.ProfitChainID != "" && t.IsOpen() {
			openByChain[t.ProfitChainID] = append(openByChain[t.ProfitChainID], t)
		}
	}
	e.tradesMu.RUnlock()

	for _, chain := range e.pyramids.Chains() {
		if chain.Status != types.ChainActive {
			continue
		}
		price, havePrice := prices[chain.Symbol]
		openTrades := openByChain[chain.ID]

		if havePrice && !price.IsZero() {
			for _, t := range e.pyramids.CheckProfitTargets(chain, openTrades, price) {
				if err := e.pyramids.BookOrder(ctx, t, chain); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					log.Error().Err(err).Str("trade_id", t.ID).Msg("Booking failed, will retry next tick")
					continue
				}
				e.tradesMu.Lock()
				delete(e.trades, t.ID)
				e.tradesMu.Unlock()
				metrics.OrdersClosedTotal.WithLabelValues(string(types.CloseBooked)).Inc()
			}
		}

		// Believed-active chain with no orders in our book: reconcile against
		// the broker before trusting the discrepancy.
		if len(openTrades) == 0 && len(chain.OpenOrderIDs) > 0 {
			if err := e.pyramids.Reconcile(ctx, chain); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().Err(err).Str("chain_id", chain.ID).Msg("Reconciliation failed")
			}
			continue
		}

		newTrades, err := e.pyramids.CheckAndProgress(ctx, chain, openTrades)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("chain_id", chain.ID).Msg("Chain progression failed")
			continue
		}
		e.tradesMu.Lock()
		for _, t := range newTrades {
			e.trades[t.ID] = t
		}
		e.tradesMu.Unlock()
		for _, t := range newTrades {
			metrics.OrdersPlacedTotal.WithLabelValues(string(t.Role)).Inc()
		}
	}
	return nil
}

// runSafetyChecks runs the safety manager's own periodic pass and reports
// any chains it had to stop.
func (e *Engine) runSafetyChecks(now time.Time) {
	for _, stopped := range e.safety.RunPeriodicChecks(now) {
		e.reg.Remove(stopped.Chain.ID)
		e.persistReEntryChain(stopped.Chain.ID)
		e.notifyChainStopped(types.ChainEvent{
			ChainID: stopped.Chain.ID,
			Symbol:  stopped.Chain.Symbol,
			Level:   stopped.Chain.Level,
			Reason:  stopped.Reason,
		})
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INBOUND SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// HandleEntrySignal opens the original position for a strategy signal and
// seeds its chain. Safe to call from the strategy goroutine.
func (e *Engine) HandleEntrySignal(ctx context.Context, sig types.EntrySignal) error {
	if e.paused.Load() {
		log.Info().Str("symbol", sig.Symbol).Msg("Engine paused, entry signal dropped")
		return nil
	}

	role := sig.Role
	if role == "" {
		role = types.RoleTPTrailing
	}
	lot := sig.LotHint
	if lot.IsZero() {
		lot = e.cfg.DefaultLot
	}

	orderID, err := broker.PlaceWithRetry(ctx, e.client, broker.OrderRequest{
		Symbol:    sig.Symbol,
		Direction: sig.Direction,
		Lot:       lot,
		Entry:     sig.Entry,
		Stop:      sig.Stop,
		Target:    sig.Target,
		Tag:       fmt.Sprintf("entry:%s", role),
	}, e.cfg.RetryAttempts)
	if err != nil {
		return fmt.Errorf("entry signal %s %s: %w", sig.Symbol, sig.Direction, err)
	}

	trade := &types.Trade{
		ID:          orderID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		EntryPrice:  sig.Entry,
		StopPrice:   sig.Stop,
		TargetPrice: sig.Target,
		Lot:         lot,
		Role:        role,
		Status:      types.TradeOpen,
		OpenedAt:    time.Now(),
	}

	switch role {
	case types.RoleProfitTrailing:
		if chain := e.pyramids.CreateChain(trade); chain != nil {
			log.Info().
				Str("chain_id", chain.ID).
				Str("symbol", sig.Symbol).
				Msg("📈 Entry opened with profit chain")
		}
	default:
		chain := types.NewReEntryChain(trade, e.safety.Config().MaxChainLevel)
		trade.ReEntryChainID = chain.ID
		e.stampChainMetadata(chain, trade)
		e.safety.Track(chain)
		e.persistReEntryChain(chain.ID)
		log.Info().
			Str("chain_id", chain.ID).
			Str("symbol", sig.Symbol).
			Str("direction", string(sig.Direction)).
			Msg("📈 Entry opened with re-entry chain")
	}

	e.tradesMu.Lock()
	e.trades[orderID] = trade
	e.tradesMu.Unlock()
	e.persistTrade(trade)
	metrics.OrdersPlacedTotal.WithLabelValues(string(role)).Inc()
	return nil
}

// HandleExitSignal exits every position opposing the new trend direction and
// stops or re-arms their chains. Profitable exits arm an exit-continuation
// watch in the original direction; losing exits stop the chain. Pending
// watches already armed against the new trend are withdrawn and their
// chains stopped.
func (e *Engine) HandleExitSignal(ctx context.Context, sig types.ExitSignal) error {
	exitDir := sig.Direction.Opposite()

	e.tradesMu.RLock()
	ids := make([]string, 0, len(e.trades))
	for id, t := range e.trades {
		if t.Symbol == sig.Symbol && t.Direction == exitDir && t.IsOpen() {
			ids = append(ids, id)
		}
	}
	e.tradesMu.RUnlock()

	if len(ids) > 0 {
		log.Info().
			Str("symbol", sig.Symbol).
			Str("new_trend", string(sig.Direction)).
			Int("positions", len(ids)).
			Msg("🔄 Exit signal, closing opposing positions")
	}

	// A watch already armed against the new trend will never pass the gate
	// again; withdraw it and stop the owning chain now rather than letting
	// the window run out. Swept before the closes below so a fresh
	// exit-continuation watch from a profitable close survives.
	for _, trig := range e.reg.Armed(sig.Symbol, exitDir) {
		e.reg.Remove(trig.ChainID)
		e.stopChain(trig.ChainID, "trend reversed against pending recovery")
	}

	var firstErr error
	for _, id := range ids {
		e.tradesMu.RLock()
		t, ok := e.trades[id]
		e.tradesMu.RUnlock()
		if !ok {
			continue
		}
		price, err := e.client.GetCurrentPrice(ctx, t.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			price = t.EntryPrice
		}
		if err := e.closeTrade(ctx, t, price, types.CloseTrendReversal); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESTART HYDRATION & STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// restore rebuilds the in-memory state from storage on startup
func (e *Engine) restore() error {
	if e.store == nil {
		return nil
	}

	trades, err := e.store.LoadOpenTrades()
	if err != nil {
		return err
	}
	e.tradesMu.Lock()
	for _, t := range trades {
		e.trades[t.ID] = t
	}
	e.tradesMu.Unlock()

	reChains, err := e.store.LoadActiveReEntryChains()
	if err != nil {
		return err
	}
	for _, c := range reChains {
		e.safety.Track(c)
	}

	profitChains, err := e.store.LoadActiveProfitChains()
	if err != nil {
		return err
	}
	for _, c := range profitChains {
		e.pyramids.Track(c)
	}

	if len(trades) > 0 || len(reChains) > 0 || len(profitChains) > 0 {
		log.Info().
			Int("trades", len(trades)).
			Int("reentry_chains", len(reChains)).
			Int("profit_chains", len(profitChains)).
			Msg("💾 State restored from storage")
	}
	return nil
}

// OpenTrades returns a copy of the open-trade book (status reporting)
func (e *Engine) OpenTrades() []*types.Trade {
	e.tradesMu.RLock()
	defer e.tradesMu.RUnlock()
	out := make([]*types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t)
	}
	return out
}

// ReEntryChains returns the tracked re-entry chains
func (e *Engine) ReEntryChains() []*types.ReEntryChain {
	return e.safety.Chains()
}

// ProfitChains returns the tracked profit chains
func (e *Engine) ProfitChains() []*types.ProfitBookingChain {
	return e.pyramids.Chains()
}

// DailyStats reports the safety manager's daily counters
func (e *Engine) DailyStats() (attempts int, loss decimal.Decimal, inFlight int) {
	return e.safety.DailyStats()
}

// PendingTriggers reports the registry size
func (e *Engine) PendingTriggers() int {
	return e.reg.Len()
}

func (e *Engine) chainStatus(chainID string) (types.ChainStatus, bool) {
	if status, ok := e.safety.ChainState(chainID); ok {
		return status, true
	}
	return e.pyramids.ChainState(chainID)
}

func (e *Engine) updateGauges() {
	e.tradesMu.RLock()
	open := len(e.trades)
	e.tradesMu.RUnlock()
	metrics.OpenTrades.Set(float64(open))

	reActive := 0
	total := decimal.Zero
	for _, c := range e.safety.Chains() {
		if !c.Status.Terminal() {
			reActive++
		}
		total = total.Add(c.RealizedProfit)
	}
	profitActive := 0
	for _, c := range e.pyramids.Chains() {
		if !c.Status.Terminal() {
			profitActive++
		}
		total = total.Add(c.RealizedProfit)
	}
	metrics.ActiveChains.WithLabelValues("reentry").Set(float64(reActive))
	metrics.ActiveChains.WithLabelValues("profit").Set(float64(profitActive))
	realized, _ := total.Float64()
	metrics.RealizedProfitUSD.Set(realized)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE & NOTIFICATION HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) persistTrade(t *types.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(t); err != nil {
		log.Error().Err(err).Str("trade_id", t.ID).Msg("Failed to persist trade")
	}
}

func (e *Engine) persistReEntryChain(chainID string) {
	if e.store == nil {
		return
	}
	chain, ok := e.safety.Chain(chainID)
	if !ok {
		return
	}
	if err := e.store.SaveReEntryChain(chain); err != nil {
		log.Error().Err(err).Str("chain_id", chainID).Msg("Failed to persist re-entry chain")
	}
}

func (e *Engine) persistProfitChain(chain *types.ProfitBookingChain) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveProfitChain(chain); err != nil {
		log.Error().Err(err).Str("chain_id", chain.ID).Msg("Failed to persist profit chain")
	}
}

func (e *Engine) notifyOperator(msg string) {
	if e.notifier != nil {
		e.notifier.NotifyOperator(msg)
	}
}

func (e *Engine) notifyRecoveryStarted(ev types.ChainEvent) {
	if e.notifier != nil {
		e.notifier.NotifyRecoveryStarted(ev)
	}
}

func (e *Engine) notifyRecoverySucceeded(ev types.ChainEvent) {
	if e.notifier != nil {
		e.notifier.NotifyRecoverySucceeded(ev)
	}
}

func (e *Engine) notifyRecoveryFailed(ev types.ChainEvent) {
	if e.notifier != nil {
		e.notifier.NotifyRecoveryFailed(ev)
	}
}

func (e *Engine) notifyChainStopped(ev types.ChainEvent) {
	if e.notifier != nil {
		e.notifier.NotifyChainStopped(ev)
	}
}
