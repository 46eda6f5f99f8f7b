package pyramid

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/broker"
	"github.com/traderops/chainflow/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *broker.Paper) {
	t.Helper()
	paper := broker.NewPaper(nil, 0)
	paper.SetPrice("EURUSD", dec("1.1000"))
	return NewManager(cfg, paper, nil, nil), paper
}

func newOpeningTrade() *types.Trade {
	return &types.Trade{
		ID:         "open-1",
		Symbol:     "EURUSD",
		Direction:  types.Long,
		EntryPrice: dec("1.1000"),
		Lot:        dec("0.1"),
		Role:       types.RoleProfitTrailing,
		Status:     types.TradeOpen,
		OpenedAt:   time.Now(),
	}
}

func TestCreateChainRoleGating(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	wrongRole := newOpeningTrade()
	wrongRole.Role = types.RoleTPTrailing
	if chain := m.CreateChain(wrongRole); chain != nil {
		t.Fatal("chain created for a TP-trailing trade")
	}

	opening := newOpeningTrade()
	chain := m.CreateChain(opening)
	if chain == nil {
		t.Fatal("no chain for a profit-trailing trade")
	}
	if opening.ProfitChainID != chain.ID || opening.ProfitLevel != 0 {
		t.Fatalf("opening trade not linked: chain=%s level=%d", opening.ProfitChainID, opening.ProfitLevel)
	}
	if chain.Level != 0 || len(chain.OpenOrderIDs) != 1 {
		t.Fatalf("chain level=%d open=%d, want 0 and 1", chain.Level, len(chain.OpenOrderIDs))
	}

	disabled := DefaultConfig()
	disabled.Enabled = false
	md, _ := newTestManager(t, disabled)
	if chain := md.CreateChain(newOpeningTrade()); chain != nil {
		t.Fatal("chain created while the feature is disabled")
	}
}

func TestCheckProfitTargets(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	// +5 pips on 0.1 lot at $10/pip = $5, below the $10 target.
	ready := m.CheckProfitTargets(chain, []*types.Trade{opening}, dec("1.1005"))
	if len(ready) != 0 {
		t.Fatalf("ready = %d, want 0", len(ready))
	}

	// +10 pips = $10, exactly at target.
	ready = m.CheckProfitTargets(chain, []*types.Trade{opening}, dec("1.1010"))
	if len(ready) != 1 || ready[0].ID != opening.ID {
		t.Fatalf("ready = %+v, want the opening trade", ready)
	}
}

func TestBookOrderAccumulatesWithoutAdvancing(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	if err := m.BookOrder(context.Background(), opening, chain); err != nil {
		t.Fatalf("BookOrder: %v", err)
	}

	if opening.IsOpen() {
		t.Fatal("booked trade still open")
	}
	if opening.CloseReason != types.CloseBooked {
		t.Fatalf("close reason = %s", opening.CloseReason)
	}
	// Broker has no realized record for this id; the fixed target is credited.
	if !chain.RealizedProfit.Equal(dec("10")) {
		t.Fatalf("realized = %s, want 10", chain.RealizedProfit)
	}
	if chain.Level != 0 {
		t.Fatalf("booking advanced the level to %d", chain.Level)
	}
	if len(chain.OpenOrderIDs) != 0 {
		t.Fatalf("open orders = %d, want 0", len(chain.OpenOrderIDs))
	}
}

func TestCheckAndProgressWaitsForOpenOrders(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	newTrades, err := m.CheckAndProgress(context.Background(), chain, []*types.Trade{opening})
	if err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if newTrades != nil {
		t.Fatal("chain advanced while level 0 order is open")
	}
	if chain.Level != 0 {
		t.Fatalf("level = %d, want 0", chain.Level)
	}
}

func TestCheckAndProgressOpensMultiplierBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multipliers = []int{1, 2, 4}
	m, paper := newTestManager(t, cfg)
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	chain.RemoveOpenOrder(opening.ID)

	newTrades, err := m.CheckAndProgress(context.Background(), chain, nil)
	if err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}

	if len(newTrades) != 2 {
		t.Fatalf("new trades = %d, want multiplier[1] = 2", len(newTrades))
	}
	if chain.Level != 1 {
		t.Fatalf("level = %d, want 1", chain.Level)
	}
	if len(chain.OpenOrderIDs) != 2 {
		t.Fatalf("open orders = %d, want 2", len(chain.OpenOrderIDs))
	}
	for _, tr := range newTrades {
		if tr.ProfitChainID != chain.ID || tr.ProfitLevel != 1 {
			t.Fatalf("trade not tagged with chain/level: %+v", tr)
		}
		if tr.Role != types.RoleProfitLevel {
			t.Fatalf("role = %s, want %s", tr.Role, types.RoleProfitLevel)
		}
	}

	positions, _ := paper.ListOpenPositions(context.Background())
	if len(positions) != 2 {
		t.Fatalf("broker positions = %d, want 2", len(positions))
	}
}

func TestStrictModeStopsOnUnrecoveredLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true
	m, _ := newTestManager(t, cfg)
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	chain.RemoveOpenOrder(opening.ID)
	chain.MarkLevelLoss()

	if _, err := m.CheckAndProgress(context.Background(), chain, nil); err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if chain.Status != types.ChainStopped {
		t.Fatalf("status = %s, want STOPPED", chain.Status)
	}

	// A recovered loss lets an otherwise identical chain continue.
	m2, _ := newTestManager(t, cfg)
	opening2 := newOpeningTrade()
	chain2 := m2.CreateChain(opening2)
	chain2.RemoveOpenOrder(opening2.ID)
	chain2.MarkLevelLoss()
	chain2.MarkLevelRecovered(0)

	newTrades, err := m2.CheckAndProgress(context.Background(), chain2, nil)
	if err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if len(newTrades) == 0 || chain2.Level != 1 {
		t.Fatalf("recovered chain did not advance: level=%d", chain2.Level)
	}
}

type stubTriggerIndex struct {
	armed bool
}

func (s *stubTriggerIndex) HasChain(string) bool { return s.armed }

func TestStrictModeWaitsWhileWatchArmed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true
	m, _ := newTestManager(t, cfg)
	idx := &stubTriggerIndex{armed: true}
	m.SetTriggerIndex(idx)

	opening := newOpeningTrade()
	chain := m.CreateChain(opening)
	chain.RemoveOpenOrder(opening.ID)
	chain.MarkLevelLoss()

	// An SL-hunt watch is still armed for the chain: the loss may yet be
	// won back, so the strict stop holds off.
	newTrades, err := m.CheckAndProgress(context.Background(), chain, nil)
	if err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if newTrades != nil || chain.Status != types.ChainActive {
		t.Fatalf("chain = %s with %d trades, want ACTIVE and none", chain.Status, len(newTrades))
	}

	// The watch lapsed or was withdrawn: now the strict stop lands.
	idx.armed = false
	if _, err := m.CheckAndProgress(context.Background(), chain, nil); err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if chain.Status != types.ChainStopped {
		t.Fatalf("status = %s, want STOPPED", chain.Status)
	}
}

func TestStrictModeWaitsWhileRecoveryOrderOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strict = true
	m, _ := newTestManager(t, cfg)

	opening := newOpeningTrade()
	chain := m.CreateChain(opening)
	chain.RemoveOpenOrder(opening.ID)
	chain.MarkLevelLoss()

	inFlight := &types.Trade{
		ID:            "rec-1",
		Symbol:        "EURUSD",
		Direction:     types.Long,
		Lot:           dec("0.1"),
		Role:          types.RoleRecovery,
		Status:        types.TradeOpen,
		ProfitChainID: chain.ID,
	}
	newTrades, err := m.CheckAndProgress(context.Background(), chain, []*types.Trade{inFlight})
	if err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if newTrades != nil || chain.Status != types.ChainActive {
		t.Fatalf("chain = %s, want ACTIVE while the recovery order is open", chain.Status)
	}
}

func TestCheckProfitTargetsSkipsRecoveryOrders(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	// Deep in profit, but the recovery order's own target resolves its
	// close; the booking path leaves it alone.
	rec := &types.Trade{
		ID:            "rec-1",
		Symbol:        "EURUSD",
		Direction:     types.Long,
		EntryPrice:    dec("1.1000"),
		Lot:           dec("0.1"),
		Role:          types.RoleRecovery,
		Status:        types.TradeOpen,
		ProfitChainID: chain.ID,
	}
	ready := m.CheckProfitTargets(chain, []*types.Trade{rec}, dec("1.1100"))
	if len(ready) != 0 {
		t.Fatalf("ready = %+v, want none", ready)
	}
}

func TestMaxLevelCompletesChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Multipliers = []int{1}
	m, _ := newTestManager(t, cfg)
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	chain.RemoveOpenOrder(opening.ID)

	if _, err := m.CheckAndProgress(context.Background(), chain, nil); err != nil {
		t.Fatalf("CheckAndProgress: %v", err)
	}
	if chain.Status != types.ChainCompleted {
		t.Fatalf("status = %s, want COMPLETED", chain.Status)
	}
}

func TestReconcileMarksStaleAfterBoundedAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReconcileAttempts = 3
	m, _ := newTestManager(t, cfg)
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	// The broker never saw this order; the chain believes it is open.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Reconcile(ctx, chain); err != nil {
			t.Fatalf("Reconcile %d: %v", i, err)
		}
		if chain.Status != types.ChainActive {
			t.Fatalf("chain went %s after %d attempts", chain.Status, i+1)
		}
	}

	if err := m.Reconcile(ctx, chain); err != nil {
		t.Fatalf("final Reconcile: %v", err)
	}
	if chain.Status != types.ChainStale {
		t.Fatalf("status = %s, want STALE", chain.Status)
	}
}

func TestReconcileKeepsLiveOrders(t *testing.T) {
	m, paper := newTestManager(t, DefaultConfig())
	opening := newOpeningTrade()
	chain := m.CreateChain(opening)

	// Place a real order and graft it onto the chain next to a ghost id.
	orderID, err := paper.PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       dec("0.1"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	chain.OpenOrderIDs = []string{orderID, "ghost"}

	if err := m.Reconcile(context.Background(), chain); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(chain.OpenOrderIDs) != 1 || chain.OpenOrderIDs[0] != orderID {
		t.Fatalf("open orders = %v, want [%s]", chain.OpenOrderIDs, orderID)
	}
	if chain.Status != types.ChainActive {
		t.Fatalf("status = %s, want ACTIVE", chain.Status)
	}
}
