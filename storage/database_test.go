package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "chainflow_test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestDisabledDatabaseIsNoop(t *testing.T) {
	db, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if db.IsEnabled() {
		t.Fatal("empty path should disable persistence")
	}
	if err := db.SaveTrade(&types.Trade{ID: "t1"}); err != nil {
		t.Fatalf("disabled SaveTrade: %v", err)
	}
	trades, err := db.LoadOpenTrades()
	if err != nil || trades != nil {
		t.Fatalf("disabled load = %v, %v", trades, err)
	}
}

func TestTradeRoundTrip(t *testing.T) {
	db := newTestDB(t)

	open := &types.Trade{
		ID:             "t-open",
		Symbol:         "EURUSD",
		Direction:      types.Long,
		EntryPrice:     decimal.NewFromFloat(1.1050),
		StopPrice:      decimal.NewFromFloat(1.1000),
		TargetPrice:    decimal.NewFromFloat(1.1150),
		Lot:            decimal.NewFromFloat(0.1),
		Role:           types.RoleTPTrailing,
		Status:         types.TradeOpen,
		ReEntryChainID: "rc1",
		OpenedAt:       time.Now(),
	}
	if err := db.SaveTrade(open); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}

	closed := &types.Trade{
		ID:        "t-closed",
		Symbol:    "EURUSD",
		Direction: types.Long,
		Status:    types.TradeClosed,
		OpenedAt:  time.Now(),
	}
	if err := db.SaveTrade(closed); err != nil {
		t.Fatalf("SaveTrade closed: %v", err)
	}

	trades, err := db.LoadOpenTrades()
	if err != nil {
		t.Fatalf("LoadOpenTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "t-open" {
		t.Fatalf("open trades = %+v, want only t-open", trades)
	}
	got := trades[0]
	if !got.EntryPrice.Equal(open.EntryPrice) || got.ReEntryChainID != "rc1" {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	// Saving again upserts rather than duplicating.
	open.Status = types.TradeClosed
	if err := db.SaveTrade(open); err != nil {
		t.Fatalf("SaveTrade update: %v", err)
	}
	trades, _ = db.LoadOpenTrades()
	if len(trades) != 0 {
		t.Fatalf("updated trade still loaded as open: %+v", trades)
	}
}

func TestReEntryChainRoundTrip(t *testing.T) {
	db := newTestDB(t)

	chain := types.NewReEntryChain(&types.Trade{
		ID:         "t1",
		Symbol:     "EURUSD",
		Direction:  types.Long,
		EntryPrice: decimal.NewFromFloat(1.1050),
		StopPrice:  decimal.NewFromFloat(1.1000),
	}, 5)
	chain.Metadata["last_lot"] = "0.1"
	chain.AppendTrade("t2")

	if err := db.SaveReEntryChain(chain); err != nil {
		t.Fatalf("SaveReEntryChain: %v", err)
	}

	// A stopped chain must not hydrate on restart.
	stopped := types.NewReEntryChain(&types.Trade{ID: "t3", Symbol: "GBPUSD", Direction: types.Short}, 5)
	_ = stopped.Stop("test")
	if err := db.SaveReEntryChain(stopped); err != nil {
		t.Fatalf("SaveReEntryChain stopped: %v", err)
	}

	chains, err := db.LoadActiveReEntryChains()
	if err != nil {
		t.Fatalf("LoadActiveReEntryChains: %v", err)
	}
	if len(chains) != 1 || chains[0].ID != chain.ID {
		t.Fatalf("chains = %+v, want only the active one", chains)
	}

	got := chains[0]
	if got.Metadata["last_lot"] != "0.1" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
	if len(got.TradeIDs) != 2 || got.TradeIDs[1] != "t2" {
		t.Fatalf("trade ids = %v", got.TradeIDs)
	}
	if !got.OriginalEntry.Equal(chain.OriginalEntry) {
		t.Fatalf("original entry = %s", got.OriginalEntry)
	}
}

func TestProfitChainRoundTrip(t *testing.T) {
	db := newTestDB(t)

	chain := types.NewProfitBookingChain(&types.Trade{
		ID:        "t1",
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       decimal.NewFromFloat(0.1),
	}, []int{1, 2, 4}, decimal.NewFromInt(10))
	chain.MarkLevelLoss()
	chain.MarkLevelRecovered(0)
	chain.AddRealized(decimal.NewFromFloat(12.5))

	if err := db.SaveProfitChain(chain); err != nil {
		t.Fatalf("SaveProfitChain: %v", err)
	}

	chains, err := db.LoadActiveProfitChains()
	if err != nil {
		t.Fatalf("LoadActiveProfitChains: %v", err)
	}
	if len(chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(chains))
	}

	got := chains[0]
	if len(got.Multipliers) != 3 || got.Multipliers[2] != 4 {
		t.Fatalf("multipliers = %v", got.Multipliers)
	}
	if len(got.OpenOrderIDs) != 1 || got.OpenOrderIDs[0] != "t1" {
		t.Fatalf("open orders = %v", got.OpenOrderIDs)
	}
	if !got.LevelLoss[0] || !got.LevelRecovered[0] {
		t.Fatalf("loss flags lost: loss=%v recovered=%v", got.LevelLoss, got.LevelRecovered)
	}
	if !got.RealizedProfit.Equal(decimal.NewFromFloat(12.5)) {
		t.Fatalf("realized = %s", got.RealizedProfit)
	}
}
