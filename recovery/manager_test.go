package recovery

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestChain(dir types.Direction) *types.ReEntryChain {
	return types.NewReEntryChain(&types.Trade{
		ID:         "t1",
		Symbol:     "EURUSD",
		Direction:  dir,
		EntryPrice: dec("1.1050"),
		StopPrice:  dec("1.1000"),
		Lot:        dec("0.1"),
		Role:       types.RoleTPTrailing,
		Status:     types.TradeOpen,
	}, 5)
}

func TestRecoveryPrice(t *testing.T) {
	m := NewManager(DefaultConfig())

	// Long: entry 1.1050, stop 1.1000, fraction 0.70 -> 1.1035.
	got := m.RecoveryPrice(dec("1.1050"), dec("1.1000"))
	if !got.Equal(dec("1.1035")) {
		t.Fatalf("long recovery price = %s, want 1.1035", got)
	}

	// Short: entry 1.1000, stop 1.1050 -> 1.1015.
	got = m.RecoveryPrice(dec("1.1000"), dec("1.1050"))
	if !got.Equal(dec("1.1015")) {
		t.Fatalf("short recovery price = %s, want 1.1015", got)
	}
}

func TestStopDistanceForLevel(t *testing.T) {
	m := NewManager(DefaultConfig())

	// 50 pips, 0.10 reduction, level 2 -> 50 * 0.81 = 40.5 pips.
	got := m.StopDistanceForLevel(dec("0.0050"), 2)
	if !got.Equal(dec("0.00405")) {
		t.Fatalf("level 2 distance = %s, want 0.00405", got)
	}

	// Level 0 keeps the original distance.
	got = m.StopDistanceForLevel(dec("0.0050"), 0)
	if !got.Equal(dec("0.0050")) {
		t.Fatalf("level 0 distance = %s, want 0.0050", got)
	}

	// Deep levels floor at 0.5x of original: never below 25 pips here.
	for level := 7; level <= 30; level++ {
		got = m.StopDistanceForLevel(dec("0.0050"), level)
		if got.LessThan(dec("0.0025")) {
			t.Fatalf("level %d distance %s fell below the 25-pip floor", level, got)
		}
	}
}

func TestCheckLimitsDailyAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyAttempts = 2
	m := NewManager(cfg)

	for i := 0; i < 2; i++ {
		chain := newTestChain(types.Long)
		m.Track(chain)
		if err := chain.EnterRecoveryMode(); err != nil {
			t.Fatal(err)
		}
		ok, reason := m.CheckLimits(chain.ID, dec("50"))
		if !ok {
			t.Fatalf("attempt %d blocked: %s", i, reason)
		}
		if err := m.BeginRecovery(chain); err != nil {
			t.Fatal(err)
		}
		// Release the slot so only the daily count constrains the next one.
		m.ReleaseRecovery(chain.ID)
	}

	chain := newTestChain(types.Long)
	m.Track(chain)
	ok, reason := m.CheckLimits(chain.ID, dec("50"))
	if ok {
		t.Fatal("third attempt allowed past the daily limit")
	}
	if reason != types.SkipDailyAttempts {
		t.Fatalf("skip reason = %s, want %s", reason, types.SkipDailyAttempts)
	}
}

func TestCheckLimitsConcurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	m := NewManager(cfg)

	first := newTestChain(types.Long)
	m.Track(first)
	if err := first.EnterRecoveryMode(); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginRecovery(first); err != nil {
		t.Fatal(err)
	}

	second := newTestChain(types.Long)
	m.Track(second)
	ok, reason := m.CheckLimits(second.ID, dec("50"))
	if ok {
		t.Fatal("second concurrent recovery allowed")
	}
	if reason != types.SkipConcurrentLimit {
		t.Fatalf("skip reason = %s, want %s", reason, types.SkipConcurrentLimit)
	}

	m.ReleaseRecovery(first.ID)
	if ok, _ := m.CheckLimits(second.ID, dec("50")); !ok {
		t.Fatal("slot not released")
	}
}

func TestCheckLimitsProfitProtection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProfitProtectionMultiple = dec("2.0")
	m := NewManager(cfg)

	chain := newTestChain(types.Long)
	m.Track(chain)
	m.AddRealized(chain.ID, dec("150"))

	// Potential loss 50, banked 150 > 50*2: protect the profit.
	ok, reason := m.CheckLimits(chain.ID, dec("50"))
	if ok {
		t.Fatal("profit-protected recovery allowed")
	}
	if reason != types.SkipProfitProtection {
		t.Fatalf("skip reason = %s, want %s", reason, types.SkipProfitProtection)
	}

	// A larger attempt is still allowed: 150 <= 100*2.
	if ok, _ := m.CheckLimits(chain.ID, dec("100")); !ok {
		t.Fatal("recovery below the protection threshold blocked")
	}
}

func TestHandleRecoverySuccessAdvancesLevel(t *testing.T) {
	m := NewManager(DefaultConfig())
	chain := newTestChain(types.Long)
	m.Track(chain)

	if err := chain.EnterRecoveryMode(); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginRecovery(chain); err != nil {
		t.Fatal(err)
	}

	trade := &types.Trade{ID: "r1", Symbol: "EURUSD", ReEntryChainID: chain.ID}
	if err := m.HandleRecoverySuccess(chain.ID, trade); err != nil {
		t.Fatalf("HandleRecoverySuccess: %v", err)
	}

	if chain.Level != 1 {
		t.Fatalf("level = %d, want 1", chain.Level)
	}
	if chain.Status != types.ChainActive {
		t.Fatalf("status = %s, want ACTIVE", chain.Status)
	}
	if got := chain.TradeIDs[len(chain.TradeIDs)-1]; got != "r1" {
		t.Fatalf("last trade id = %s, want r1", got)
	}
	if _, _, inFlight := m.DailyStats(); inFlight != 0 {
		t.Fatalf("in-flight after success = %d, want 0", inFlight)
	}
}

func TestHandleRecoveryFailureStopsChain(t *testing.T) {
	m := NewManager(DefaultConfig())
	chain := newTestChain(types.Long)
	m.Track(chain)

	if err := chain.EnterRecoveryMode(); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginRecovery(chain); err != nil {
		t.Fatal(err)
	}

	trade := &types.Trade{
		ID:             "r1",
		ReEntryChainID: chain.ID,
		Status:         types.TradeClosed,
		RealizedPnL:    dec("-42.50"),
	}
	if err := m.HandleRecoveryFailure(chain.ID, trade); err != nil {
		t.Fatalf("HandleRecoveryFailure: %v", err)
	}

	if chain.Status != types.ChainStopped {
		t.Fatalf("status = %s, want STOPPED", chain.Status)
	}
	if chain.StopReason != "recovery attempt failed" {
		t.Fatalf("stop reason = %q", chain.StopReason)
	}
	if _, loss, _ := m.DailyStats(); !loss.Equal(dec("42.50")) {
		t.Fatalf("daily loss = %s, want 42.50", loss)
	}
}

type fakeResolver struct {
	recovered map[string]int
	stopped   map[string]string
}

func (f *fakeResolver) MarkLevelRecovered(chainID string, level int) error {
	if f.recovered == nil {
		f.recovered = make(map[string]int)
	}
	f.recovered[chainID] = level
	return nil
}

func (f *fakeResolver) StopChain(chainID, reason string) error {
	if f.stopped == nil {
		f.stopped = make(map[string]string)
	}
	f.stopped[chainID] = reason
	return nil
}

func TestRecoveryOutcomeRoutesToProfitChains(t *testing.T) {
	m := NewManager(DefaultConfig())
	resolver := &fakeResolver{}
	m.SetProfitChainResolver(resolver)

	trade := &types.Trade{ID: "r1", ProfitChainID: "pc1", ProfitLevel: 3}
	if err := m.HandleRecoverySuccess("pc1", trade); err != nil {
		t.Fatalf("HandleRecoverySuccess: %v", err)
	}
	if level, ok := resolver.recovered["pc1"]; !ok || level != 3 {
		t.Fatalf("recovered = %v", resolver.recovered)
	}

	if err := m.HandleRecoveryFailure("pc1", trade); err != nil {
		t.Fatalf("HandleRecoveryFailure: %v", err)
	}
	if reason := resolver.stopped["pc1"]; reason != "recovery attempt failed" {
		t.Fatalf("stop reason = %q", reason)
	}
}

func TestBeginProfitRecoveryAccounting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	m := NewManager(cfg)
	resolver := &fakeResolver{}
	m.SetProfitChainResolver(resolver)

	m.BeginProfitRecovery("pc1")
	attempts, _, inFlight := m.DailyStats()
	if attempts != 1 || inFlight != 1 {
		t.Fatalf("attempts=%d inFlight=%d, want 1 and 1", attempts, inFlight)
	}

	// The in-flight attempt occupies the concurrency slot like a re-entry
	// recovery would.
	if ok, reason := m.CheckLimits("other", dec("50")); ok || reason != types.SkipConcurrentLimit {
		t.Fatalf("concurrent check = %v %s, want blocked by the slot", ok, reason)
	}

	// A winning close frees the slot; the daily attempt stays spent.
	win := &types.Trade{ID: "r1", ProfitChainID: "pc1", ProfitLevel: 0, RealizedPnL: dec("10")}
	if err := m.HandleRecoverySuccess("pc1", win); err != nil {
		t.Fatalf("HandleRecoverySuccess: %v", err)
	}
	attempts, _, inFlight = m.DailyStats()
	if attempts != 1 || inFlight != 0 {
		t.Fatalf("after success: attempts=%d inFlight=%d, want 1 and 0", attempts, inFlight)
	}

	// A losing close frees the slot and lands in the daily loss counter.
	m.BeginProfitRecovery("pc2")
	lose := &types.Trade{ID: "r2", ProfitChainID: "pc2", ProfitLevel: 1, RealizedPnL: dec("-12")}
	if err := m.HandleRecoveryFailure("pc2", lose); err != nil {
		t.Fatalf("HandleRecoveryFailure: %v", err)
	}
	attempts, loss, inFlight := m.DailyStats()
	if attempts != 2 || inFlight != 0 {
		t.Fatalf("after failure: attempts=%d inFlight=%d, want 2 and 0", attempts, inFlight)
	}
	if !loss.Equal(dec("12")) {
		t.Fatalf("daily loss = %s, want 12", loss)
	}
	if reason := resolver.stopped["pc2"]; reason != "recovery attempt failed" {
		t.Fatalf("stop reason = %q", reason)
	}
}

func TestRunPeriodicChecksStopsStaleRecoveries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryWindow = 10 * time.Minute
	m := NewManager(cfg)

	chain := newTestChain(types.Long)
	m.Track(chain)
	if err := chain.EnterRecoveryMode(); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginRecovery(chain); err != nil {
		t.Fatal(err)
	}

	// Within the window nothing happens.
	if stopped := m.RunPeriodicChecks(time.Now()); len(stopped) != 0 {
		t.Fatalf("stopped early: %+v", stopped)
	}

	stopped := m.RunPeriodicChecks(time.Now().Add(11 * time.Minute))
	if len(stopped) != 1 {
		t.Fatalf("stopped = %d, want 1", len(stopped))
	}
	if stopped[0].Reason != "recovery attempt timeout" {
		t.Fatalf("reason = %q", stopped[0].Reason)
	}
	if chain.Status != types.ChainStopped {
		t.Fatalf("status = %s, want STOPPED", chain.Status)
	}
	if _, _, inFlight := m.DailyStats(); inFlight != 0 {
		t.Fatalf("in-flight = %d, want 0", inFlight)
	}
}

func TestDistinctSkipReasons(t *testing.T) {
	// Every skip cause keeps its own value so callers can tell them apart.
	reasons := []types.SkipReason{
		types.SkipChainState,
		types.SkipChainGone,
		types.SkipDailyAttempts,
		types.SkipDailyLoss,
		types.SkipConcurrentLimit,
		types.SkipProfitProtection,
		types.SkipTrendMisaligned,
	}
	seen := make(map[types.SkipReason]bool)
	for _, r := range reasons {
		if r == types.SkipNone {
			t.Fatalf("reason %v equals SkipNone", r)
		}
		if seen[r] {
			t.Fatalf("duplicate skip reason %s", r)
		}
		seen[r] = true
	}
}
