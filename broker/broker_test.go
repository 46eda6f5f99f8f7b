package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// flaky wraps the paper broker and fails the first n calls
type flaky struct {
	*Paper
	placeFailures int
	closeFailures int
}

func (f *flaky) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if f.placeFailures > 0 {
		f.placeFailures--
		return "", errors.New("transient place failure")
	}
	return f.Paper.PlaceOrder(ctx, req)
}

func (f *flaky) ClosePosition(ctx context.Context, orderID string) error {
	if f.closeFailures > 0 {
		f.closeFailures--
		return errors.New("transient close failure")
	}
	return f.Paper.ClosePosition(ctx, orderID)
}

func newFlaky(placeFailures, closeFailures int) *flaky {
	p := NewPaper(nil, 0)
	p.SetPrice("EURUSD", decimal.NewFromFloat(1.1050))
	return &flaky{Paper: p, placeFailures: placeFailures, closeFailures: closeFailures}
}

func TestCloseNotFoundIsSuccess(t *testing.T) {
	p := NewPaper(nil, 0)
	p.SetPrice("EURUSD", decimal.NewFromFloat(1.1050))

	// The position was closed externally; retrying would be wrong.
	if err := CloseWithRetry(context.Background(), p, "never-existed", 3); err != nil {
		t.Fatalf("CloseWithRetry on a vanished position: %v", err)
	}
}

func TestPlaceWithRetryRecoversFromTransientFailures(t *testing.T) {
	c := newFlaky(2, 0)

	orderID, err := PlaceWithRetry(context.Background(), c, OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       decimal.NewFromFloat(0.1),
	}, 3)
	if err != nil {
		t.Fatalf("PlaceWithRetry: %v", err)
	}
	if orderID == "" {
		t.Fatal("empty order id")
	}

	positions, _ := c.ListOpenPositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
}

func TestPlaceWithRetryExhaustsAttempts(t *testing.T) {
	c := newFlaky(5, 0)

	if _, err := PlaceWithRetry(context.Background(), c, OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       decimal.NewFromFloat(0.1),
	}, 3); err == nil {
		t.Fatal("succeeded past the attempt budget")
	}
}

func TestCloseWithRetryRecovers(t *testing.T) {
	c := newFlaky(0, 1)

	orderID, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       decimal.NewFromFloat(0.1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := CloseWithRetry(context.Background(), c, orderID, 3); err != nil {
		t.Fatalf("CloseWithRetry: %v", err)
	}
	positions, _ := c.ListOpenPositions(context.Background())
	if len(positions) != 0 {
		t.Fatal("position survived a retried close")
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	c := newFlaky(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation is returned as-is, never wrapped as a broker fault.
	_, err := PlaceWithRetry(ctx, c, OrderRequest{Symbol: "EURUSD", Direction: types.Long}, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	err = CloseWithRetry(ctx, c, "any", 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("close err = %v, want context.Canceled", err)
	}
}

func TestPaperRealizedProfit(t *testing.T) {
	p := NewPaper(nil, 0)
	p.SetPrice("EURUSD", decimal.NewFromFloat(1.1000))

	orderID, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "EURUSD",
		Direction: types.Long,
		Lot:       decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if _, err := p.GetRealizedProfit(context.Background(), orderID); !errors.Is(err, ErrProfitUnavailable) {
		t.Fatalf("realized before close: %v", err)
	}

	p.SetPrice("EURUSD", decimal.NewFromFloat(1.1100))
	if err := p.ClosePosition(context.Background(), orderID); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// 100 pips at $10/pip on 1 lot.
	pnl, err := p.GetRealizedProfit(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetRealizedProfit: %v", err)
	}
	if !pnl.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("pnl = %s, want 1000", pnl)
	}
}

func TestPaperPipParameters(t *testing.T) {
	p := NewPaper(nil, 0)
	p.SetPipParameters(decimal.NewFromFloat(0.01), decimal.NewFromInt(1))
	p.SetPrice("USDJPY", decimal.NewFromFloat(150.00))

	orderID, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol:    "USDJPY",
		Direction: types.Short,
		Lot:       decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	p.SetPrice("USDJPY", decimal.NewFromFloat(149.50))
	if err := p.ClosePosition(context.Background(), orderID); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// 50 pips at $1/pip on 2 lots, short side.
	pnl, err := p.GetRealizedProfit(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetRealizedProfit: %v", err)
	}
	if !pnl.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("pnl = %s, want 100", pnl)
	}
}
