package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - Simulated execution against live or injected prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fills are immediate at current price plus slippage. Realized profit is
// tracked per closed order so GetRealizedProfit behaves like a real bridge.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource supplies live prices (the Binance feed implements this)
type PriceSource interface {
	GetPrice(symbol string) decimal.Decimal
}

// Paper is an in-memory broker simulation
type Paper struct {
	mu sync.RWMutex

	feed        PriceSource // optional; SetPrice otherwise
	prices      map[string]decimal.Decimal
	positions   map[string]*Position
	realized    map[string]decimal.Decimal
	slippageBps int64
	pipSize     decimal.Decimal
	pipValue    decimal.Decimal
}

// NewPaper creates a paper broker. feed may be nil when prices are injected
// manually (tests, backfills).
func NewPaper(feed PriceSource, slippageBps int64) *Paper {
	p := &Paper{
		feed:        feed,
		prices:      make(map[string]decimal.Decimal),
		positions:   make(map[string]*Position),
		realized:    make(map[string]decimal.Decimal),
		slippageBps: slippageBps,
		pipSize:     decimal.NewFromFloat(0.0001),
		pipValue:    decimal.NewFromInt(10),
	}

	log.Info().Int64("slippage_bps", slippageBps).Msg("📝 Paper broker initialized")
	return p
}

// SetPipParameters overrides the pip conversion used for realized PnL so the
// simulated amounts land in the same account currency the engine computes in.
func (p *Paper) SetPipParameters(pipSize, pipValue decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipSize = pipSize
	p.pipValue = pipValue
}

// SetPrice injects a quote for a symbol
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// GetCurrentPrice returns the live feed quote, falling back to injected prices
func (p *Paper) GetCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	if p.feed != nil {
		if price := p.feed.GetPrice(symbol); !price.IsZero() {
			return price, nil
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok || price.IsZero() {
		return decimal.Zero, fmt.Errorf("no quote for %s", symbol)
	}
	return price, nil
}

// PlaceOrder fills immediately at current price plus slippage
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	price, err := p.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	slip := decimal.NewFromInt(p.slippageBps).Div(decimal.NewFromInt(10000))
	if req.Direction == types.Long {
		price = price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	pos := &Position{
		OrderID:     uuid.NewString(),
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		Lot:         req.Lot,
		EntryPrice:  price,
		StopPrice:   req.Stop,
		TargetPrice: req.Target,
		Tag:         req.Tag,
		OpenedAt:    time.Now(),
	}

	p.mu.Lock()
	p.positions[pos.OrderID] = pos
	p.mu.Unlock()

	log.Info().
		Str("order_id", pos.OrderID).
		Str("symbol", req.Symbol).
		Str("direction", string(req.Direction)).
		Str("fill", price.String()).
		Str("lot", req.Lot.String()).
		Str("tag", req.Tag).
		Msg("✅ Order filled (PAPER)")

	return pos.OrderID, nil
}

// ClosePosition closes at current price and records realized profit
func (p *Paper) ClosePosition(ctx context.Context, orderID string) error {
	p.mu.RLock()
	pos, ok := p.positions[orderID]
	p.mu.RUnlock()
	if !ok {
		return ErrPositionNotFound
	}

	price, err := p.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	delta := price.Sub(pos.EntryPrice)
	if pos.Direction == types.Short {
		delta = delta.Neg()
	}

	p.mu.RLock()
	pipSize, pipValue := p.pipSize, p.pipValue
	p.mu.RUnlock()
	pnl := delta.Div(pipSize).Mul(pipValue).Mul(pos.Lot)

	p.mu.Lock()
	delete(p.positions, orderID)
	p.realized[orderID] = pnl
	p.mu.Unlock()

	log.Info().
		Str("order_id", orderID).
		Str("symbol", pos.Symbol).
		Str("exit", price.String()).
		Str("pnl", pnl.StringFixed(2)).
		Msg("📊 Position closed (PAPER)")

	return nil
}

// ListOpenPositions returns a copy of the live book
func (p *Paper) ListOpenPositions(_ context.Context) ([]Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetRealizedProfit returns the recorded PnL for a closed order
func (p *Paper) GetRealizedProfit(_ context.Context, orderID string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pnl, ok := p.realized[orderID]
	if !ok {
		return decimal.Zero, ErrProfitUnavailable
	}
	return pnl, nil
}
