package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER CLIENT - Execution interface consumed by the engine
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrPositionNotFound means the position no longer exists broker-side.
	// On close this is treated as success (already closed externally).
	ErrPositionNotFound = errors.New("position not found")

	// ErrProfitUnavailable means the broker cannot report realized profit yet
	ErrProfitUnavailable = errors.New("realized profit unavailable")
)

// OrderRequest describes a new order to place
type OrderRequest struct {
	Symbol    string
	Direction types.Direction
	Lot       decimal.Decimal
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Target    decimal.Decimal
	Tag       string
}

// Position is a broker-side open position
type Position struct {
	OrderID     string
	Symbol      string
	Direction   types.Direction
	Lot         decimal.Decimal
	EntryPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TargetPrice decimal.Decimal
	Tag         string
	OpenedAt    time.Time
}

// Client is the execution interface; implementations are external
// collaborators (a live bridge, or the bundled paper broker).
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	ClosePosition(ctx context.Context, orderID string) error
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	ListOpenPositions(ctx context.Context) ([]Position, error)
	GetRealizedProfit(ctx context.Context, orderID string) (decimal.Decimal, error)
}

const (
	defaultRetries = 3
	retryBaseDelay = 100 * time.Millisecond
)

// CloseWithRetry closes a position with bounded retry and exponential backoff.
// ErrPositionNotFound counts as success. Context cancellation aborts the
// sequence immediately and is returned as-is, never wrapped as a broker fault.
func CloseWithRetry(ctx context.Context, c Client, orderID string, attempts int) error {
	if attempts <= 0 {
		attempts = defaultRetries
	}

	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.ClosePosition(ctx, orderID)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPositionNotFound) {
			log.Debug().Str("order_id", orderID).Msg("Position already closed broker-side")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("order_id", orderID).
			Int("attempt", attempt).
			Msg("⚠️ Close failed, retrying")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

// PlaceWithRetry places an order with bounded retry and exponential backoff
func PlaceWithRetry(ctx context.Context, c Client, req OrderRequest, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = defaultRetries
	}

	var err error
	var orderID string
	delay := retryBaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		orderID, err = c.PlaceOrder(ctx, req)
		if err == nil {
			return orderID, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Int("attempt", attempt).
			Msg("⚠️ Order placement failed, retrying")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return "", err
}
