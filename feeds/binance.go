package feeds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/internal/indicators"
	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE PRICE FEED - Streaming quotes + trend direction
// ═══════════════════════════════════════════════════════════════════════════════
//
// One WebSocket connection over the combined miniTicker streams for all
// configured symbols. Keeps a rolling price buffer per symbol so the feed can
// double as the engine's trend source (fast/slow EMA crossover).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceWSURL   = "wss://stream.binance.com:9443/stream"
	bufferCapacity = 500
	trendFastEMA   = 8
	trendSlowEMA   = 21
)

// miniTicker is the subset of the Binance miniTicker payload we read
type miniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceFeed streams live prices for a fixed symbol set
type BinanceFeed struct {
	mu      sync.RWMutex
	symbols []string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	prices  map[string]decimal.Decimal
	buffers map[string][]float64
}

// NewBinanceFeed creates a feed for the given symbols (e.g. "EURUSDT")
func NewBinanceFeed(symbols []string) *BinanceFeed {
	return &BinanceFeed{
		symbols: symbols,
		stopCh:  make(chan struct{}),
		prices:  make(map[string]decimal.Decimal),
		buffers: make(map[string][]float64),
	}
}

// Start connects and begins streaming
func (f *BinanceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.runWebSocket()
	log.Info().Strs("symbols", f.symbols).Msg("📈 Binance feed started")
}

// Stop closes the connection
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Binance feed stopped")
}

// GetPrice returns the latest quote for a symbol
func (f *BinanceFeed) GetPrice(symbol string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prices[symbol]
}

// GetPrices returns a snapshot of all current quotes
func (f *BinanceFeed) GetPrices() map[string]decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

// Trend reports the current trend direction from a fast/slow EMA crossover.
// ok is false while the buffer is too short to judge; callers treat unknown
// as not aligned.
func (f *BinanceFeed) Trend(symbol string) (types.Direction, bool) {
	f.mu.RLock()
	buf := f.buffers[symbol]
	f.mu.RUnlock()

	if len(buf) < trendSlowEMA {
		return "", false
	}

	fast := indicators.EMA(buf, trendFastEMA)
	slow := indicators.EMA(buf, trendSlowEMA)
	if fast > slow {
		return types.Long, true
	}
	if fast < slow {
		return types.Short, true
	}
	return "", false
}

// Push records a quote directly (tests, replay)
func (f *BinanceFeed) Push(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(symbol, price)
}

func (f *BinanceFeed) record(symbol string, price decimal.Decimal) {
	f.prices[symbol] = price
	buf := f.buffers[symbol]
	v, _ := price.Float64()
	buf = append(buf, v)
	if len(buf) > bufferCapacity {
		buf = buf[len(buf)-bufferCapacity:]
	}
	f.buffers[symbol] = buf
}

func (f *BinanceFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	return fmt.Sprintf("%s?streams=%s", binanceWSURL, strings.Join(streams, "/"))
}

func (f *BinanceFeed) runWebSocket() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connectAndRead(); err != nil {
			log.Error().Err(err).Msg("WebSocket connection failed")
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(5 * time.Second):
			log.Info().Msg("Reconnecting Binance feed...")
		}
	}
}

func (f *BinanceFeed) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	defer conn.Close()

	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		var env streamEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var tick miniTicker
		if err := json.Unmarshal(env.Data, &tick); err != nil || tick.Symbol == "" {
			continue
		}
		price, err := strconv.ParseFloat(tick.Close, 64)
		if err != nil || price <= 0 {
			continue
		}

		f.mu.Lock()
		f.record(tick.Symbol, decimal.NewFromFloat(price))
		f.mu.Unlock()
	}
}
