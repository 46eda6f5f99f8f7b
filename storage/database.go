package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade & chain persistence (sqlite or postgres by DSN prefix)
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db      *gorm.DB
	enabled bool
}

// Models

type TradeRow struct {
	ID             string `gorm:"primaryKey"`
	Symbol         string `gorm:"index"`
	Direction      string
	EntryPrice     decimal.Decimal `gorm:"type:decimal(18,8)"`
	StopPrice      decimal.Decimal `gorm:"type:decimal(18,8)"`
	TargetPrice    decimal.Decimal `gorm:"type:decimal(18,8)"`
	Lot            decimal.Decimal `gorm:"type:decimal(18,8)"`
	Role           string
	Status         string `gorm:"index"`
	ReEntryChainID string `gorm:"index"`
	ProfitChainID  string `gorm:"index"`
	ProfitLevel    int
	OpenedAt       time.Time
	ClosedAt       *time.Time
	ClosePrice     decimal.Decimal `gorm:"type:decimal(18,8)"`
	CloseReason    string
	RealizedPnL    decimal.Decimal `gorm:"type:decimal(18,8)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReEntryChainRow struct {
	ID                   string `gorm:"primaryKey"`
	Symbol               string `gorm:"index"`
	Direction            string
	OriginalEntry        decimal.Decimal `gorm:"type:decimal(18,8)"`
	OriginalStopDistance decimal.Decimal `gorm:"type:decimal(18,8)"`
	Level                int
	MaxLevel             int
	Status               string          `gorm:"index"`
	TradeIDs             string          // JSON array
	RealizedProfit       decimal.Decimal `gorm:"type:decimal(18,8)"`
	Metadata             string          // JSON object
	StopReason           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type ProfitChainRow struct {
	ID             string `gorm:"primaryKey"`
	Symbol         string `gorm:"index"`
	Direction      string
	BaseLot        decimal.Decimal `gorm:"type:decimal(18,8)"`
	Level          int
	Multipliers    string          // JSON array
	ProfitTarget   decimal.Decimal `gorm:"type:decimal(18,8)"`
	RealizedProfit decimal.Decimal `gorm:"type:decimal(18,8)"`
	Status         string          `gorm:"index"`
	OpenOrderIDs   string          // JSON array
	LevelLoss      string          // JSON object, level → bool
	LevelRecovered string          // JSON object, level → bool
	StopReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New opens the database. An empty path disables persistence (the engine
// runs stateless). A postgres:// DSN selects postgres, anything else is a
// sqlite file path.
func New(dsn string) (*Database, error) {
	if dsn == "" {
		log.Warn().Msg("DATABASE_PATH not set, running without persistence")
		return &Database{enabled: false}, nil
	}

	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create db dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&TradeRow{}, &ReEntryChainRow{}, &ProfitChainRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("💾 Database connected")
	return &Database{db: db, enabled: true}, nil
}

// IsEnabled reports whether persistence is active
func (d *Database) IsEnabled() bool {
	return d != nil && d.enabled
}

// Close shuts down the underlying connection
func (d *Database) Close() {
	if !d.IsEnabled() {
		return
	}
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SAVE
// ═══════════════════════════════════════════════════════════════════════════════

// SaveTrade upserts one trade row
func (d *Database) SaveTrade(t *types.Trade) error {
	if !d.IsEnabled() {
		return nil
	}

	row := TradeRow{
		ID:             t.ID,
		Symbol:         t.Symbol,
		Direction:      string(t.Direction),
		EntryPrice:     t.EntryPrice,
		StopPrice:      t.StopPrice,
		TargetPrice:    t.TargetPrice,
		Lot:            t.Lot,
		Role:           string(t.Role),
		Status:         string(t.Status),
		ReEntryChainID: t.ReEntryChainID,
		ProfitChainID:  t.ProfitChainID,
		ProfitLevel:    t.ProfitLevel,
		OpenedAt:       t.OpenedAt,
		ClosedAt:       t.ClosedAt,
		ClosePrice:     t.ClosePrice,
		CloseReason:    string(t.CloseReason),
		RealizedPnL:    t.RealizedPnL,
	}
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// SaveReEntryChain upserts one re-entry chain row
func (d *Database) SaveReEntryChain(c *types.ReEntryChain) error {
	if !d.IsEnabled() {
		return nil
	}

	tradeIDs, _ := json.Marshal(c.TradeIDs)
	metadata, _ := json.Marshal(c.Metadata)

	row := ReEntryChainRow{
		ID:                   c.ID,
		Symbol:               c.Symbol,
		Direction:            string(c.Direction),
		OriginalEntry:        c.OriginalEntry,
		OriginalStopDistance: c.OriginalStopDistance,
		Level:                c.Level,
		MaxLevel:             c.MaxLevel,
		Status:               string(c.Status),
		TradeIDs:             string(tradeIDs),
		RealizedProfit:       c.RealizedProfit,
		Metadata:             string(metadata),
		StopReason:           c.StopReason,
	}
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// SaveProfitChain upserts one profit chain row
func (d *Database) SaveProfitChain(c *types.ProfitBookingChain) error {
	if !d.IsEnabled() {
		return nil
	}

	multipliers, _ := json.Marshal(c.Multipliers)
	openOrders, _ := json.Marshal(c.OpenOrderIDs)
	levelLoss, _ := json.Marshal(c.LevelLoss)
	levelRecovered, _ := json.Marshal(c.LevelRecovered)

	row := ProfitChainRow{
		ID:             c.ID,
		Symbol:         c.Symbol,
		Direction:      string(c.Direction),
		BaseLot:        c.BaseLot,
		Level:          c.Level,
		Multipliers:    string(multipliers),
		ProfitTarget:   c.ProfitTarget,
		RealizedProfit: c.RealizedProfit,
		Status:         string(c.Status),
		OpenOrderIDs:   string(openOrders),
		LevelLoss:      string(levelLoss),
		LevelRecovered: string(levelRecovered),
		StopReason:     c.StopReason,
	}
	return d.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOAD - Restart hydration
// ═══════════════════════════════════════════════════════════════════════════════

// LoadOpenTrades returns every trade still marked open
func (d *Database) LoadOpenTrades() ([]*types.Trade, error) {
	if !d.IsEnabled() {
		return nil, nil
	}

	var rows []TradeRow
	if err := d.db.Where("status = ?", string(types.TradeOpen)).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*types.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.Trade{
			ID:             r.ID,
			Symbol:         r.Symbol,
			Direction:      types.Direction(r.Direction),
			EntryPrice:     r.EntryPrice,
			StopPrice:      r.StopPrice,
			TargetPrice:    r.TargetPrice,
			Lot:            r.Lot,
			Role:           types.TradeRole(r.Role),
			Status:         types.TradeStatus(r.Status),
			ReEntryChainID: r.ReEntryChainID,
			ProfitChainID:  r.ProfitChainID,
			ProfitLevel:    r.ProfitLevel,
			OpenedAt:       r.OpenedAt,
			ClosedAt:       r.ClosedAt,
			ClosePrice:     r.ClosePrice,
			CloseReason:    types.CloseReason(r.CloseReason),
			RealizedPnL:    r.RealizedPnL,
		})
	}
	return out, nil
}

// LoadActiveReEntryChains returns chains not in a terminal state
func (d *Database) LoadActiveReEntryChains() ([]*types.ReEntryChain, error) {
	if !d.IsEnabled() {
		return nil, nil
	}

	var rows []ReEntryChainRow
	err := d.db.Where("status IN ?", []string{
		string(types.ChainActive),
		string(types.ChainRecoveryMode),
		string(types.ChainRecovering),
	}).Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]*types.ReEntryChain, 0, len(rows))
	for _, r := range rows {
		var tradeIDs []string
		var metadata map[string]string
		_ = json.Unmarshal([]byte(r.TradeIDs), &tradeIDs)
		_ = json.Unmarshal([]byte(r.Metadata), &metadata)
		if metadata == nil {
			metadata = make(map[string]string)
		}

		out = append(out, &types.ReEntryChain{
			ID:                   r.ID,
			Symbol:               r.Symbol,
			Direction:            types.Direction(r.Direction),
			OriginalEntry:        r.OriginalEntry,
			OriginalStopDistance: r.OriginalStopDistance,
			Level:                r.Level,
			MaxLevel:             r.MaxLevel,
			Status:               types.ChainStatus(r.Status),
			TradeIDs:             tradeIDs,
			RealizedProfit:       r.RealizedProfit,
			Metadata:             metadata,
			StopReason:           r.StopReason,
			CreatedAt:            r.CreatedAt,
			UpdatedAt:            r.UpdatedAt,
		})
	}
	return out, nil
}

// LoadActiveProfitChains returns profit chains still being monitored
func (d *Database) LoadActiveProfitChains() ([]*types.ProfitBookingChain, error) {
	if !d.IsEnabled() {
		return nil, nil
	}

	var rows []ProfitChainRow
	if err := d.db.Where("status = ?", string(types.ChainActive)).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*types.ProfitBookingChain, 0, len(rows))
	for _, r := range rows {
		var multipliers []int
		var openOrders []string
		var levelLoss, levelRecovered map[int]bool
		_ = json.Unmarshal([]byte(r.Multipliers), &multipliers)
		_ = json.Unmarshal([]byte(r.OpenOrderIDs), &openOrders)
		_ = json.Unmarshal([]byte(r.LevelLoss), &levelLoss)
		_ = json.Unmarshal([]byte(r.LevelRecovered), &levelRecovered)
		if levelLoss == nil {
			levelLoss = make(map[int]bool)
		}
		if levelRecovered == nil {
			levelRecovered = make(map[int]bool)
		}

		out = append(out, &types.ProfitBookingChain{
			ID:             r.ID,
			Symbol:         r.Symbol,
			Direction:      types.Direction(r.Direction),
			BaseLot:        r.BaseLot,
			Level:          r.Level,
			Multipliers:    multipliers,
			ProfitTarget:   r.ProfitTarget,
			RealizedProfit: r.RealizedProfit,
			Status:         types.ChainStatus(r.Status),
			OpenOrderIDs:   openOrders,
			LevelLoss:      levelLoss,
			LevelRecovered: levelRecovered,
			StopReason:     r.StopReason,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
		})
	}
	return out, nil
}
