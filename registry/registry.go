package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY/CONTINUATION REGISTRY - Pending timed triggers per symbol
// ═══════════════════════════════════════════════════════════════════════════════
//
// The reconciliation loop owns this registry exclusively. Each trigger watches
// one price level for one chain; several chains may watch the same symbol at
// once, so triggers live in insertion-ordered buckets per symbol, never a
// single slot.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TriggerKind identifies what follow-up a trigger arms
type TriggerKind string

const (
	TriggerStopLossHunt     TriggerKind = "SL_HUNT"
	TriggerTPContinuation   TriggerKind = "TP_CONTINUATION"
	TriggerExitContinuation TriggerKind = "EXIT_CONTINUATION"
)

// PendingTrigger is a scheduled watch on a price level
type PendingTrigger struct {
	ChainID       string
	Symbol        string
	Direction     types.Direction
	Kind          TriggerKind
	TargetPrice   decimal.Decimal
	SourceTradeID string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Satisfied reports whether the price condition holds: a LONG trigger fires
// when price has recovered up through the target, a SHORT one when it has
// come back down through it.
func (t *PendingTrigger) Satisfied(price decimal.Decimal) bool {
	if t.Direction == types.Long {
		return price.GreaterThanOrEqual(t.TargetPrice)
	}
	return price.LessThanOrEqual(t.TargetPrice)
}

// Expired reports whether the watch window has closed. The boundary instant
// itself counts as expired.
func (t *PendingTrigger) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Registry indexes pending triggers by symbol
type Registry struct {
	mu       sync.RWMutex
	triggers map[string][]*PendingTrigger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		triggers: make(map[string][]*PendingTrigger),
	}
}

// Register inserts a trigger under its symbol bucket
func (r *Registry) Register(t *PendingTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.triggers[t.Symbol] = append(r.triggers[t.Symbol], t)

	log.Info().
		Str("chain_id", t.ChainID).
		Str("symbol", t.Symbol).
		Str("kind", string(t.Kind)).
		Str("target", t.TargetPrice.String()).
		Time("expires_at", t.ExpiresAt).
		Msg("⏱️ Trigger registered")
}

// DueTriggers evaluates every trigger against one consistent price snapshot.
// Expired triggers are discarded first and returned to the caller so the
// owning chain can be stopped with a recorded reason rather than silently
// losing its watch. Due triggers are returned but retained; the caller
// removes each one with Consume before executing it, so re-evaluating the
// same snapshot yields the same result and a fired trigger cannot fire twice.
func (r *Registry) DueTriggers(now time.Time, prices map[string]decimal.Decimal) (due, expired []*PendingTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for symbol, bucket := range r.triggers {
		kept := make([]*PendingTrigger, 0, len(bucket))
		for _, t := range bucket {
			if t.Expired(now) {
				expired = append(expired, t)
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(r.triggers, symbol)
			continue
		}
		r.triggers[symbol] = kept

		price, ok := prices[symbol]
		if !ok || price.IsZero() {
			continue
		}
		for _, t := range kept {
			if t.Satisfied(price) {
				due = append(due, t)
			}
		}
	}
	return due, expired
}

// Consume removes one trigger so it cannot fire again. Returns false if it
// was already gone.
func (r *Registry) Consume(t *PendingTrigger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.triggers[t.Symbol]
	for i, cand := range bucket {
		if cand == t {
			r.triggers[t.Symbol] = append(bucket[:i], bucket[i+1:]...)
			if len(r.triggers[t.Symbol]) == 0 {
				delete(r.triggers, t.Symbol)
			}
			return true
		}
	}
	return false
}

// Remove purges every trigger belonging to a chain (used when the chain is
// stopped externally, e.g. an opposing signal arrived). Returns how many
// were dropped.
func (r *Registry) Remove(chainID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for symbol, bucket := range r.triggers {
		kept := bucket[:0]
		for _, t := range bucket {
			if t.ChainID == chainID {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) == 0 {
			delete(r.triggers, symbol)
		} else {
			r.triggers[symbol] = kept
		}
	}

	if removed > 0 {
		log.Debug().Str("chain_id", chainID).Int("removed", removed).Msg("Triggers purged")
	}
	return removed
}

// HasChain reports whether any pending trigger belongs to the chain
func (r *Registry) HasChain(chainID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, bucket := range r.triggers {
		for _, t := range bucket {
			if t.ChainID == chainID {
				return true
			}
		}
	}
	return false
}

// Armed returns the triggers currently watching a symbol in the given
// direction, in insertion order.
func (r *Registry) Armed(symbol string, dir types.Direction) []*PendingTrigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.triggers[symbol]
	out := make([]*PendingTrigger, 0, len(bucket))
	for _, t := range bucket {
		if t.Direction == dir {
			out = append(out, t)
		}
	}
	return out
}

// Symbols returns every symbol with at least one pending trigger
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.triggers))
	for s := range r.triggers {
		out = append(out, s)
	}
	return out
}

// Len returns the total number of pending triggers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bucket := range r.triggers {
		n += len(bucket)
	}
	return n
}
