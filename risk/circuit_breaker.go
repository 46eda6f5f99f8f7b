package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TICK CIRCUIT BREAKER - Consecutive scheduler-iteration failures
// ═══════════════════════════════════════════════════════════════════════════════
//
// The reconciliation loop never terminates itself over transient errors.
// After the threshold of consecutive failed ticks the breaker notifies an
// operator and resets its own counter; monitoring keeps running.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TickBreaker counts consecutive tick failures
type TickBreaker struct {
	mu sync.Mutex

	maxConsecutive int
	consecutive    int
	totalFailures  int

	onTrip func(consecutive int, lastErr error)
}

// NewTickBreaker creates a breaker with the given threshold
func NewTickBreaker(maxConsecutive int, onTrip func(consecutive int, lastErr error)) *TickBreaker {
	return &TickBreaker{
		maxConsecutive: maxConsecutive,
		onTrip:         onTrip,
	}
}

// Failure records a failed tick. At the threshold it fires the operator
// notification and self-resets; it never asks the loop to stop.
func (b *TickBreaker) Failure(err error) {
	b.mu.Lock()
	b.consecutive++
	b.totalFailures++
	consecutive := b.consecutive
	tripped := consecutive >= b.maxConsecutive
	if tripped {
		b.consecutive = 0
	}
	b.mu.Unlock()

	log.Warn().
		Err(err).
		Int("consecutive", consecutive).
		Int("threshold", b.maxConsecutive).
		Msg("⚠️ Tick failed")

	if tripped {
		log.Error().
			Int("consecutive", consecutive).
			Msg("🚨 TICK BREAKER TRIPPED - notifying operator, monitoring continues")
		if b.onTrip != nil {
			b.onTrip(consecutive, err)
		}
	}
}

// Success resets the consecutive counter
func (b *TickBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Stats returns the current counters
func (b *TickBreaker) Stats() (consecutive, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive, b.totalFailures
}
