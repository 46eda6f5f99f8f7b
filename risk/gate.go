package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/traderops/chainflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION GATE - Shared checkpoint before any follow-up order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Engine asks → Gate approves/skips → order placed
//
// Three independent checks, all of which must hold: the owning chain still
// exists in a state that permits the action, the safety limits pass, and the
// trend is still aligned with the direction being entered. A failed check is
// a recorded skip with its specific reason, never an error.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ChainKind selects which chain collection owns the request
type ChainKind string

const (
	KindReEntry ChainKind = "REENTRY"
	KindProfit  ChainKind = "PROFIT"
)

// ExecRequest describes a prospective follow-up order
type ExecRequest struct {
	ChainID       string
	Kind          ChainKind
	Symbol        string
	Direction     types.Direction
	PotentialLoss decimal.Decimal // Estimated loss if the attempt stops out
	Reason        string          // For logging (trigger kind etc.)
}

// Approval is the gate's verdict
type Approval struct {
	Approved bool
	Skip     types.SkipReason
}

// ChainResolver reports chain status for one chain collection
type ChainResolver interface {
	ChainState(chainID string) (types.ChainStatus, bool)
}

// SafetyChecker runs the daily/concurrent/profit-protection limits
type SafetyChecker interface {
	CheckLimits(chainID string, potentialLoss decimal.Decimal) (bool, types.SkipReason)
}

// TrendSource reports current trend direction per symbol; ok=false means
// unknown, which the gate treats as not aligned.
type TrendSource interface {
	Trend(symbol string) (types.Direction, bool)
}

// Gate is the shared execution checkpoint
type Gate struct {
	reentry ChainResolver
	profit  ChainResolver
	safety  SafetyChecker
	trends  TrendSource

	onSkip func(req ExecRequest, reason types.SkipReason)
}

// NewGate wires the gate to its collaborators
func NewGate(reentry, profit ChainResolver, safety SafetyChecker, trends TrendSource) *Gate {
	return &Gate{
		reentry: reentry,
		profit:  profit,
		safety:  safety,
		trends:  trends,
	}
}

// OnSkip sets an observer for recorded skips (metrics)
func (g *Gate) OnSkip(fn func(req ExecRequest, reason types.SkipReason)) {
	g.onSkip = fn
}

// Approve runs the three checks in order and returns the first failing
// reason. The caller re-reads chain state through the resolvers here, after
// any I/O suspension, so a pre-suspension snapshot is never trusted.
func (g *Gate) Approve(req ExecRequest) Approval {
	resolver := g.reentry
	if req.Kind == KindProfit {
		resolver = g.profit
	}

	status, ok := resolver.ChainState(req.ChainID)
	if !ok {
		return g.skip(req, types.SkipChainGone)
	}
	if !chainPermits(req.Kind, status) {
		return g.skip(req, types.SkipChainState)
	}

	if ok, reason := g.safety.CheckLimits(req.ChainID, req.PotentialLoss); !ok {
		return g.skip(req, reason)
	}

	trend, known := g.trends.Trend(req.Symbol)
	if !known || trend != req.Direction {
		return g.skip(req, types.SkipTrendMisaligned)
	}

	return Approval{Approved: true}
}

// chainPermits maps chain status to whether a follow-up order is allowed
func chainPermits(kind ChainKind, status types.ChainStatus) bool {
	switch kind {
	case KindReEntry:
		return status == types.ChainRecoveryMode || status == types.ChainRecovering
	case KindProfit:
		return status == types.ChainActive
	}
	return false
}

func (g *Gate) skip(req ExecRequest, reason types.SkipReason) Approval {
	log.Debug().
		Str("chain_id", req.ChainID).
		Str("symbol", req.Symbol).
		Str("kind", string(req.Kind)).
		Str("skip", string(reason)).
		Str("context", req.Reason).
		Msg("🚫 Execution skipped")

	if g.onSkip != nil {
		g.onSkip(req, reason)
	}
	return Approval{Approved: false, Skip: reason}
}
