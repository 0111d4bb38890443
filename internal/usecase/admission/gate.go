// Package admission implements the read-only admission gate callers consult
// before reserving tokens.
package admission

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/domain"
	"github.com/duetware/budgetd/internal/metrics"
)

// Ledger supplies current usage. Satisfied by reserve.Engine.
type Ledger interface {
	UsedToday(ctx context.Context, principal string) (int64, error)
}

// Config holds gate thresholds. WarningThreshold < EmergencyThreshold is
// validated at config load.
type Config struct {
	DailyLimit         int64
	MaxSingleOperation int64
	WarningThreshold   float64
	EmergencyThreshold float64
}

// Reason codes for denied decisions.
const (
	ReasonCostExceedsMaximum = "cost_exceeds_maximum"
	ReasonInsufficientBudget = "insufficient_budget"
)

// Decision is the outcome of an availability check. It mirrors the exact
// arithmetic Reserve applies, without mutating anything.
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason,omitempty"`
	Remaining int64   `json:"remaining"`
	UsagePct  float64 `json:"usage_pct"`
	Warning   bool    `json:"warning"`
	Emergency bool    `json:"emergency"`
	Shortage  int64   `json:"shortage,omitempty"`
}

// Gate answers "is this estimated cost admissible right now".
type Gate struct {
	ledger Ledger
	cfg    Config
	logger *zap.Logger
}

// New creates an admission gate.
func New(ledger Ledger, cfg Config, logger *zap.Logger) *Gate {
	return &Gate{ledger: ledger, cfg: cfg, logger: logger}
}

// ValidateOperationCost rejects a single request above the per-operation
// cap, independent of remaining balance.
func (g *Gate) ValidateOperationCost(estimate int64) error {
	if estimate <= 0 {
		return fmt.Errorf("estimate must be positive, got %d", estimate)
	}
	if estimate > g.cfg.MaxSingleOperation {
		return fmt.Errorf("%w: %d > %d",
			domain.ErrCostExceedsMaximum, estimate, g.cfg.MaxSingleOperation)
	}
	return nil
}

// CheckAvailability dry-runs the reservation arithmetic for an estimate.
func (g *Gate) CheckAvailability(ctx context.Context, principal string, estimate int64) (Decision, error) {
	used, err := g.ledger.UsedToday(ctx, principal)
	if err != nil {
		return Decision{}, fmt.Errorf("read usage: %w", err)
	}

	remaining := g.cfg.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if g.cfg.DailyLimit > 0 {
		pct = float64(used) / float64(g.cfg.DailyLimit)
	}

	d := Decision{
		Remaining: remaining,
		UsagePct:  pct,
		Warning:   pct >= g.cfg.WarningThreshold,
		Emergency: pct >= g.cfg.EmergencyThreshold,
	}

	switch {
	case g.ValidateOperationCost(estimate) != nil:
		d.Reason = ReasonCostExceedsMaximum
	case used+estimate > g.cfg.DailyLimit:
		d.Reason = ReasonInsufficientBudget
		d.Shortage = used + estimate - g.cfg.DailyLimit
	default:
		d.Allowed = true
	}

	metrics.TokensUsedToday.WithLabelValues(principal).Set(float64(used))
	metrics.AdmissionDecisionsTotal.WithLabelValues(principal, outcome(d)).Inc()

	if d.Emergency {
		g.logger.Warn("budget emergency threshold crossed",
			zap.String("principal", principal),
			zap.Float64("usage_pct", pct))
	}
	return d, nil
}

func outcome(d Decision) string {
	switch {
	case !d.Allowed:
		return "denied"
	case d.Warning:
		return "warned"
	default:
		return "allowed"
	}
}
