// Package stats aggregates the day's ledger into a read-only usage report
// for reporting and learning consumers.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/duetware/budgetd/internal/domain"
)

// Repository reads the transaction log.
type Repository interface {
	ListDay(ctx context.Context, principal, day string) ([]domain.Transaction, error)
	Day(t time.Time) string
}

// Config mirrors the budget thresholds for reporting.
type Config struct {
	DailyLimit         int64
	WarningThreshold   float64
	EmergencyThreshold float64
}

// Report is an aggregated view of one principal's budget day.
type Report struct {
	Principal      string  `json:"principal"`
	Day            string  `json:"day"`
	Operations     int     `json:"operations"`
	Refunded       int     `json:"refunded"`
	TokensUsed     int64   `json:"tokens_used"`
	DailyLimit     int64   `json:"daily_limit"`
	Remaining      int64   `json:"remaining"`
	UsagePct       float64 `json:"usage_pct"`
	AvgTokensPerOp int64   `json:"avg_tokens_per_op"`
	Warning        bool    `json:"warning"`
	Emergency      bool    `json:"emergency"`
}

// Service produces usage reports. It never mutates ledger state.
type Service struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

// New creates a stats service.
func New(repo Repository, cfg Config) *Service {
	return &Service{repo: repo, cfg: cfg, now: time.Now}
}

// Report aggregates the current budget day for a principal.
func (s *Service) Report(ctx context.Context, principal string) (Report, error) {
	day := s.repo.Day(s.now())
	txns, err := s.repo.ListDay(ctx, principal, day)
	if err != nil {
		return Report{}, fmt.Errorf("list day %s: %w", day, err)
	}

	r := Report{
		Principal:  principal,
		Day:        day,
		DailyLimit: s.cfg.DailyLimit,
	}
	var active int
	for _, txn := range txns {
		r.Operations++
		if txn.Status == domain.StatusRefunded {
			r.Refunded++
			continue
		}
		active++
		r.TokensUsed += txn.EffectiveTokens()
	}

	r.Remaining = s.cfg.DailyLimit - r.TokensUsed
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	if s.cfg.DailyLimit > 0 {
		r.UsagePct = float64(r.TokensUsed) / float64(s.cfg.DailyLimit)
	}
	if active > 0 {
		r.AvgTokensPerOp = r.TokensUsed / int64(active)
	}
	r.Warning = r.UsagePct >= s.cfg.WarningThreshold
	r.Emergency = r.UsagePct >= s.cfg.EmergencyThreshold
	return r, nil
}
