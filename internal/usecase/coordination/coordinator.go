// Package coordination implements the asynchronous channel between the two
// principals: status manifests, addressed messages and the trigger evaluator
// that decides when the pair should rebalance.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/domain"
	"github.com/duetware/budgetd/internal/metrics"
)

// StatusRepository persists manifest rows.
type StatusRepository interface {
	Upsert(ctx context.Context, st domain.ProjectStatus) error
	Get(ctx context.Context, principal string) (domain.ProjectStatus, error)
}

// MessageRepository persists coordination messages.
type MessageRepository interface {
	Insert(ctx context.Context, msg domain.Message) error
	ListUnread(ctx context.Context, to string) ([]domain.Message, error)
	MarkRead(ctx context.Context, to, id string) error
}

// Ledger supplies the owner's current usage for status publication.
type Ledger interface {
	UsedToday(ctx context.Context, principal string) (int64, error)
}

// Trigger reason codes.
const (
	ReasonCombinedUsage   = "combined_usage"
	ReasonHealthFloor     = "health_floor"
	ReasonStaleness       = "staleness"
	ReasonCriticalMessage = "critical_message"
)

// Config tunes the coordinator.
type Config struct {
	Self                   string
	Peer                   string
	DailyLimit             int64
	StalenessWindow        time.Duration
	PollInterval           time.Duration
	CombinedUsageThreshold float64
	HealthFloor            float64
	MessageTTL             time.Duration
}

// Verdict is the trigger evaluator's answer.
type Verdict struct {
	Needed  bool     `json:"needed"`
	Reasons []string `json:"reasons,omitempty"`
}

// CycleReport summarizes one coordination cycle.
type CycleReport struct {
	Ran         bool    `json:"ran"`
	Verdict     Verdict `json:"verdict"`
	MessageSent bool    `json:"message_sent"`
	Handled     int     `json:"handled"`
}

// Coordinator implements the coordination channel for one principal.
type Coordinator struct {
	statuses StatusRepository
	messages MessageRepository
	ledger   Ledger
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	lastCycle time.Time
	now       func() time.Time
}

// New creates a coordinator for the configured principal pair.
func New(statuses StatusRepository, messages MessageRepository, ledger Ledger, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		statuses: statuses,
		messages: messages,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishStatus upserts the owner's manifest row.
func (c *Coordinator) PublishStatus(ctx context.Context, tokensUsed int64, healthScore float64, versionMarker string) error {
	st := domain.ProjectStatus{
		Principal:       c.cfg.Self,
		VersionMarker:   versionMarker,
		TokensUsedToday: tokensUsed,
		DailyLimit:      c.cfg.DailyLimit,
		HealthScore:     healthScore,
		LastUpdate:      c.now(),
	}
	if err := c.statuses.Upsert(ctx, st); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// SendMessage inserts an immutable message for the receiver. A zero ttl
// falls back to the configured message TTL; a negative ttl means no expiry.
func (c *Coordinator) SendMessage(ctx context.Context, to string, typ domain.MessageType, priority domain.Priority, title, body string, ttl time.Duration) (domain.Message, error) {
	if ttl == 0 {
		ttl = c.cfg.MessageTTL
	}
	now := c.now()
	msg := domain.Message{
		ID:        ulid.Make().String(),
		From:      c.cfg.Self,
		To:        to,
		Type:      typ,
		Priority:  priority,
		Title:     title,
		Body:      body,
		CreatedAt: now,
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}
	if err := c.messages.Insert(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	metrics.CoordinationMessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// DrainInbox lists unread, unexpired messages to the owner, newest first.
// Marking each handled message read stays the caller's responsibility.
func (c *Coordinator) DrainInbox(ctx context.Context) ([]domain.Message, error) {
	msgs, err := c.messages.ListUnread(ctx, c.cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("drain inbox: %w", err)
	}
	return msgs, nil
}

// MarkRead flips the read flag on one of the owner's messages.
func (c *Coordinator) MarkRead(ctx context.Context, id string) error {
	if err := c.messages.MarkRead(ctx, c.cfg.Self, id); err != nil {
		return fmt.Errorf("mark read %s: %w", id, err)
	}
	return nil
}

// EvaluateTriggers reads both manifests and the unread inbox and reports
// whether coordination is needed. Each condition is checked independently.
func (c *Coordinator) EvaluateTriggers(ctx context.Context) (Verdict, error) {
	var v Verdict

	self, selfErr := c.statuses.Get(ctx, c.cfg.Self)
	peer, peerErr := c.statuses.Get(ctx, c.cfg.Peer)
	for _, err := range []error{selfErr, peerErr} {
		if err != nil && !errors.Is(err, domain.ErrStatusNotFound) {
			return Verdict{}, fmt.Errorf("read manifests: %w", err)
		}
	}

	if selfErr == nil && peerErr == nil {
		combinedLimit := self.DailyLimit + peer.DailyLimit
		if combinedLimit > 0 {
			combined := float64(self.TokensUsedToday+peer.TokensUsedToday) / float64(combinedLimit)
			if combined > c.cfg.CombinedUsageThreshold {
				v.Reasons = append(v.Reasons, ReasonCombinedUsage)
			}
		}
		if gap := absDuration(self.LastUpdate.Sub(peer.LastUpdate)); gap > c.cfg.StalenessWindow {
			v.Reasons = append(v.Reasons, ReasonStaleness)
		}
	}
	for _, st := range []struct {
		status domain.ProjectStatus
		err    error
	}{{self, selfErr}, {peer, peerErr}} {
		if st.err == nil && st.status.HealthScore < c.cfg.HealthFloor {
			v.Reasons = append(v.Reasons, ReasonHealthFloor)
			break
		}
	}

	msgs, err := c.messages.ListUnread(ctx, c.cfg.Self)
	if err != nil {
		return Verdict{}, fmt.Errorf("read inbox: %w", err)
	}
	for _, m := range msgs {
		if m.Priority == domain.PriorityCritical {
			v.Reasons = append(v.Reasons, ReasonCriticalMessage)
			break
		}
	}

	v.Needed = len(v.Reasons) > 0
	for _, r := range v.Reasons {
		metrics.CoordinationTriggersTotal.WithLabelValues(r).Inc()
	}
	return v, nil
}

// RunCycle performs one coordination cycle: publish own status, evaluate
// triggers, send at most one rebalancing message to the peer when needed,
// then drain the inbox through handle, marking each handled message read.
// Cycles are throttled by the poll interval. Handler failures leave the
// message unread for the next cycle and never abort the cycle.
func (c *Coordinator) RunCycle(ctx context.Context, healthScore float64, versionMarker string, handle func(ctx context.Context, msg domain.Message) error) (CycleReport, error) {
	c.mu.Lock()
	now := c.now()
	if !c.lastCycle.IsZero() && now.Sub(c.lastCycle) < c.cfg.PollInterval {
		c.mu.Unlock()
		return CycleReport{}, nil
	}
	c.lastCycle = now
	c.mu.Unlock()

	used, err := c.ledger.UsedToday(ctx, c.cfg.Self)
	if err != nil {
		return CycleReport{}, fmt.Errorf("cycle usage: %w", err)
	}
	if err := c.PublishStatus(ctx, used, healthScore, versionMarker); err != nil {
		return CycleReport{}, err
	}

	report := CycleReport{Ran: true}
	report.Verdict, err = c.EvaluateTriggers(ctx)
	if err != nil {
		return report, err
	}

	if report.Verdict.Needed {
		title := "coordination needed"
		body := fmt.Sprintf("triggers: %v", report.Verdict.Reasons)
		if _, err := c.SendMessage(ctx, c.cfg.Peer, domain.MessageCoordination, domain.PriorityHigh, title, body, 0); err != nil {
			c.logger.Warn("rebalancing message failed", zap.Error(err))
		} else {
			report.MessageSent = true
		}
	}

	msgs, err := c.DrainInbox(ctx)
	if err != nil {
		return report, err
	}
	for _, msg := range msgs {
		metrics.CoordinationMessagesTotal.WithLabelValues("received").Inc()
		if handle != nil {
			if err := handle(ctx, msg); err != nil {
				c.logger.Warn("message handler failed, will retry next cycle",
					zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
		}
		if err := c.MarkRead(ctx, msg.ID); err != nil {
			c.logger.Warn("mark read failed", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		report.Handled++
	}
	return report, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
