package app

import (
	"context"
	"fmt"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/sirupsen/logrus"
)

// NotificationService turns engine notices into addressed messages and hands
// them to the configured Notifier.
type NotificationService struct {
	circles    circle.Repository
	cycles     cycle.Repository
	notifier   Notifier
	operatorID int64 // chat that receives escalations
	logger     *logrus.Entry
}

func NewNotificationService(cr circle.Repository, cyr cycle.Repository, n Notifier, operatorID int64, logger *logrus.Entry) *NotificationService {
	return &NotificationService{
		circles:    cr,
		cycles:     cyr,
		notifier:   n,
		operatorID: operatorID,
		logger:     logger,
	}
}

// Deliver resolves the recipient chat and text for n and sends it. Delivery
// failures are logged and never bubble up into cycle processing.
func (s *NotificationService) Deliver(ctx context.Context, n Notification) {
	if s == nil || s.notifier == nil {
		return
	}
	log := s.logger.WithFields(logrus.Fields{
		"kind":      n.Kind,
		"circle_id": n.CircleID,
		"cycle_id":  n.CycleID,
	})

	if n.Kind == NotifyOperatorEscalation {
		if s.operatorID == 0 {
			log.Warn("Operator chat not configured, escalation only logged: " + n.Text)
			return
		}
		n.ChatID = s.operatorID
		n.Text = "⚠️ " + n.Text
	} else {
		if err := s.address(ctx, &n); err != nil {
			log.WithError(err).Warn("Could not address notification")
			return
		}
	}

	if n.ChatID == 0 {
		log.WithField("member_id", n.MemberID).Debug("Member has no linked chat, notification skipped")
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.WithError(err).WithField("chat_id", n.ChatID).Error("Failed to deliver notification")
		return
	}
	log.WithField("chat_id", n.ChatID).Info("Notification delivered")
}

func (s *NotificationService) address(ctx context.Context, n *Notification) error {
	member, err := s.circles.GetMember(ctx, n.CircleID, n.MemberID)
	if err != nil {
		return fmt.Errorf("failed to load member %s: %w", n.MemberID, err)
	}
	circ, err := s.circles.GetByID(ctx, n.CircleID)
	if err != nil {
		return fmt.Errorf("failed to load circle %s: %w", n.CircleID, err)
	}
	c, err := s.cycles.GetCycle(ctx, n.CycleID)
	if err != nil {
		return fmt.Errorf("failed to load cycle %s: %w", n.CycleID, err)
	}
	n.ChatID = member.TelegramID
	if n.Text == "" {
		n.Text = composeNotice(n.Kind, member, circ, c)
	}
	return nil
}

func composeNotice(kind NotificationKind, m *circle.Member, circ *circle.Circle, c *cycle.Cycle) string {
	switch kind {
	case NotifyDeadlineApproaching:
		return fmt.Sprintf("Hi %s! Your contribution of %s to %q (cycle %d) is due by %s.",
			m.DisplayName, circ.ContributionAmount.StringFixed(2), circ.Name, c.Number, c.DeadlineAt.Format(time.DateOnly))
	case NotifyContributionMissing:
		return fmt.Sprintf("Hi %s, we have not received your full contribution to %q for cycle %d. The grace period ends %s.",
			m.DisplayName, circ.Name, c.Number, c.GraceEndsAt.Format(time.DateOnly))
	case NotifyPayoutSent:
		return fmt.Sprintf("Good news %s! The payout of %s from %q (cycle %d) has been sent to you.",
			m.DisplayName, c.PayoutAmount.StringFixed(2), circ.Name, c.Number)
	default:
		return fmt.Sprintf("Update on %q cycle %d: %s", circ.Name, c.Number, c.Status)
	}
}
