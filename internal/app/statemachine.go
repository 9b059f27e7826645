package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxEvaluationSteps bounds one evaluation pass. The longest forward chain is
// scheduled -> collecting -> deadline_reached -> grace_period -> ready_payout.
const maxEvaluationSteps = 8

// Outcome summarizes a cycle after an operation went through the state machine.
type Outcome struct {
	CycleID uuid.UUID
	Status  cycle.Status
	// PayoutDue is set only for the caller whose operation moved the cycle
	// into ready_payout, or for a sweep that found a payout waiting.
	PayoutDue bool
}

type scoreAdjustment struct {
	memberID uuid.UUID
	event    ScoreEvent
	ref      uuid.UUID
}

// effects are collected while a cycle is locked and executed after release.
type effects struct {
	events        []cycle.Event
	notifications []Notification
	scores        []scoreAdjustment
	terminal      []cycle.Cycle
}

func (fx *effects) enteredReady() bool {
	for _, e := range fx.events {
		if e.To == cycle.StatusReadyPayout {
			return true
		}
	}
	return false
}

// StateMachine owns every status change of a cycle. All mutations of a cycle
// go through withCycle, which serializes them per cycle id.
type StateMachine struct {
	circles   circle.Repository
	cycles    cycle.Repository
	events    cycle.EventRepository
	defaults  *DefaultRecorder
	covers    CoverService
	trust     TrustScoreService
	notifier  *NotificationService
	publisher EventPublisher
	locks     *keyedLocks
	now       func() time.Time
	logger    *logrus.Entry

	onTerminal func(ctx context.Context, c cycle.Cycle)
}

// cycleTx is the view of one locked cycle.
type cycleTx struct {
	ctx    context.Context
	m      *StateMachine
	Cycle  *cycle.Cycle
	Circle *circle.Circle
	fx     *effects
}

func (m *StateMachine) withCycle(ctx context.Context, cycleID uuid.UUID, fn func(tx *cycleTx) error) (*effects, error) {
	fx := &effects{}
	unlock := m.locks.Lock(cycleID)
	err := func() error {
		c, err := m.cycles.GetCycle(ctx, cycleID)
		if err != nil {
			if errors.Is(err, cycle.ErrCycleNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
			}
			return fmt.Errorf("failed to load cycle %s: %w", cycleID, err)
		}
		circ, err := m.circles.GetByID(ctx, c.CircleID)
		if err != nil {
			return fmt.Errorf("failed to load circle %s of cycle %s: %w", c.CircleID, cycleID, err)
		}
		return fn(&cycleTx{ctx: ctx, m: m, Cycle: c, Circle: circ, fx: fx})
	}()
	unlock()
	m.flush(ctx, fx)
	return fx, err
}

// transition moves the locked cycle to `to`, persists it and appends the audit event.
func (tx *cycleTx) transition(to cycle.Status, actor, reason string, meta map[string]string) error {
	c := tx.Cycle
	from := c.Status
	if !cycle.CanTransition(from, to) {
		tx.m.logger.WithFields(logrus.Fields{
			"cycle_id": c.ID,
			"from":     from,
			"to":       to,
			"actor":    actor,
		}).Error("Rejected invalid cycle transition")
		return fmt.Errorf("%w: %s -> %s for cycle %s", ErrInvalidTransition, from, to, c.ID)
	}

	now := tx.m.now()
	prevClosedAt := c.ClosedAt
	c.Status = to
	if to.IsTerminal() {
		c.ClosedAt = &now
	}
	if err := tx.save(); err != nil {
		c.Status = from
		c.ClosedAt = prevClosedAt
		return err
	}

	ev := &cycle.Event{
		ID:        uuid.New(),
		CycleID:   c.ID,
		CircleID:  c.CircleID,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: now,
	}
	if err := tx.m.events.AppendEvent(tx.ctx, ev); err != nil {
		tx.m.logger.WithError(err).WithField("cycle_id", c.ID).Error("Transition persisted without its audit event")
		return fmt.Errorf("%w: failed to append event for %s -> %s: %v", ErrLedgerIntegrity, from, to, err)
	}
	tx.fx.events = append(tx.fx.events, *ev)
	if to.IsTerminal() {
		tx.fx.terminal = append(tx.fx.terminal, *c)
	}

	tx.m.logger.WithFields(logrus.Fields{
		"cycle_id":  c.ID,
		"circle_id": c.CircleID,
		"number":    c.Number,
		"from":      from,
		"to":        to,
		"actor":     actor,
	}).Info("Cycle transitioned")
	return nil
}

// save persists non-status field changes of the locked cycle.
func (tx *cycleTx) save() error {
	if err := tx.m.cycles.UpdateCycle(tx.ctx, tx.Cycle); err != nil {
		if errors.Is(err, cycle.ErrVersionConflict) {
			return fmt.Errorf("%w: %s", ErrStaleCycle, tx.Cycle.ID)
		}
		return fmt.Errorf("failed to update cycle %s: %w", tx.Cycle.ID, err)
	}
	return nil
}

func (tx *cycleTx) contributions() ([]*cycle.Contribution, error) {
	contribs, err := tx.m.cycles.ListContributions(tx.ctx, tx.Cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions of cycle %s: %w", tx.Cycle.ID, err)
	}
	return contribs, nil
}

func (tx *cycleTx) notifyMember(kind NotificationKind, memberID uuid.UUID) {
	tx.fx.notifications = append(tx.fx.notifications, Notification{
		Kind:     kind,
		CircleID: tx.Cycle.CircleID,
		CycleID:  tx.Cycle.ID,
		MemberID: memberID,
	})
}

func (tx *cycleTx) escalate(text string) {
	tx.fx.notifications = append(tx.fx.notifications, Notification{
		Kind:     NotifyOperatorEscalation,
		CircleID: tx.Cycle.CircleID,
		CycleID:  tx.Cycle.ID,
		Text:     text,
	})
}

// Advance re-evaluates time- and funding-driven transitions of one cycle.
// It is a no-op for cycles without a due transition.
func (m *StateMachine) Advance(ctx context.Context, cycleID uuid.UUID, actor string) (Outcome, error) {
	var out Outcome
	fx, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		err := m.evaluate(tx, actor)
		out = Outcome{CycleID: tx.Cycle.ID, Status: tx.Cycle.Status}
		return err
	})
	if err != nil {
		return out, err
	}
	out.PayoutDue = fx.enteredReady()
	return out, nil
}

func (m *StateMachine) evaluate(tx *cycleTx, actor string) error {
	for i := 0; i < maxEvaluationSteps; i++ {
		progressed, err := m.step(tx, actor)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

func (m *StateMachine) step(tx *cycleTx, actor string) (bool, error) {
	c := tx.Cycle
	now := m.now()

	switch c.Status {
	case cycle.StatusScheduled:
		if now.Before(c.StartsAt) {
			return false, nil
		}
		return true, m.openCollection(tx, actor)

	case cycle.StatusCollecting:
		contribs, err := tx.contributions()
		if err != nil {
			return false, err
		}
		if cycle.FullyFunded(contribs) {
			return true, m.markReady(tx, contribs, actor, "fully funded")
		}
		if !now.Before(c.DeadlineAt) {
			return true, tx.transition(cycle.StatusDeadlineReached, actor, "deadline passed", nil)
		}
		return false, m.maybeRemind(tx, contribs, now)

	case cycle.StatusDeadlineReached:
		contribs, err := tx.contributions()
		if err != nil {
			return false, err
		}
		if cycle.FullyFunded(contribs) {
			return true, m.markReady(tx, contribs, actor, "fully funded")
		}
		if tx.Circle.Policy.GracePeriodDays > 0 {
			if err := tx.transition(cycle.StatusGracePeriod, actor, "grace period opened", map[string]string{
				"grace_ends_at": c.GraceEndsAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return false, err
			}
			for _, ct := range contribs {
				if !ct.Settled() {
					tx.notifyMember(NotifyContributionMissing, ct.MemberID)
				}
			}
			return true, nil
		}
		return true, m.resolveShortfall(tx, contribs, actor)

	case cycle.StatusGracePeriod:
		contribs, err := tx.contributions()
		if err != nil {
			return false, err
		}
		if cycle.FullyFunded(contribs) {
			return true, m.markReady(tx, contribs, actor, "fully funded")
		}
		if !now.Before(c.GraceEndsAt) {
			return true, m.resolveShortfall(tx, contribs, actor)
		}
		return false, nil

	case cycle.StatusPayoutCompleted:
		// The close did not land after the payout was recorded.
		return true, m.closePaidCycle(tx, actor)
	}
	return false, nil
}

// openCollection creates the member obligations and starts collecting.
func (m *StateMachine) openCollection(tx *cycleTx, actor string) error {
	members, err := m.circles.ListActiveMembers(tx.ctx, tx.Circle.ID)
	if err != nil {
		return fmt.Errorf("failed to list members of circle %s: %w", tx.Circle.ID, err)
	}
	contribs := make([]*cycle.Contribution, 0, len(members))
	for _, mem := range members {
		contribs = append(contribs, &cycle.Contribution{
			CycleID:           tx.Cycle.ID,
			MemberID:          mem.ID,
			ExpectedAmount:    tx.Circle.ContributionAmount,
			ContributedAmount: decimal.Zero,
			CoveredAmount:     decimal.Zero,
			Status:            cycle.ContributionPending,
		})
	}
	if err := m.cycles.BulkCreateContributions(tx.ctx, contribs); err != nil {
		return fmt.Errorf("failed to create contributions for cycle %s: %w", tx.Cycle.ID, err)
	}
	return tx.transition(cycle.StatusCollecting, actor, "collection opened", map[string]string{
		"members":     fmt.Sprint(len(contribs)),
		"deadline_at": tx.Cycle.DeadlineAt.UTC().Format(time.RFC3339),
	})
}

func (m *StateMachine) maybeRemind(tx *cycleTx, contribs []*cycle.Contribution, now time.Time) error {
	lead := tx.Circle.Policy.ReminderLeadDays
	if lead <= 0 || tx.Cycle.ReminderSentAt != nil {
		return nil
	}
	if now.Before(tx.Cycle.DeadlineAt.AddDate(0, 0, -lead)) {
		return nil
	}
	tx.Cycle.ReminderSentAt = &now
	if err := tx.save(); err != nil {
		tx.Cycle.ReminderSentAt = nil
		return err
	}
	for _, ct := range contribs {
		if !ct.Settled() {
			tx.notifyMember(NotifyDeadlineApproaching, ct.MemberID)
		}
	}
	return nil
}

// markReady fixes the collected amounts and moves the cycle to ready_payout.
func (m *StateMachine) markReady(tx *cycleTx, contribs []*cycle.Contribution, actor, reason string) error {
	collected, covered := cycle.Totals(contribs)
	expected := decimal.Zero
	for _, ct := range contribs {
		if ct.Status != cycle.ContributionExcused {
			expected = expected.Add(ct.ExpectedAmount)
		}
	}
	if collected.Add(covered).GreaterThan(expected) {
		tx.m.logger.WithFields(logrus.Fields{
			"cycle_id":  tx.Cycle.ID,
			"collected": collected.String(),
			"covered":   covered.String(),
			"expected":  expected.String(),
		}).Error("Collected amount exceeds expected total")
		tx.escalate(fmt.Sprintf("cycle %s collected %s exceeds expected %s", tx.Cycle.ID, collected.Add(covered), expected))
		return fmt.Errorf("%w: cycle %s collected %s of %s", ErrLedgerIntegrity, tx.Cycle.ID, collected.Add(covered), expected)
	}

	tx.Cycle.CollectedAmount = collected
	tx.Cycle.CoveredAmount = covered
	tx.Cycle.PayoutAmount = collected.Add(covered)
	return tx.transition(cycle.StatusReadyPayout, actor, reason, map[string]string{
		"collected_amount": collected.String(),
		"covered_amount":   covered.String(),
		"payout_amount":    tx.Cycle.PayoutAmount.String(),
	})
}

// resolveShortfall runs when the grace window closes with members still owing.
// Outstanding members are marked missed and defaulted; the cycle then goes to
// ready_payout if covers fill the gap, otherwise per the circle's shortfall policy.
func (m *StateMachine) resolveShortfall(tx *cycleTx, contribs []*cycle.Contribution, actor string) error {
	policy := tx.Circle.Policy
	missed := 0
	for _, ct := range contribs {
		if ct.Settled() || ct.Status == cycle.ContributionMissed {
			continue
		}
		owed := ct.Outstanding()
		ct.Status = cycle.ContributionMissed
		ct.WasOnTime = false
		if err := m.cycles.UpdateContribution(tx.ctx, ct); err != nil {
			return fmt.Errorf("failed to mark contribution of member %s missed: %w", ct.MemberID, err)
		}
		if err := m.defaults.persist(tx.ctx, tx.Cycle, ct.MemberID, owed); err != nil {
			return err
		}
		tx.fx.scores = append(tx.fx.scores, scoreAdjustment{memberID: ct.MemberID, event: ScoreDefaulted, ref: tx.Cycle.ID})
		missed++
	}

	if policy.AllowCover && m.covers != nil {
		for _, ct := range contribs {
			if ct.Status != cycle.ContributionMissed {
				continue
			}
			shortfall := ct.Outstanding().Sub(ct.CoveredAmount)
			if !shortfall.IsPositive() {
				continue
			}
			supplied, err := m.covers.RequestCover(tx.ctx, tx.Circle.ID, tx.Cycle.ID, ct.MemberID, shortfall)
			if err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"cycle_id":  tx.Cycle.ID,
					"member_id": ct.MemberID,
				}).Warn("Cover request failed, treating shortfall as uncovered")
				continue
			}
			if !supplied.IsPositive() {
				continue
			}
			if supplied.GreaterThan(shortfall) {
				supplied = shortfall
			}
			ct.CoveredAmount = ct.CoveredAmount.Add(supplied)
			if ct.CoveredAmount.GreaterThanOrEqual(ct.Outstanding()) {
				ct.Status = cycle.ContributionCovered
			}
			if err := m.cycles.UpdateContribution(tx.ctx, ct); err != nil {
				return fmt.Errorf("failed to record cover for member %s: %w", ct.MemberID, err)
			}
		}
	}

	if cycle.FullyFunded(contribs) {
		return m.markReady(tx, contribs, actor, "shortfall covered")
	}

	collected, covered := cycle.Totals(contribs)
	switch policy.ShortfallPolicy {
	case circle.ShortfallReducedPayout:
		if collected.Add(covered).IsPositive() {
			return m.markReady(tx, contribs, actor, "reduced payout after shortfall")
		}
		return tx.transition(cycle.StatusSkipped, actor, "nothing collected", map[string]string{"missed_members": fmt.Sprint(missed)})
	default:
		return tx.transition(cycle.StatusSkipped, actor, "payout withheld after shortfall", map[string]string{"missed_members": fmt.Sprint(missed)})
	}
}

// Skip marks a cycle skipped on admin request. When a payout is in flight the
// skip is recorded and applied only if that attempt fails; a successful
// transfer closes the cycle. It reports whether the skip took effect
// immediately.
func (m *StateMachine) Skip(ctx context.Context, cycleID uuid.UUID, actor, reason string) (bool, error) {
	immediate := false
	_, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		switch tx.Cycle.Status {
		case cycle.StatusSkipped:
			immediate = true
			return nil
		case cycle.StatusPayoutPending:
			if tx.Cycle.SkipRequested {
				return nil
			}
			tx.Cycle.SkipRequested = true
			if err := tx.save(); err != nil {
				tx.Cycle.SkipRequested = false
				return err
			}
			m.logger.WithField("cycle_id", cycleID).Info("Skip deferred until in-flight payout result is recorded")
			return nil
		}
		immediate = true
		return tx.transition(cycle.StatusSkipped, actor, reason, nil)
	})
	return immediate, err
}

// Cancel cancels a cycle. When a payout is in flight the cancellation is
// recorded and applied after the in-flight result arrives. It reports whether
// the cancellation took effect immediately.
func (m *StateMachine) Cancel(ctx context.Context, cycleID uuid.UUID, actor, reason string) (bool, error) {
	immediate := false
	_, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		switch tx.Cycle.Status {
		case cycle.StatusCancelled:
			immediate = true
			return nil
		case cycle.StatusPayoutPending:
			if tx.Cycle.CancelRequested {
				return nil
			}
			tx.Cycle.CancelRequested = true
			if err := tx.save(); err != nil {
				tx.Cycle.CancelRequested = false
				return err
			}
			m.logger.WithField("cycle_id", cycleID).Info("Cancellation deferred until in-flight payout result is recorded")
			return nil
		}
		immediate = true
		return tx.transition(cycle.StatusCancelled, actor, reason, nil)
	})
	return immediate, err
}

// Excuse releases a member from the current cycle's obligation.
func (m *StateMachine) Excuse(ctx context.Context, cycleID, memberID uuid.UUID, actor, reason string) (Outcome, error) {
	var out Outcome
	fx, err := m.withCycle(ctx, cycleID, func(tx *cycleTx) error {
		out = Outcome{CycleID: cycleID, Status: tx.Cycle.Status}
		switch tx.Cycle.Status {
		case cycle.StatusCollecting, cycle.StatusDeadlineReached, cycle.StatusGracePeriod:
		default:
			return fmt.Errorf("%w: cycle %s is %s", ErrCycleClosed, cycleID, tx.Cycle.Status)
		}
		ct, err := m.cycles.GetContribution(tx.ctx, cycleID, memberID)
		if err != nil {
			if errors.Is(err, cycle.ErrContributionNotFound) {
				return fmt.Errorf("%w: %s in cycle %s", ErrUnknownMember, memberID, cycleID)
			}
			return fmt.Errorf("failed to load contribution: %w", err)
		}
		if ct.Status == cycle.ContributionExcused {
			return nil
		}
		if ct.Settled() {
			return fmt.Errorf("%w: contribution of %s is already %s", ErrInvalidTransition, memberID, ct.Status)
		}
		// Excused members drop out of the totals, so paid money would vanish.
		if ct.ContributedAmount.IsPositive() {
			return fmt.Errorf("%w: %s already paid %s in cycle %s", ErrContributionPaid, memberID, ct.ContributedAmount, cycleID)
		}
		ct.Status = cycle.ContributionExcused
		if err := m.cycles.UpdateContribution(tx.ctx, ct); err != nil {
			return fmt.Errorf("failed to excuse contribution: %w", err)
		}
		m.logger.WithFields(logrus.Fields{
			"cycle_id":  cycleID,
			"member_id": memberID,
			"actor":     actor,
			"reason":    reason,
		}).Info("Contribution excused")
		err = m.evaluate(tx, actor)
		out.Status = tx.Cycle.Status
		return err
	})
	if err != nil {
		return out, err
	}
	out.PayoutDue = fx.enteredReady()
	return out, nil
}

// flush executes the side effects gathered while the cycle was locked.
// Failures are logged; the state change they follow is already durable.
func (m *StateMachine) flush(ctx context.Context, fx *effects) {
	if m.publisher != nil {
		for _, e := range fx.events {
			if err := m.publisher.Publish(ctx, e); err != nil {
				m.logger.WithError(err).WithField("cycle_id", e.CycleID).Warn("Failed to publish cycle event")
			}
		}
	}
	for _, n := range fx.notifications {
		m.notifier.Deliver(ctx, n)
	}
	if m.trust != nil {
		for _, s := range fx.scores {
			if err := m.trust.AdjustScore(ctx, s.memberID, s.event, s.ref); err != nil {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"member_id": s.memberID,
					"event":     s.event,
				}).Warn("Failed to report trust-score event")
			}
		}
	}
	if m.onTerminal != nil {
		for _, c := range fx.terminal {
			m.onTerminal(ctx, c)
		}
	}
}
