package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NewCircle describes a circle to be created in forming status.
type NewCircle struct {
	Name               string
	ContributionAmount decimal.Decimal
	Frequency          circle.Frequency
	TotalCycles        int
	MaxMembers         int
	RotationMethod     circle.RotationMethod
	Policy             circle.Policy
}

// NewMember describes a member joining a forming circle.
type NewMember struct {
	DisplayName      string
	TelegramID       int64
	AccountCreatedAt time.Time
}

// AdminService holds the operator actions. Every action checks that the
// performing Telegram user is the configured admin.
type AdminService struct {
	circles         circle.Repository
	orchestrator    *CycleOrchestrator
	machine         *StateMachine
	dispatcher      *PayoutDispatcher
	trigger         PayoutTrigger
	adminTelegramID int64
	now             func() time.Time
	logger          *logrus.Entry
}

func NewAdminService(cr circle.Repository, o *CycleOrchestrator, m *StateMachine, d *PayoutDispatcher, adminID int64, now func() time.Time, logger *logrus.Entry) *AdminService {
	return &AdminService{
		circles:         cr,
		orchestrator:    o,
		machine:         m,
		dispatcher:      d,
		adminTelegramID: adminID,
		now:             now,
		logger:          logger,
	}
}

func (s *AdminService) SetPayoutTrigger(t PayoutTrigger) { s.trigger = t }

func (s *AdminService) authorize(performingAdminID int64) error {
	if s.adminTelegramID == 0 || performingAdminID != s.adminTelegramID {
		return ErrAdminNotAuthorized
	}
	return nil
}

// ValidateNewCircle checks the static parameters of a circle.
func ValidateNewCircle(in NewCircle) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	case !in.ContributionAmount.IsPositive():
		return fmt.Errorf("%w: contribution amount %s", ErrInvalidAmount, in.ContributionAmount)
	case !in.Frequency.Valid():
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidPolicy, in.Frequency)
	case in.MaxMembers < 2:
		return fmt.Errorf("%w: a circle needs at least two members", ErrInvalidPolicy)
	case in.TotalCycles < in.MaxMembers:
		return fmt.Errorf("%w: %d cycles cannot pay %d members", ErrInvalidPolicy, in.TotalCycles, in.MaxMembers)
	case in.Policy.GracePeriodDays < 0 || in.Policy.ReminderLeadDays < 0:
		return fmt.Errorf("%w: negative day count", ErrInvalidPolicy)
	}
	switch in.RotationMethod {
	case circle.RotationTrustScore, circle.RotationRandom, circle.RotationManual:
	default:
		return fmt.Errorf("%w: unknown rotation method %q", ErrInvalidPolicy, in.RotationMethod)
	}
	switch in.Policy.ShortfallPolicy {
	case circle.ShortfallSkipCycle, circle.ShortfallReducedPayout:
	default:
		return fmt.Errorf("%w: unknown shortfall policy %q", ErrInvalidPolicy, in.Policy.ShortfallPolicy)
	}
	return nil
}

// CreateCircle creates a circle in forming status.
func (s *AdminService) CreateCircle(ctx context.Context, performingAdminID int64, in NewCircle) (*circle.Circle, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	if in.Policy.ShortfallPolicy == "" {
		in.Policy.ShortfallPolicy = circle.ShortfallSkipCycle
	}
	if err := ValidateNewCircle(in); err != nil {
		return nil, err
	}
	in.Policy.Version = circle.PolicyVersion

	now := s.now()
	c := &circle.Circle{
		ID:                 uuid.New(),
		Name:               strings.TrimSpace(in.Name),
		ContributionAmount: in.ContributionAmount,
		Frequency:          in.Frequency,
		TotalCycles:        in.TotalCycles,
		MaxMembers:         in.MaxMembers,
		RotationMethod:     in.RotationMethod,
		Policy:             in.Policy,
		Status:             circle.StatusForming,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.circles.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create circle in repository: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"circle_id": c.ID, "name": c.Name}).Info("Circle created")
	return c, nil
}

// AddMember adds a member to a forming circle.
func (s *AdminService) AddMember(ctx context.Context, performingAdminID int64, circleID uuid.UUID, in NewMember) (*circle.Member, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	circ, err := s.orchestrator.loadCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circ.Status != circle.StatusForming {
		return nil, fmt.Errorf("%w: circle %s is %s", ErrCircleNotForming, circleID, circ.Status)
	}
	members, err := s.circles.ListActiveMembers(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if len(members) >= circ.MaxMembers {
		return nil, fmt.Errorf("%w: %d of %d", ErrRosterFull, len(members), circ.MaxMembers)
	}

	now := s.now()
	m := &circle.Member{
		ID:               uuid.New(),
		CircleID:         circleID,
		DisplayName:      strings.TrimSpace(in.DisplayName),
		TelegramID:       in.TelegramID,
		AccountCreatedAt: in.AccountCreatedAt,
		JoinedAt:         now,
		IsActive:         true,
	}
	if m.AccountCreatedAt.IsZero() {
		m.AccountCreatedAt = now
	}
	if err := s.circles.AddMember(ctx, m); err != nil {
		if errors.Is(err, circle.ErrDuplicateMember) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to add member to circle %s: %w", circleID, err)
	}
	return m, nil
}

// ActivateCircle starts a forming circle.
func (s *AdminService) ActivateCircle(ctx context.Context, performingAdminID int64, circleID uuid.UUID, in RotationInput) (*circle.RotationAssignment, *cycle.Cycle, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, nil, err
	}
	return s.orchestrator.ActivateCircle(ctx, circleID, in)
}

// CancelCircle stops a circle. A current cycle already in its payout phase
// finishes that payout.
func (s *AdminService) CancelCircle(ctx context.Context, performingAdminID int64, circleID uuid.UUID, reason string) error {
	if err := s.authorize(performingAdminID); err != nil {
		return err
	}
	return s.orchestrator.CancelCircle(ctx, circleID, cycle.AdminActor(performingAdminID), reason)
}

// SkipCycle withholds a cycle's payout. It reports false when the skip was
// deferred behind an in-flight payout.
func (s *AdminService) SkipCycle(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, reason string) (bool, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return false, err
	}
	return s.machine.Skip(ctx, cycleID, cycle.AdminActor(performingAdminID), reason)
}

// CancelCycle cancels one cycle. It reports false when the cancellation was
// deferred behind an in-flight payout.
func (s *AdminService) CancelCycle(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, reason string) (bool, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return false, err
	}
	return s.machine.Cancel(ctx, cycleID, cycle.AdminActor(performingAdminID), reason)
}

// ExcuseContribution releases a member from a cycle's obligation.
func (s *AdminService) ExcuseContribution(ctx context.Context, performingAdminID int64, cycleID, memberID uuid.UUID, reason string) (Outcome, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return Outcome{}, err
	}
	out, err := s.machine.Excuse(ctx, cycleID, memberID, cycle.AdminActor(performingAdminID), reason)
	if err == nil && out.PayoutDue && s.trigger != nil {
		s.trigger.TriggerPayout(ctx, cycleID)
	}
	return out, err
}

// OverridePayout closes a failed payout that was settled outside the rail.
func (s *AdminService) OverridePayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, transferRef, reason string) error {
	if err := s.authorize(performingAdminID); err != nil {
		return err
	}
	return s.machine.OverridePayout(ctx, cycleID, cycle.AdminActor(performingAdminID), transferRef, reason)
}

// RetryPayout re-arms an escalated payout and triggers it right away.
func (s *AdminService) RetryPayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID) error {
	if err := s.authorize(performingAdminID); err != nil {
		return err
	}
	if err := s.machine.ScheduleRetry(ctx, cycleID, cycle.AdminActor(performingAdminID)); err != nil {
		return err
	}
	if s.trigger != nil {
		s.trigger.TriggerPayout(ctx, cycleID)
	}
	return nil
}

// ResolvePayout settles a payout stuck in payout_pending from the operator's
// own check with the rail, or closes a cycle left in payout_completed. A
// failed resolution schedules the next attempt.
func (s *AdminService) ResolvePayout(ctx context.Context, performingAdminID int64, cycleID uuid.UUID, paid bool, transferRef, reason string) (cycle.Status, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return "", err
	}
	return s.dispatcher.Resolve(ctx, cycleID, cycle.AdminActor(performingAdminID), paid, transferRef, reason)
}

// OverrideRotation reassigns recipients of cycles after the current one.
func (s *AdminService) OverrideRotation(ctx context.Context, performingAdminID int64, circleID uuid.UUID, fromCycle int, recipients []uuid.UUID, reason string) (*circle.RotationOverride, error) {
	if err := s.authorize(performingAdminID); err != nil {
		return nil, err
	}
	return s.orchestrator.OverrideRotation(ctx, circleID, fromCycle, recipients, performingAdminID, reason)
}
