package app

import (
	"context"
	"errors"
	"fmt"

	"circle_cycle_engine/internal/domain/circle"
	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
)

// CycleReport is one cycle with its obligations and audit trail.
type CycleReport struct {
	Cycle         *cycle.Cycle
	Contributions []*cycle.Contribution
	Events        []*cycle.Event
}

// CircleReport is the full state of a circle for operators.
type CircleReport struct {
	Circle     *circle.Circle
	Members    []*circle.Member
	Assignment *circle.RotationAssignment // nil while forming
	Overrides  []*circle.RotationOverride
	Cycles     []CycleReport
	Defaults   []*cycle.MemberDefault
}

// ReadModel answers queries without taking cycle locks.
type ReadModel struct {
	circles  circle.Repository
	cycles   cycle.Repository
	defaults cycle.DefaultRepository
	events   cycle.EventRepository
}

func NewReadModel(cr circle.Repository, cyr cycle.Repository, dr cycle.DefaultRepository, er cycle.EventRepository) *ReadModel {
	return &ReadModel{circles: cr, cycles: cyr, defaults: dr, events: er}
}

func (r *ReadModel) GetCycle(ctx context.Context, cycleID uuid.UUID) (*cycle.Cycle, error) {
	c, err := r.cycles.GetCycle(ctx, cycleID)
	if errors.Is(err, cycle.ErrCycleNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCycle, cycleID)
	}
	return c, err
}

// CurrentCycle returns the cycle the circle is currently on.
func (r *ReadModel) CurrentCycle(ctx context.Context, circleID uuid.UUID) (*cycle.Cycle, error) {
	circ, err := r.circles.GetByID(ctx, circleID)
	if err != nil {
		if errors.Is(err, circle.ErrCircleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCircle, circleID)
		}
		return nil, err
	}
	if circ.CurrentCycleNumber == 0 {
		return nil, fmt.Errorf("%w: circle %s is %s", ErrCircleNotActive, circleID, circ.Status)
	}
	return r.cycles.GetCycleByNumber(ctx, circleID, circ.CurrentCycleNumber)
}

// CycleEvents returns the transition log of a cycle in sequence order.
func (r *ReadModel) CycleEvents(ctx context.Context, cycleID uuid.UUID) ([]*cycle.Event, error) {
	return r.events.ListEvents(ctx, cycleID)
}

// CircleReport assembles everything known about a circle.
func (r *ReadModel) CircleReport(ctx context.Context, circleID uuid.UUID) (*CircleReport, error) {
	circ, err := r.circles.GetByID(ctx, circleID)
	if err != nil {
		if errors.Is(err, circle.ErrCircleNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCircle, circleID)
		}
		return nil, err
	}
	rep := &CircleReport{Circle: circ}

	if rep.Members, err = r.circles.ListActiveMembers(ctx, circleID); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	a, err := r.circles.GetAssignment(ctx, circleID)
	switch {
	case err == nil:
		rep.Assignment = a
		if rep.Overrides, err = r.circles.ListOverrides(ctx, circleID); err != nil {
			return nil, fmt.Errorf("failed to list rotation overrides: %w", err)
		}
	case !errors.Is(err, circle.ErrAssignmentNotFound):
		return nil, fmt.Errorf("failed to load rotation: %w", err)
	}

	cycles, err := r.cycles.ListCyclesByCircle(ctx, circleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	for _, c := range cycles {
		cr := CycleReport{Cycle: c}
		if cr.Contributions, err = r.cycles.ListContributions(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to list contributions of cycle %d: %w", c.Number, err)
		}
		if cr.Events, err = r.events.ListEvents(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("failed to list events of cycle %d: %w", c.Number, err)
		}
		rep.Cycles = append(rep.Cycles, cr)
	}

	if rep.Defaults, err = r.defaults.ListDefaultsByCircle(ctx, circleID); err != nil {
		return nil, fmt.Errorf("failed to list defaults: %w", err)
	}
	return rep, nil
}
