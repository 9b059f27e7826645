package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"circle_cycle_engine/internal/domain/cycle"

	"github.com/google/uuid"
)

var (
	_ cycle.Repository        = (*PostgresCycleRepository)(nil)
	_ cycle.DefaultRepository = (*PostgresCycleRepository)(nil)
	_ cycle.EventRepository   = (*PostgresCycleRepository)(nil)
)

// PostgresCycleRepository stores cycles together with their contributions,
// payments, defaults and transition log.
type PostgresCycleRepository struct {
	db *sql.DB
}

func NewPostgresCycleRepository(db *sql.DB) *PostgresCycleRepository {
	return &PostgresCycleRepository{db: db}
}

const cycleColumns = `id, circle_id, number, recipient_id, status, starts_at, deadline_at, grace_ends_at,
               collected_amount, covered_amount, payout_amount, payout_attempts, next_attempt_at, failure_reason,
               cancel_requested, skip_requested, dispatched_at, reminder_sent_at, version, created_at, updated_at, closed_at`

func scanCycle(row interface{ Scan(...any) error }) (*cycle.Cycle, error) {
	c := &cycle.Cycle{}
	err := row.Scan(&c.ID, &c.CircleID, &c.Number, &c.RecipientID, &c.Status, &c.StartsAt, &c.DeadlineAt,
		&c.GraceEndsAt, &c.CollectedAmount, &c.CoveredAmount, &c.PayoutAmount, &c.PayoutAttempts,
		&c.NextAttemptAt, &c.FailureReason, &c.CancelRequested, &c.SkipRequested, &c.DispatchedAt, &c.ReminderSentAt, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &c.ClosedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// --- Cycle Methods ---

func (r *PostgresCycleRepository) CreateCycle(ctx context.Context, c *cycle.Cycle) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `INSERT INTO circle_cycles (id, circle_id, number, recipient_id, status, starts_at, deadline_at,
                   grace_ends_at, collected_amount, covered_amount, payout_amount, version)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
               RETURNING version, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, c.ID, c.CircleID, c.Number, c.RecipientID, c.Status, c.StartsAt,
		c.DeadlineAt, c.GraceEndsAt, c.CollectedAmount, c.CoveredAmount, c.PayoutAmount).
		Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "circle_cycles_circle_number_key") {
			return cycle.ErrDuplicateCycle
		}
		return fmt.Errorf("error creating circle cycle: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) GetCycle(ctx context.Context, id uuid.UUID) (*cycle.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM circle_cycles WHERE id = $1`
	c, err := scanCycle(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cycle.ErrCycleNotFound
		}
		return nil, fmt.Errorf("error getting circle cycle by ID: %w", err)
	}
	return c, nil
}

func (r *PostgresCycleRepository) GetCycleByNumber(ctx context.Context, circleID uuid.UUID, number int) (*cycle.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM circle_cycles WHERE circle_id = $1 AND number = $2`
	c, err := scanCycle(r.db.QueryRowContext(ctx, query, circleID, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cycle.ErrCycleNotFound
		}
		return nil, fmt.Errorf("error getting circle cycle by number: %w", err)
	}
	return c, nil
}

// UpdateCycle is a compare-and-swap on the version column.
func (r *PostgresCycleRepository) UpdateCycle(ctx context.Context, c *cycle.Cycle) error {
	query := `UPDATE circle_cycles
               SET status = $1, collected_amount = $2, covered_amount = $3, payout_amount = $4,
                   payout_attempts = $5, next_attempt_at = $6, failure_reason = $7, cancel_requested = $8,
                   skip_requested = $9, dispatched_at = $10, reminder_sent_at = $11, closed_at = $12,
                   version = version + 1, updated_at = NOW()
               WHERE id = $13 AND version = $14
               RETURNING version, updated_at`
	err := r.db.QueryRowContext(ctx, query, c.Status, c.CollectedAmount, c.CoveredAmount, c.PayoutAmount,
		c.PayoutAttempts, c.NextAttemptAt, c.FailureReason, c.CancelRequested, c.SkipRequested, c.DispatchedAt,
		c.ReminderSentAt, c.ClosedAt, c.ID, c.Version).Scan(&c.Version, &c.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("error updating circle cycle: %w", err)
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM circle_cycles WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("error checking circle cycle: %w", err)
	}
	if !exists {
		return cycle.ErrCycleNotFound
	}
	return cycle.ErrVersionConflict
}

func (r *PostgresCycleRepository) ListOpenCycles(ctx context.Context) ([]*cycle.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM circle_cycles
               WHERE status NOT IN ('closed', 'skipped', 'cancelled')
               ORDER BY circle_id, number`
	return r.queryCycles(ctx, query)
}

func (r *PostgresCycleRepository) ListCyclesByCircle(ctx context.Context, circleID uuid.UUID) ([]*cycle.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM circle_cycles WHERE circle_id = $1 ORDER BY number`
	return r.queryCycles(ctx, query, circleID)
}

func (r *PostgresCycleRepository) queryCycles(ctx context.Context, query string, args ...any) ([]*cycle.Cycle, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing circle cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]*cycle.Cycle, 0)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning circle cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circle cycles: %w", err)
	}
	return cycles, nil
}

// --- Contribution Methods ---

const contributionColumns = `id, cycle_id, member_id, expected_amount, contributed_amount, covered_amount,
               status, was_on_time, paid_at, created_at, updated_at`

func scanContribution(row interface{ Scan(...any) error }) (*cycle.Contribution, error) {
	c := &cycle.Contribution{}
	err := row.Scan(&c.ID, &c.CycleID, &c.MemberID, &c.ExpectedAmount, &c.ContributedAmount, &c.CoveredAmount,
		&c.Status, &c.WasOnTime, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// BulkCreateContributions inserts all rows in one transaction. Rows that
// already exist for (cycle, member) are left untouched.
func (r *PostgresCycleRepository) BulkCreateContributions(ctx context.Context, contribs []*cycle.Contribution) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting contribution insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cycle_contributions
               (id, cycle_id, member_id, expected_amount, contributed_amount, covered_amount, status, was_on_time)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
               ON CONFLICT (cycle_id, member_id) DO NOTHING
               RETURNING created_at, updated_at`)
	if err != nil {
		return fmt.Errorf("error preparing contribution insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contribs {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		err := stmt.QueryRowContext(ctx, c.ID, c.CycleID, c.MemberID, c.ExpectedAmount, c.ContributedAmount,
			c.CoveredAmount, c.Status, c.WasOnTime).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("error creating contribution: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing contributions: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) GetContribution(ctx context.Context, cycleID, memberID uuid.UUID) (*cycle.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM cycle_contributions WHERE cycle_id = $1 AND member_id = $2`
	c, err := scanContribution(r.db.QueryRowContext(ctx, query, cycleID, memberID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cycle.ErrContributionNotFound
		}
		return nil, fmt.Errorf("error getting contribution: %w", err)
	}
	return c, nil
}

func (r *PostgresCycleRepository) UpdateContribution(ctx context.Context, c *cycle.Contribution) error {
	query := `UPDATE cycle_contributions
               SET contributed_amount = $1, covered_amount = $2, status = $3, was_on_time = $4, paid_at = $5,
                   updated_at = NOW()
               WHERE cycle_id = $6 AND member_id = $7
               RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query, c.ContributedAmount, c.CoveredAmount, c.Status, c.WasOnTime, c.PaidAt,
		c.CycleID, c.MemberID).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cycle.ErrContributionNotFound
		}
		return fmt.Errorf("error updating contribution: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) ListContributions(ctx context.Context, cycleID uuid.UUID) ([]*cycle.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM cycle_contributions WHERE cycle_id = $1 ORDER BY member_id`
	rows, err := r.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("error listing contributions: %w", err)
	}
	defer rows.Close()

	contribs := make([]*cycle.Contribution, 0)
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning contribution: %w", err)
		}
		contribs = append(contribs, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contributions: %w", err)
	}
	return contribs, nil
}

// --- Payment Methods ---

// ApplyPayment inserts the payment row and updates the contribution in one
// transaction, so a stored payment is always reflected in the contribution.
func (r *PostgresCycleRepository) ApplyPayment(ctx context.Context, p *cycle.Payment, c *cycle.Contribution) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting payment transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `INSERT INTO contribution_payments (id, cycle_id, member_id, ref, amount, paid_at)
               VALUES ($1, $2, $3, $4, $5, $6)
               RETURNING recorded_at`,
		p.ID, p.CycleID, p.MemberID, p.Ref, p.Amount, p.PaidAt).Scan(&p.RecordedAt)
	if err != nil {
		if isUniqueViolation(err, "contribution_payments_ref_key") {
			return cycle.ErrDuplicatePayment
		}
		return fmt.Errorf("error creating payment: %w", err)
	}

	err = tx.QueryRowContext(ctx, `UPDATE cycle_contributions
               SET contributed_amount = $1, covered_amount = $2, status = $3, was_on_time = $4, paid_at = $5,
                   updated_at = NOW()
               WHERE cycle_id = $6 AND member_id = $7
               RETURNING updated_at`,
		c.ContributedAmount, c.CoveredAmount, c.Status, c.WasOnTime, c.PaidAt, c.CycleID, c.MemberID).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cycle.ErrContributionNotFound
		}
		return fmt.Errorf("error applying payment to contribution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing payment: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) GetPayment(ctx context.Context, cycleID, memberID uuid.UUID, ref string) (*cycle.Payment, error) {
	query := `SELECT id, cycle_id, member_id, ref, amount, paid_at, recorded_at
               FROM contribution_payments WHERE cycle_id = $1 AND member_id = $2 AND ref = $3`
	p := &cycle.Payment{}
	err := r.db.QueryRowContext(ctx, query, cycleID, memberID, ref).
		Scan(&p.ID, &p.CycleID, &p.MemberID, &p.Ref, &p.Amount, &p.PaidAt, &p.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cycle.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("error getting payment: %w", err)
	}
	return p, nil
}

// --- Default Methods ---

func (r *PostgresCycleRepository) UpsertDefault(ctx context.Context, d *cycle.MemberDefault) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	query := `INSERT INTO member_defaults (id, member_id, circle_id, cycle_id, amount_owed, status)
               VALUES ($1, $2, $3, $4, $5, $6)
               ON CONFLICT (cycle_id, member_id) DO UPDATE
               SET amount_owed = EXCLUDED.amount_owed, status = EXCLUDED.status, updated_at = NOW()
               RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, d.ID, d.MemberID, d.CircleID, d.CycleID, d.AmountOwed, d.Status).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting member default: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) GetDefault(ctx context.Context, cycleID, memberID uuid.UUID) (*cycle.MemberDefault, error) {
	query := `SELECT id, member_id, circle_id, cycle_id, amount_owed, status, created_at, updated_at
               FROM member_defaults WHERE cycle_id = $1 AND member_id = $2`
	d := &cycle.MemberDefault{}
	err := r.db.QueryRowContext(ctx, query, cycleID, memberID).
		Scan(&d.ID, &d.MemberID, &d.CircleID, &d.CycleID, &d.AmountOwed, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cycle.ErrDefaultNotFound
		}
		return nil, fmt.Errorf("error getting member default: %w", err)
	}
	return d, nil
}

func (r *PostgresCycleRepository) ListDefaultsByCircle(ctx context.Context, circleID uuid.UUID) ([]*cycle.MemberDefault, error) {
	query := `SELECT id, member_id, circle_id, cycle_id, amount_owed, status, created_at, updated_at
               FROM member_defaults WHERE circle_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, circleID)
	if err != nil {
		return nil, fmt.Errorf("error listing member defaults: %w", err)
	}
	defer rows.Close()

	defaults := make([]*cycle.MemberDefault, 0)
	for rows.Next() {
		d := &cycle.MemberDefault{}
		if err := rows.Scan(&d.ID, &d.MemberID, &d.CircleID, &d.CycleID, &d.AmountOwed, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning member default: %w", err)
		}
		defaults = append(defaults, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member defaults: %w", err)
	}
	return defaults, nil
}

// --- Event Methods ---

// AppendEvent assigns the next per-cycle sequence inside the insert. The
// unique (cycle_id, sequence) constraint rejects a concurrent writer.
func (r *PostgresCycleRepository) AppendEvent(ctx context.Context, e *cycle.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("error encoding event metadata: %w", err)
		}
	}
	query := `INSERT INTO cycle_events (id, cycle_id, circle_id, sequence, from_status, to_status, actor, reason, metadata, created_at)
               SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4, $5, $6, $7, $8, $9
               FROM cycle_events WHERE cycle_id = $2
               RETURNING sequence`
	err := r.db.QueryRowContext(ctx, query, e.ID, e.CycleID, e.CircleID, e.From, e.To, e.Actor, e.Reason, metadata, e.CreatedAt).
		Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("error appending cycle event: %w", err)
	}
	return nil
}

func (r *PostgresCycleRepository) ListEvents(ctx context.Context, cycleID uuid.UUID) ([]*cycle.Event, error) {
	query := `SELECT id, cycle_id, circle_id, sequence, from_status, to_status, actor, reason, metadata, created_at
               FROM cycle_events WHERE cycle_id = $1 ORDER BY sequence`
	rows, err := r.db.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("error listing cycle events: %w", err)
	}
	defer rows.Close()

	events := make([]*cycle.Event, 0)
	for rows.Next() {
		e := &cycle.Event{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.CycleID, &e.CircleID, &e.Sequence, &e.From, &e.To, &e.Actor, &e.Reason, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning cycle event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("error decoding event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle events: %w", err)
	}
	return events, nil
}
