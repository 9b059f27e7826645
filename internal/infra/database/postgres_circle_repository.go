package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"circle_cycle_engine/internal/domain/circle"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ circle.Repository = (*PostgresCircleRepository)(nil)

type PostgresCircleRepository struct {
	db *sql.DB
}

func NewPostgresCircleRepository(db *sql.DB) *PostgresCircleRepository {
	return &PostgresCircleRepository{db: db}
}

const circleColumns = `id, name, contribution_amount, frequency, total_cycles, max_members, rotation_method,
               policy, current_cycle_number, status, created_at, activated_at, updated_at`

func scanCircle(row interface{ Scan(...any) error }) (*circle.Circle, error) {
	c := &circle.Circle{}
	var policy []byte
	err := row.Scan(&c.ID, &c.Name, &c.ContributionAmount, &c.Frequency, &c.TotalCycles, &c.MaxMembers,
		&c.RotationMethod, &policy, &c.CurrentCycleNumber, &c.Status, &c.CreatedAt, &c.ActivatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &c.Policy); err != nil {
		return nil, fmt.Errorf("error decoding circle policy: %w", err)
	}
	return c, nil
}

func (r *PostgresCircleRepository) Create(ctx context.Context, c *circle.Circle) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("error encoding circle policy: %w", err)
	}
	query := `INSERT INTO circles (id, name, contribution_amount, frequency, total_cycles, max_members,
                   rotation_method, policy, current_cycle_number, status, activated_at)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
               RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query, c.ID, c.Name, c.ContributionAmount, c.Frequency, c.TotalCycles,
		c.MaxMembers, c.RotationMethod, policy, c.CurrentCycleNumber, c.Status, c.ActivatedAt).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error creating circle: %w", err)
	}
	return nil
}

func (r *PostgresCircleRepository) GetByID(ctx context.Context, id uuid.UUID) (*circle.Circle, error) {
	query := `SELECT ` + circleColumns + ` FROM circles WHERE id = $1`
	c, err := scanCircle(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, circle.ErrCircleNotFound
		}
		return nil, fmt.Errorf("error getting circle by ID: %w", err)
	}
	return c, nil
}

func (r *PostgresCircleRepository) Update(ctx context.Context, c *circle.Circle) error {
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		return fmt.Errorf("error encoding circle policy: %w", err)
	}
	query := `UPDATE circles
               SET name = $1, policy = $2, current_cycle_number = $3, status = $4, activated_at = $5, updated_at = NOW()
               WHERE id = $6
               RETURNING updated_at`
	err = r.db.QueryRowContext(ctx, query, c.Name, policy, c.CurrentCycleNumber, c.Status, c.ActivatedAt, c.ID).
		Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circle.ErrCircleNotFound
		}
		return fmt.Errorf("error updating circle: %w", err)
	}
	return nil
}

func (r *PostgresCircleRepository) ListByStatus(ctx context.Context, status circle.Status) ([]*circle.Circle, error) {
	query := `SELECT ` + circleColumns + ` FROM circles WHERE status = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("error listing circles by status: %w", err)
	}
	defer rows.Close()

	circles := make([]*circle.Circle, 0)
	for rows.Next() {
		c, err := scanCircle(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning circle: %w", err)
		}
		circles = append(circles, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circles: %w", err)
	}
	return circles, nil
}

func (r *PostgresCircleRepository) AddMember(ctx context.Context, m *circle.Member) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	query := `INSERT INTO circle_members (id, circle_id, display_name, telegram_id, account_created_at, joined_at, is_active)
               VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.CircleID, m.DisplayName, m.TelegramID, m.AccountCreatedAt, m.JoinedAt, m.IsActive)
	if err != nil {
		if isUniqueViolation(err, "circle_members_pkey") {
			return circle.ErrDuplicateMember
		}
		return fmt.Errorf("error adding circle member: %w", err)
	}
	return nil
}

func (r *PostgresCircleRepository) GetMember(ctx context.Context, circleID, memberID uuid.UUID) (*circle.Member, error) {
	query := `SELECT id, circle_id, display_name, telegram_id, account_created_at, joined_at, is_active
               FROM circle_members WHERE circle_id = $1 AND id = $2`
	m := &circle.Member{}
	err := r.db.QueryRowContext(ctx, query, circleID, memberID).
		Scan(&m.ID, &m.CircleID, &m.DisplayName, &m.TelegramID, &m.AccountCreatedAt, &m.JoinedAt, &m.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, circle.ErrMemberNotFound
		}
		return nil, fmt.Errorf("error getting circle member: %w", err)
	}
	return m, nil
}

func (r *PostgresCircleRepository) ListActiveMembers(ctx context.Context, circleID uuid.UUID) ([]*circle.Member, error) {
	query := `SELECT id, circle_id, display_name, telegram_id, account_created_at, joined_at, is_active
               FROM circle_members WHERE circle_id = $1 AND is_active = TRUE ORDER BY joined_at, id`
	rows, err := r.db.QueryContext(ctx, query, circleID)
	if err != nil {
		return nil, fmt.Errorf("error listing circle members: %w", err)
	}
	defer rows.Close()

	members := make([]*circle.Member, 0)
	for rows.Next() {
		m := &circle.Member{}
		if err := rows.Scan(&m.ID, &m.CircleID, &m.DisplayName, &m.TelegramID, &m.AccountCreatedAt, &m.JoinedAt, &m.IsActive); err != nil {
			return nil, fmt.Errorf("error scanning circle member: %w", err)
		}
		members = append(members, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circle members: %w", err)
	}
	return members, nil
}

func (r *PostgresCircleRepository) SaveAssignment(ctx context.Context, a *circle.RotationAssignment) error {
	query := `INSERT INTO rotation_assignments (circle_id, method, seed, member_order, slots, version, computed_at)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               ON CONFLICT (circle_id) DO UPDATE
               SET method = EXCLUDED.method, seed = EXCLUDED.seed, member_order = EXCLUDED.member_order,
                   slots = EXCLUDED.slots, version = EXCLUDED.version, computed_at = EXCLUDED.computed_at,
                   updated_at = NOW()
               RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query, a.CircleID, a.Method, a.Seed, pq.Array(uuidStrings(a.Order)),
		pq.Array(uuidStrings(a.Slots)), a.Version, a.ComputedAt).Scan(&a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error saving rotation assignment: %w", err)
	}
	return nil
}

func (r *PostgresCircleRepository) GetAssignment(ctx context.Context, circleID uuid.UUID) (*circle.RotationAssignment, error) {
	query := `SELECT circle_id, method, seed, member_order, slots, version, computed_at, updated_at
               FROM rotation_assignments WHERE circle_id = $1`
	a := &circle.RotationAssignment{}
	var order, slots []string
	err := r.db.QueryRowContext(ctx, query, circleID).
		Scan(&a.CircleID, &a.Method, &a.Seed, pq.Array(&order), pq.Array(&slots), &a.Version, &a.ComputedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, circle.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("error getting rotation assignment: %w", err)
	}
	if a.Order, err = parseUUIDs(order); err != nil {
		return nil, err
	}
	if a.Slots, err = parseUUIDs(slots); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAssignment writes the new slots and the override audit row in one transaction.
func (r *PostgresCircleRepository) UpdateAssignment(ctx context.Context, a *circle.RotationAssignment, o *circle.RotationOverride) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting rotation update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE rotation_assignments
               SET slots = $1, version = $2, updated_at = NOW()
               WHERE circle_id = $3`, pq.Array(uuidStrings(a.Slots)), a.Version, a.CircleID)
	if err != nil {
		return fmt.Errorf("error updating rotation assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return circle.ErrAssignmentNotFound
	}
	if o != nil {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO rotation_overrides (id, circle_id, from_cycle, previous, next, admin_id, reason, created_at)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, o.CircleID, o.FromCycle, pq.Array(uuidStrings(o.Previous)), pq.Array(uuidStrings(o.Next)),
			o.AdminID, o.Reason, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("error recording rotation override: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing rotation update: %w", err)
	}
	return nil
}

func (r *PostgresCircleRepository) ListOverrides(ctx context.Context, circleID uuid.UUID) ([]*circle.RotationOverride, error) {
	query := `SELECT id, circle_id, from_cycle, previous, next, admin_id, reason, created_at
               FROM rotation_overrides WHERE circle_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, circleID)
	if err != nil {
		return nil, fmt.Errorf("error listing rotation overrides: %w", err)
	}
	defer rows.Close()

	overrides := make([]*circle.RotationOverride, 0)
	for rows.Next() {
		o := &circle.RotationOverride{}
		var prev, next []string
		if err := rows.Scan(&o.ID, &o.CircleID, &o.FromCycle, pq.Array(&prev), pq.Array(&next), &o.AdminID, &o.Reason, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning rotation override: %w", err)
		}
		if o.Previous, err = parseUUIDs(prev); err != nil {
			return nil, err
		}
		if o.Next, err = parseUUIDs(next); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rotation overrides: %w", err)
	}
	return overrides, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(ss []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(ss))
	for i, s := range ss {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("error parsing stored member id %q: %w", s, err)
		}
		out[i] = id
	}
	return out, nil
}
