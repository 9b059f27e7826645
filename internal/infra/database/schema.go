package database

const schema = `
CREATE TABLE IF NOT EXISTS circles (
    id                   UUID PRIMARY KEY,
    name                 TEXT NOT NULL,
    contribution_amount  NUMERIC(20, 2) NOT NULL,
    frequency            TEXT NOT NULL,
    total_cycles         INT NOT NULL,
    max_members          INT NOT NULL,
    rotation_method      TEXT NOT NULL,
    policy               JSONB NOT NULL,
    current_cycle_number INT NOT NULL DEFAULT 0,
    status               TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    activated_at         TIMESTAMPTZ,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS circle_members (
    id                 UUID PRIMARY KEY,
    circle_id          UUID NOT NULL REFERENCES circles(id),
    display_name       TEXT NOT NULL,
    telegram_id        BIGINT NOT NULL DEFAULT 0,
    account_created_at TIMESTAMPTZ NOT NULL,
    joined_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    is_active          BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS circle_members_circle_idx ON circle_members (circle_id);

CREATE TABLE IF NOT EXISTS rotation_assignments (
    circle_id   UUID PRIMARY KEY REFERENCES circles(id),
    method      TEXT NOT NULL,
    seed        BIGINT,
    member_order UUID[] NOT NULL,
    slots       UUID[] NOT NULL,
    version     INT NOT NULL DEFAULT 1,
    computed_at TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rotation_overrides (
    id         UUID PRIMARY KEY,
    circle_id  UUID NOT NULL REFERENCES circles(id),
    from_cycle INT NOT NULL,
    previous   UUID[] NOT NULL,
    next       UUID[] NOT NULL,
    admin_id   BIGINT NOT NULL,
    reason     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS circle_cycles (
    id               UUID PRIMARY KEY,
    circle_id        UUID NOT NULL REFERENCES circles(id),
    number           INT NOT NULL,
    recipient_id     UUID NOT NULL,
    status           TEXT NOT NULL,
    starts_at        TIMESTAMPTZ NOT NULL,
    deadline_at      TIMESTAMPTZ NOT NULL,
    grace_ends_at    TIMESTAMPTZ NOT NULL,
    collected_amount NUMERIC(20, 2) NOT NULL DEFAULT 0,
    covered_amount   NUMERIC(20, 2) NOT NULL DEFAULT 0,
    payout_amount    NUMERIC(20, 2) NOT NULL DEFAULT 0,
    payout_attempts  INT NOT NULL DEFAULT 0,
    next_attempt_at  TIMESTAMPTZ,
    failure_reason   TEXT NOT NULL DEFAULT '',
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    skip_requested   BOOLEAN NOT NULL DEFAULT FALSE,
    dispatched_at    TIMESTAMPTZ,
    reminder_sent_at TIMESTAMPTZ,
    version          INT NOT NULL DEFAULT 1,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    closed_at        TIMESTAMPTZ,
    CONSTRAINT circle_cycles_circle_number_key UNIQUE (circle_id, number)
);
CREATE INDEX IF NOT EXISTS circle_cycles_open_idx ON circle_cycles (status)
    WHERE status NOT IN ('closed', 'skipped', 'cancelled');

CREATE TABLE IF NOT EXISTS cycle_contributions (
    id                 UUID PRIMARY KEY,
    cycle_id           UUID NOT NULL REFERENCES circle_cycles(id),
    member_id          UUID NOT NULL,
    expected_amount    NUMERIC(20, 2) NOT NULL,
    contributed_amount NUMERIC(20, 2) NOT NULL DEFAULT 0,
    covered_amount     NUMERIC(20, 2) NOT NULL DEFAULT 0,
    status             TEXT NOT NULL,
    was_on_time        BOOLEAN NOT NULL DEFAULT FALSE,
    paid_at            TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT cycle_contributions_cycle_member_key UNIQUE (cycle_id, member_id)
);

CREATE TABLE IF NOT EXISTS contribution_payments (
    id          UUID PRIMARY KEY,
    cycle_id    UUID NOT NULL REFERENCES circle_cycles(id),
    member_id   UUID NOT NULL,
    ref         TEXT NOT NULL,
    amount      NUMERIC(20, 2) NOT NULL,
    paid_at     TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT contribution_payments_ref_key UNIQUE (cycle_id, member_id, ref)
);

CREATE TABLE IF NOT EXISTS member_defaults (
    id          UUID PRIMARY KEY,
    member_id   UUID NOT NULL,
    circle_id   UUID NOT NULL REFERENCES circles(id),
    cycle_id    UUID NOT NULL REFERENCES circle_cycles(id),
    amount_owed NUMERIC(20, 2) NOT NULL,
    status      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT member_defaults_cycle_member_key UNIQUE (cycle_id, member_id)
);

CREATE TABLE IF NOT EXISTS cycle_events (
    id          UUID PRIMARY KEY,
    cycle_id    UUID NOT NULL REFERENCES circle_cycles(id),
    circle_id   UUID NOT NULL,
    sequence    BIGINT NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    actor       TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    metadata    JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT cycle_events_sequence_key UNIQUE (cycle_id, sequence)
);
`
