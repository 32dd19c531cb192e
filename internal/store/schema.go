package store

import (
	"context"
	"fmt"
)

// schemaStatements creates the schedule tables when they do not exist.
// Durations are stored as millisecond bigints; trigger rows cascade with
// their parent schedule so "active triggers" is a plain join-free query.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data JSONB,
		group_id TEXT NOT NULL DEFAULT '',
		priority INT NOT NULL DEFAULT 0,
		fulfillment_limit INT NOT NULL DEFAULT 0,
		fulfillment_count INT NOT NULL DEFAULT 0,
		start_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		cooldown_interval_ms BIGINT NOT NULL DEFAULT 0,
		edit_grace_period_ms BIGINT NOT NULL DEFAULT 0,
		delay JSONB,
		audience JSONB,
		frequency_constraint_ids TEXT[],
		metadata JSONB,
		execution_state TEXT NOT NULL,
		execution_state_date TIMESTAMPTZ NOT NULL,
		trigger_context JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_state ON schedules (execution_state)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_group ON schedules (group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_type ON schedules (type)`,
	`CREATE TABLE IF NOT EXISTS schedule_triggers (
		id TEXT PRIMARY KEY,
		parent_schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		goal DOUBLE PRECISION NOT NULL,
		predicate JSONB,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_cancellation BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_triggers_type ON schedule_triggers (type)`,
}

// EnsureSchema creates the schedule tables and indexes if they are missing.
// Intended for the daemon's startup path; deployments with managed
// migrations can skip it.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensuring schema: %w", err)
		}
	}
	return nil
}
