package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

// Schema creates the workflow instance table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
    user_id     TEXT NOT NULL,
    job_id      TEXT NOT NULL,
    id          TEXT NOT NULL,
    workflow_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    version     BIGINT NOT NULL,
    state       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, job_id)
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_expires ON workflow_instances (expires_at);
`

// PostgresInstanceStore is a PostgreSQL implementation of the InstanceStore
// interface. The full instance is stored as JSONB next to the columns used
// for lookup, optimistic locking and expiry.
type PostgresInstanceStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
	now func() time.Time
}

// NewPostgresInstanceStore creates a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *pgxpool.Pool, ttl time.Duration) *PostgresInstanceStore {
	return &PostgresInstanceStore{db: db, ttl: ttl, now: time.Now}
}

// Migrate applies Schema.
func (s *PostgresInstanceStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresInstanceStore) expiry() time.Time {
	if s.ttl <= 0 {
		// effectively never
		return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return s.now().Add(s.ttl)
}

// Get retrieves the live instance for a user's job.
func (s *PostgresInstanceStore) Get(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	var state []byte
	err := s.db.QueryRow(ctx,
		"SELECT state FROM workflow_instances WHERE user_id = $1 AND job_id = $2 AND expires_at > $3",
		userID, jobID, s.now()).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return decodeInstance(state)
}

// Create stores a new instance, replacing an expired one under the same key.
func (s *PostgresInstanceStore) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO workflow_instances (user_id, job_id, id, workflow_id, status, version, state, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id, job_id) DO UPDATE SET
    id = EXCLUDED.id, workflow_id = EXCLUDED.workflow_id, status = EXCLUDED.status,
    version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
WHERE workflow_instances.expires_at <= $11`,
		inst.UserID, inst.JobID, inst.ID, inst.WorkflowID, string(inst.Status), inst.Version, state,
		inst.CreatedAt, inst.UpdatedAt, s.expiry(), s.now())
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Save replaces a stored instance when the stored version matches.
func (s *PostgresInstanceStore) Save(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int64) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE workflow_instances
SET status = $1, version = $2, state = $3, updated_at = $4, expires_at = $5
WHERE user_id = $6 AND job_id = $7 AND version = $8 AND expires_at > $9`,
		string(inst.Status), inst.Version, state, inst.UpdatedAt, s.expiry(),
		inst.UserID, inst.JobID, expectedVersion, s.now())
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, inst.UserID, inst.JobID); err != nil {
		return err
	}
	return ErrVersionConflict
}

// Delete removes an instance.
func (s *PostgresInstanceStore) Delete(ctx context.Context, userID, jobID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM workflow_instances WHERE user_id = $1 AND job_id = $2", userID, jobID)
	return err
}

// ListByUser returns the live instances of a user ordered by creation time.
func (s *PostgresInstanceStore) ListByUser(ctx context.Context, userID string) ([]*models.WorkflowInstance, error) {
	rows, err := s.db.Query(ctx,
		"SELECT state FROM workflow_instances WHERE user_id = $1 AND expires_at > $2 ORDER BY created_at, job_id",
		userID, s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(state)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// DeleteExpired evicts instances whose TTL elapsed before now.
func (s *PostgresInstanceStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflow_instances WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks the connection pool.
func (s *PostgresInstanceStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func decodeInstance(state []byte) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	if err := json.Unmarshal(state, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance: %w", err)
	}
	return &inst, nil
}
