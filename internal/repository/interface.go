package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

var (
	// ErrNotFound is returned when no live instance exists for a key.
	ErrNotFound = errors.New("workflow instance not found")
	// ErrAlreadyExists is returned by Create when a live instance holds the key.
	ErrAlreadyExists = errors.New("workflow instance already exists")
	// ErrVersionConflict is returned by Save when the stored version moved on.
	ErrVersionConflict = errors.New("workflow instance version conflict")
)

// InstanceStore persists workflow instances keyed by (user id, job id).
// Every write refreshes the instance's time-to-live; expired instances are
// invisible to reads and removed by DeleteExpired.
type InstanceStore interface {
	// Get retrieves the live instance for a user's job.
	Get(ctx context.Context, userID, jobID string) (*models.WorkflowInstance, error)
	// Create stores a new instance. An expired instance under the same key is replaced.
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	// Save replaces a stored instance if its stored version equals expectedVersion.
	Save(ctx context.Context, inst *models.WorkflowInstance, expectedVersion int64) error
	// Delete removes an instance. Deleting a missing instance is not an error.
	Delete(ctx context.Context, userID, jobID string) error
	// ListByUser returns the live instances of a user ordered by creation time.
	ListByUser(ctx context.Context, userID string) ([]*models.WorkflowInstance, error)
	// DeleteExpired evicts instances whose TTL elapsed before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Ping checks the backing store.
	Ping(ctx context.Context) error
}
