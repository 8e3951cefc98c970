// Package registry provides conditional, race-free mutations over workspace
// records. Every guarded write is a single UPDATE whose WHERE clause encodes
// the expected prior state; whether it took effect is read from the affected
// row count, never from a prior SELECT. The database is the only
// synchronization point in the system.
package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devpool/devpool/internal/models"
)

// TxResult is the outcome of a guarded write. PreconditionFailed and
// NotFound are deliberately distinct: the first means a concurrent mutation
// (or wrong expected state), the second that the record no longer exists.
type TxResult int

const (
	Applied TxResult = iota
	PreconditionFailed
	NotFound
)

func (r TxResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case PreconditionFailed:
		return "precondition failed"
	default:
		return "not found"
	}
}

// Workspaces is the storage-layer contract for workspace records.
type Workspaces struct {
	db *gorm.DB
}

func NewWorkspaces(gormDB *gorm.DB) *Workspaces {
	return &Workspaces{db: gormDB}
}

// Create inserts a stopped workspace owned by ownerID. Name uniqueness is
// enforced by the unique index; a collision returns ErrDuplicateName.
func (r *Workspaces) Create(ctx context.Context, name, repoURL, ownerID string) (*models.Workspace, error) {
	ws := models.Workspace{
		ID:      uuid.NewString(),
		Name:    name,
		RepoURL: repoURL,
		OwnerID: &ownerID,
		Status:  models.StatusStopped,
	}
	if err := r.db.WithContext(ctx).Create(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, models.ErrDuplicateName
		}
		return nil, err
	}
	return &ws, nil
}

// Get returns the workspace by id, or ErrNotFound.
func (r *Workspaces) Get(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := r.db.WithContext(ctx).First(&ws, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// GetByName returns the workspace by its unique name, or ErrNotFound.
func (r *Workspaces) GetByName(ctx context.Context, name string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := r.db.WithContext(ctx).First(&ws, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &ws, nil
}

// ListFor returns the workspaces visible to userID: owned by them or
// currently released into the shared pool.
func (r *Workspaces) ListFor(ctx context.Context, userID string) ([]models.Workspace, error) {
	var out []models.Workspace
	err := r.db.WithContext(ctx).
		Where("owner_id = ? OR owner_id IS NULL", userID).
		Order("created_at").
		Find(&out).Error
	return out, err
}

// CASStatus moves the workspace to next iff its current status is one of
// expected.
func (r *Workspaces) CASStatus(ctx context.Context, id string, next models.Status, expected ...models.Status) (TxResult, error) {
	res := r.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ? AND status IN ?", id, expected).
		Update("status", next)
	return r.outcome(ctx, id, res)
}

// CASContainer moves the workspace to next and records the container handle
// (nil clears it) iff its current status is one of expected.
func (r *Workspaces) CASContainer(ctx context.Context, id string, containerID *string, next models.Status, expected ...models.Status) (TxResult, error) {
	res := r.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(map[string]interface{}{
			"status":       next,
			"container_id": containerID,
		})
	return r.outcome(ctx, id, res)
}

// Acquire claims a released workspace for userID iff it is unowned and in
// the expected status.
func (r *Workspaces) Acquire(ctx context.Context, id, userID string, expected models.Status) (TxResult, error) {
	res := r.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ? AND owner_id IS NULL AND status = ?", id, expected).
		Update("owner_id", userID)
	return r.outcome(ctx, id, res)
}

// Release returns a workspace to the shared pool iff expectedOwnerID still
// owns it and it is in the expected status.
func (r *Workspaces) Release(ctx context.Context, id, expectedOwnerID string, expected models.Status) (TxResult, error) {
	res := r.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ? AND owner_id = ? AND status = ?", id, expectedOwnerID, expected).
		Update("owner_id", nil)
	return r.outcome(ctx, id, res)
}

// SetBuildStatus records environment-build progress. The build status is a
// side channel independent of the lifecycle state machine, so the write is
// unguarded.
func (r *Workspaces) SetBuildStatus(ctx context.Context, id, buildStatus string) (TxResult, error) {
	res := r.db.WithContext(ctx).Model(&models.Workspace{}).
		Where("id = ?", id).
		Update("build_status", buildStatus)
	if res.Error != nil {
		return NotFound, res.Error
	}
	if res.RowsAffected == 0 {
		return NotFound, nil
	}
	return Applied, nil
}

// Delete removes the record iff it is in a stable, container-free status.
// Guarding the delete keeps a concurrent start from orphaning a container
// behind a vanished record.
func (r *Workspaces) Delete(ctx context.Context, id string) (TxResult, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []models.Status{models.StatusStopped, models.StatusError}).
		Delete(&models.Workspace{})
	return r.outcome(ctx, id, res)
}

// outcome classifies a guarded write: applied, lost to a precondition, or
// aimed at a record that no longer exists.
func (r *Workspaces) outcome(ctx context.Context, id string, res *gorm.DB) (TxResult, error) {
	if res.Error != nil {
		return PreconditionFailed, res.Error
	}
	if res.RowsAffected == 1 {
		return Applied, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Workspace{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return PreconditionFailed, err
	}
	if count == 0 {
		return NotFound, nil
	}
	return PreconditionFailed, nil
}
