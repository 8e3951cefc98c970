package models

import "time"

// Status is the lifecycle state of a workspace.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Transitional reports whether the status is an in-flight transition.
func (s Status) Transitional() bool {
	return s == StatusStarting || s == StatusStopping
}

// Workspace is a named, ownable record for one development environment and
// its backing container. OwnerID is nil while the workspace sits in the
// shared pool; ContainerID is non-nil only while a container exists (an
// error record may keep a stale handle for diagnostics).
type Workspace struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	RepoURL     string    `gorm:"column:repo_url;not null" json:"repoUrl"`
	OwnerID     *string   `gorm:"column:owner_id;index" json:"ownerId"`
	Status      Status    `gorm:"not null" json:"status"`
	ContainerID *string   `gorm:"column:container_id" json:"containerId"`
	BuildStatus *string   `gorm:"column:build_status" json:"buildStatus"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// OwnedBy reports whether userID currently owns the workspace.
func (w *Workspace) OwnedBy(userID string) bool {
	return w.OwnerID != nil && *w.OwnerID == userID
}

// Released reports whether the workspace sits in the shared pool.
func (w *Workspace) Released() bool {
	return w.OwnerID == nil
}
