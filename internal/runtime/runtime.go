// Package runtime abstracts the container engine backing workspaces.
package runtime

import "context"

// Runtime creates and controls isolated execution units. Handles are opaque
// to callers. The lifecycle service guarantees it never issues two
// concurrent calls for the same handle; no ordering is assumed between
// calls for different handles.
type Runtime interface {
	// Create builds a unit for the repository and returns its handle. The
	// unit is not started.
	Create(ctx context.Context, repoURL string, env map[string]string) (string, error)
	// Start launches a previously created unit.
	Start(ctx context.Context, handle string) error
	// Stop halts a running unit without removing it.
	Stop(ctx context.Context, handle string) error
	// Destroy removes a unit, forcibly if needed.
	Destroy(ctx context.Context, handle string) error
}
