// Package lifecycle orchestrates registry transitions with container
// runtime calls. The protocol for start and stop is symmetric: win the CAS
// to the transitional status first, only then touch the runtime, then CAS
// to the resulting stable status. Losing any CAS means a concurrent caller
// got there first and the runtime is never invoked.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/devpool/devpool/internal/logutils"
	"github.com/devpool/devpool/internal/models"
	"github.com/devpool/devpool/internal/registry"
	"github.com/devpool/devpool/internal/runtime"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrBadCallbackToken signals a build-status callback with a missing,
// expired, or mismatched token.
var ErrBadCallbackToken = errors.New("invalid callback token")

var buildStatuses = map[string]bool{
	"cloning":  true,
	"building": true,
	"ready":    true,
	"failed":   true,
}

// Service is the workspace lifecycle orchestrator.
type Service struct {
	reg            *registry.Workspaces
	rt             runtime.Runtime
	callbackSecret []byte
	baseURL        string
	runtimeTimeout time.Duration
}

func New(reg *registry.Workspaces, rt runtime.Runtime, callbackSecret []byte, baseURL string, runtimeTimeout time.Duration) *Service {
	return &Service{
		reg:            reg,
		rt:             rt,
		callbackSecret: callbackSecret,
		baseURL:        baseURL,
		runtimeTimeout: runtimeTimeout,
	}
}

// Create validates inputs and inserts a stopped workspace owned by userID.
func (s *Service) Create(ctx context.Context, userID, name, repoURL string) (*models.Workspace, error) {
	if !nameRe.MatchString(name) {
		return nil, &models.ValidationError{Field: "name", Reason: "must match ^[A-Za-z0-9_-]+$"}
	}
	if repoURL == "" {
		return nil, &models.ValidationError{Field: "repoUrl", Reason: "required"}
	}
	return s.reg.Create(ctx, name, repoURL, userID)
}

// List returns the workspaces visible to userID: their own plus the
// released pool.
func (s *Service) List(ctx context.Context, userID string) ([]models.Workspace, error) {
	return s.reg.ListFor(ctx, userID)
}

// Get returns a single workspace if userID may see it. Workspaces owned by
// someone else are indistinguishable from absent ones.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Workspace, error) {
	ws, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ws.OwnedBy(userID) && !ws.Released() {
		return nil, models.ErrNotFound
	}
	return ws, nil
}

// Start moves an owned workspace from stopped (or error, for retries) to
// running, creating and starting its container in between.
func (s *Service) Start(ctx context.Context, userID, id string) (*models.Workspace, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}

	res, err := s.reg.CASStatus(ctx, id, models.StatusStarting, models.StatusStopped, models.StatusError)
	if err != nil {
		return nil, err
	}
	if mapped := mapTx(res); mapped != nil {
		return nil, mapped
	}

	// We hold the transitional edge; re-read for a stale handle left by a
	// previous failed attempt.
	ws, err := s.reg.Get(ctx, id)
	if err != nil {
		s.park(ctx, id, models.StatusStarting)
		return nil, err
	}
	if ws.ContainerID != nil {
		s.destroyQuietly(ctx, *ws.ContainerID)
	}

	handle, err := s.runtimeCreate(ctx, ws)
	if err != nil {
		s.park(ctx, id, models.StatusStarting)
		return nil, &models.RuntimeError{Op: "create", Err: err}
	}

	if err := s.runtimeCall(ctx, func(rctx context.Context) error {
		return s.rt.Start(rctx, handle)
	}); err != nil {
		// The prior (nil) handle stays on the record; the unit we just
		// created is known to be ours, so reclaim it rather than leak it.
		s.destroyQuietly(ctx, handle)
		s.park(ctx, id, models.StatusStarting)
		return nil, &models.RuntimeError{Op: "start", Err: err}
	}

	res, err = s.reg.CASContainer(ctx, id, &handle, models.StatusRunning, models.StatusStarting)
	if err != nil {
		return nil, err
	}
	if res != registry.Applied {
		logutils.Log.WithFields(logutils.Fields{"workspace": id, "outcome": res.String()}).
			Warn("finalizing start lost the record")
		return nil, models.ErrConflict
	}
	return s.reg.Get(ctx, id)
}

// Stop moves an owned workspace from running (or error) back to stopped,
// halting and removing its container.
func (s *Service) Stop(ctx context.Context, userID, id string) (*models.Workspace, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}

	res, err := s.reg.CASStatus(ctx, id, models.StatusStopping, models.StatusRunning, models.StatusError)
	if err != nil {
		return nil, err
	}
	if mapped := mapTx(res); mapped != nil {
		return nil, mapped
	}

	ws, err := s.reg.Get(ctx, id)
	if err != nil {
		s.park(ctx, id, models.StatusStopping)
		return nil, err
	}

	if ws.ContainerID != nil {
		if err := s.runtimeCall(ctx, func(rctx context.Context) error {
			return s.rt.Stop(rctx, *ws.ContainerID)
		}); err != nil {
			s.park(ctx, id, models.StatusStopping)
			return nil, &models.RuntimeError{Op: "stop", Err: err}
		}
		if err := s.runtimeCall(ctx, func(rctx context.Context) error {
			return s.rt.Destroy(rctx, *ws.ContainerID)
		}); err != nil {
			s.park(ctx, id, models.StatusStopping)
			return nil, &models.RuntimeError{Op: "destroy", Err: err}
		}
	}

	res, err = s.reg.CASContainer(ctx, id, nil, models.StatusStopped, models.StatusStopping)
	if err != nil {
		return nil, err
	}
	if res != registry.Applied {
		logutils.Log.WithFields(logutils.Fields{"workspace": id, "outcome": res.String()}).
			Warn("finalizing stop lost the record")
		return nil, models.ErrConflict
	}
	return s.reg.Get(ctx, id)
}

// Acquire claims a released, stopped workspace for userID.
func (s *Service) Acquire(ctx context.Context, userID, id string) (*models.Workspace, error) {
	res, err := s.reg.Acquire(ctx, id, userID, models.StatusStopped)
	if err != nil {
		return nil, err
	}
	if mapped := mapTx(res); mapped != nil {
		return nil, mapped
	}
	return s.reg.Get(ctx, id)
}

// Release returns an owned, stopped workspace to the shared pool. A live
// workspace must be stopped first.
func (s *Service) Release(ctx context.Context, userID, id string) (*models.Workspace, error) {
	res, err := s.reg.Release(ctx, id, userID, models.StatusStopped)
	if err != nil {
		return nil, err
	}
	if mapped := mapTx(res); mapped != nil {
		return nil, mapped
	}
	return s.reg.Get(ctx, id)
}

// Delete removes an owned workspace. Only stable, container-free states
// qualify; a stale handle from an error state is reclaimed best-effort
// after the record is gone.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	ws, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}

	res, err := s.reg.Delete(ctx, id)
	if err != nil {
		return err
	}
	if mapped := mapTx(res); mapped != nil {
		return mapped
	}

	if ws.ContainerID != nil {
		s.destroyQuietly(ctx, *ws.ContainerID)
	}
	return nil
}

// SetBuildStatus records environment-build progress reported by the
// workspace agent, authenticated by the per-workspace callback token.
func (s *Service) SetBuildStatus(ctx context.Context, id, tokenStr, buildStatus string) error {
	if !buildStatuses[buildStatus] {
		return &models.ValidationError{Field: "buildStatus", Reason: "unknown value"}
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.callbackSecret, nil
	})
	if err != nil || !token.Valid || claims.Subject != id {
		return ErrBadCallbackToken
	}

	res, err := s.reg.SetBuildStatus(ctx, id, buildStatus)
	if err != nil {
		return err
	}
	if res == registry.NotFound {
		return models.ErrNotFound
	}
	return nil
}

// owned fetches the workspace and enforces ownership for mutations. A
// released workspace is visible but must be acquired first; a workspace
// owned by someone else looks absent.
func (s *Service) owned(ctx context.Context, userID, id string) (*models.Workspace, error) {
	ws, err := s.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.OwnedBy(userID) {
		return ws, nil
	}
	if ws.Released() {
		return nil, models.ErrNotOwner
	}
	return nil, models.ErrNotFound
}

// park records the error status after a runtime failure. The write is
// conditional on still holding the transitional state; if even that fails
// there is nothing sensible left to do but log.
func (s *Service) park(ctx context.Context, id string, from models.Status) {
	res, err := s.reg.CASStatus(ctx, id, models.StatusError, from)
	if err != nil || res != registry.Applied {
		logutils.Log.WithFields(logutils.Fields{"workspace": id, "err": err}).
			Error("failed to park workspace in error status")
	}
}

func (s *Service) destroyQuietly(ctx context.Context, handle string) {
	if err := s.runtimeCall(ctx, func(rctx context.Context) error {
		return s.rt.Destroy(rctx, handle)
	}); err != nil {
		logutils.Log.WithFields(logutils.Fields{"container": handle, "err": err}).
			Warn("best-effort container cleanup failed")
	}
}

func (s *Service) runtimeCreate(ctx context.Context, ws *models.Workspace) (string, error) {
	token, err := s.callbackToken(ws.ID)
	if err != nil {
		return "", err
	}
	env := map[string]string{
		"WORKSPACE_ID":   ws.ID,
		"CALLBACK_URL":   s.baseURL + "/api/internal/build",
		"CALLBACK_TOKEN": token,
	}
	var handle string
	err = s.runtimeCall(ctx, func(rctx context.Context) error {
		var cerr error
		handle, cerr = s.rt.Create(rctx, ws.RepoURL, env)
		return cerr
	})
	return handle, err
}

// runtimeCall bounds every runtime interaction; a timeout is a runtime
// failure, never a silent stall in a transitional status.
func (s *Service) runtimeCall(ctx context.Context, fn func(context.Context) error) error {
	rctx, cancel := context.WithTimeout(ctx, s.runtimeTimeout)
	defer cancel()
	return fn(rctx)
}

func (s *Service) callbackToken(workspaceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "devpool",
		Subject:   workspaceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.callbackSecret)
}

func mapTx(res registry.TxResult) error {
	switch res {
	case registry.Applied:
		return nil
	case registry.NotFound:
		return models.ErrNotFound
	default:
		return models.ErrConflict
	}
}
