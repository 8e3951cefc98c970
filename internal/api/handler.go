// Package api exposes the workspace and authentication HTTP surface.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/devpool/devpool/internal/auth"
	"github.com/devpool/devpool/internal/lifecycle"
	"github.com/devpool/devpool/internal/logutils"
	"github.com/devpool/devpool/internal/models"
	"github.com/devpool/devpool/internal/session"
)

const verifyCacheTTL = time.Minute

// Handler wires the auth gateway and lifecycle service to gin routes.
type Handler struct {
	gateway      *auth.Gateway
	svc          *lifecycle.Service
	store        session.Store
	rdb          *redis.Client // optional verify-decision cache
	cookieName   string
	cookieSecure bool
}

func New(gateway *auth.Gateway, svc *lifecycle.Service, store session.Store, rdb *redis.Client, cookieName string, cookieSecure bool) *Handler {
	return &Handler{
		gateway:      gateway,
		svc:          svc,
		store:        store,
		rdb:          rdb,
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
	}
}

// Register mounts all routes.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(h.SessionMiddleware())

	r.GET("/auth/github", h.Login)
	r.GET("/auth/github/callback", h.LoginCallback)
	r.POST("/auth/logout", h.Logout)

	api := r.Group("/api")
	{
		api.GET("/health", h.Health)
		api.POST("/internal/build", h.BuildStatus)

		authed := api.Group("", h.RequireUser())
		{
			authed.GET("/me", h.Me)
			authed.GET("/auth/verify", h.Verify)
			authed.GET("/workspaces", h.ListWorkspaces)
			authed.POST("/workspaces", h.CreateWorkspace)
			authed.GET("/workspaces/:id", h.GetWorkspace)
			authed.POST("/workspaces/:id/start", h.StartWorkspace)
			authed.POST("/workspaces/:id/stop", h.StopWorkspace)
			authed.POST("/workspaces/:id/acquire", h.AcquireWorkspace)
			authed.POST("/workspaces/:id/release", h.ReleaseWorkspace)
			authed.DELETE("/workspaces/:id", h.DeleteWorkspace)
		}
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Login issues the nonce and redirects to the identity provider. Only
// relative return targets are honored to keep this from becoming an open
// redirect.
func (h *Handler) Login(c *gin.Context) {
	sess := h.session(c)
	if sess == nil {
		sess = session.New()
	}

	returnTo := c.Query("return_to")
	if returnTo != "" && !strings.HasPrefix(returnTo, "/") {
		returnTo = ""
	}

	redirect, err := h.gateway.Initiate(c.Request.Context(), sess, returnTo)
	if err != nil {
		h.errorResponse(c, http.StatusInternalServerError, "could not begin login", err)
		return
	}
	h.setSessionCookie(c, sess.ID)
	c.Redirect(http.StatusFound, redirect)
}

func (h *Handler) LoginCallback(c *gin.Context) {
	sess := h.session(c)
	redirect, err := h.gateway.Callback(c.Request.Context(), sess, c.Query("state"), c.Query("code"))
	if err != nil {
		var provErr *auth.ProviderError
		switch {
		case errors.Is(err, auth.ErrSessionLost), errors.Is(err, auth.ErrStateMismatch):
			h.errorResponse(c, http.StatusForbidden, "login attempt invalid, please retry", err)
		case errors.Is(err, auth.ErrNotAMember), errors.Is(err, auth.ErrAuthRejected):
			h.errorResponse(c, http.StatusForbidden, "account not allowed", err)
		case errors.As(err, &provErr):
			logutils.Log.WithFields(logutils.Fields{"err": err}).Error("identity provider failure")
			c.Redirect(http.StatusFound, "/?login_error=authentication+failed")
		default:
			h.errorResponse(c, http.StatusInternalServerError, "login failed", err)
		}
		return
	}
	h.setSessionCookie(c, sess.ID)
	c.Redirect(http.StatusFound, redirect)
}

func (h *Handler) Logout(c *gin.Context) {
	sess := h.session(c)
	if sess != nil {
		if err := h.store.Delete(c.Request.Context(), sess.ID); err != nil {
			logutils.Log.WithFields(logutils.Fields{"err": err}).Warn("session delete failed")
		}
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).User)
}

func (h *Handler) ListWorkspaces(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context(), h.userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) CreateWorkspace(c *gin.Context) {
	var body struct {
		Name    string `json:"name" binding:"required"`
		RepoURL string `json:"repoUrl" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "name and repoUrl required", err)
		return
	}
	ws, err := h.svc.Create(c.Request.Context(), h.userID(c), body.Name, body.RepoURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) GetWorkspace(c *gin.Context) {
	ws, err := h.svc.Get(c.Request.Context(), h.userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) StartWorkspace(c *gin.Context) {
	ws, err := h.svc.Start(c.Request.Context(), h.userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) StopWorkspace(c *gin.Context) {
	ws, err := h.svc.Stop(c.Request.Context(), h.userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) AcquireWorkspace(c *gin.Context) {
	ws, err := h.svc.Acquire(c.Request.Context(), h.userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) ReleaseWorkspace(c *gin.Context) {
	ws, err := h.svc.Release(c.Request.Context(), h.userID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (h *Handler) DeleteWorkspace(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), h.userID(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BuildStatus receives environment-build progress from the workspace
// agent, authenticated by the per-workspace callback token.
func (h *Handler) BuildStatus(c *gin.Context) {
	var body struct {
		ID     string `json:"id" binding:"required"`
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "id and status required", err)
		return
	}
	token := bearer(c.GetHeader("Authorization"))
	if token == "" {
		h.errorResponse(c, http.StatusForbidden, "callback token required", nil)
		return
	}
	if err := h.svc.SetBuildStatus(c.Request.Context(), body.ID, token, body.Status); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Verify is the boundary check for the reverse proxy in front of workspace
// hosts. It echoes the identity headers; when the forwarded host names a
// workspace, only its owner passes, with the allow decision cached briefly.
func (h *Handler) Verify(c *gin.Context) {
	user := h.session(c).User

	if wsID := parseWorkspaceID(c.GetHeader("X-Forwarded-Host")); wsID != "" {
		cacheKey := "devpool:verify:" + user.UserID + ":" + wsID
		allowed := false
		if h.rdb != nil {
			if v, _ := h.rdb.Get(c.Request.Context(), cacheKey).Result(); v == "1" {
				allowed = true
			}
		}
		if !allowed {
			ws, err := h.svc.Get(c.Request.Context(), user.UserID, wsID)
			if err != nil || !ws.OwnedBy(user.UserID) {
				c.Status(http.StatusForbidden)
				return
			}
			if h.rdb != nil {
				h.rdb.Set(c.Request.Context(), cacheKey, "1", verifyCacheTTL)
			}
		}
	}

	c.Header("X-User-Id", user.UserID)
	c.Header("X-User-Name", user.Username)
	c.Status(http.StatusOK)
}

func (h *Handler) userID(c *gin.Context) string {
	return h.session(c).User.UserID
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var vErr *models.ValidationError
	var rtErr *models.RuntimeError
	switch {
	case errors.As(err, &vErr):
		h.errorResponse(c, http.StatusBadRequest, vErr.Error(), nil)
	case errors.Is(err, models.ErrDuplicateName):
		h.errorResponse(c, http.StatusConflict, "workspace name already taken", nil)
	case errors.Is(err, models.ErrNotFound):
		h.errorResponse(c, http.StatusNotFound, "workspace not found", nil)
	case errors.Is(err, models.ErrConflict):
		h.errorResponse(c, http.StatusConflict, "workspace state changed, retry", nil)
	case errors.Is(err, models.ErrNotOwner):
		h.errorResponse(c, http.StatusForbidden, "workspace must be acquired first", nil)
	case errors.Is(err, lifecycle.ErrBadCallbackToken):
		h.errorResponse(c, http.StatusForbidden, "invalid callback token", nil)
	case errors.As(err, &rtErr):
		logutils.Log.WithFields(logutils.Fields{"err": err}).Error("runtime failure")
		h.errorResponse(c, http.StatusInternalServerError, "workspace runtime failure", err)
	default:
		logutils.Log.WithFields(logutils.Fields{"err": err}).Error("unhandled error")
		h.errorResponse(c, http.StatusInternalServerError, "internal error", nil)
	}
}

func (h *Handler) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID, _ := c.Get("requestID")
	if requestID == nil {
		requestID = fmt.Sprintf("%.8s", uuid.New().String())
	}
	resp := gin.H{
		"error":      message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp["details"] = err.Error()
	}
	c.JSON(statusCode, resp)
}

func bearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

// parseWorkspaceID extracts the workspace id from a forwarded host of the
// form ws-<id>.<domain>.
func parseWorkspaceID(host string) string {
	if host == "" {
		return ""
	}
	label, _, _ := strings.Cut(host, ".")
	if !strings.HasPrefix(label, "ws-") {
		return ""
	}
	return strings.TrimPrefix(label, "ws-")
}
