package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/devpool/devpool/internal/auth"
	"github.com/devpool/devpool/internal/lifecycle"
	"github.com/devpool/devpool/internal/models"
	"github.com/devpool/devpool/internal/registry"
	"github.com/devpool/devpool/internal/session"
	"github.com/devpool/devpool/internal/testutil"
)

const testSecret = "test-callback-secret"

type mockRuntime struct {
	mock.Mock
}

func (m *mockRuntime) Create(ctx context.Context, repoURL string, env map[string]string) (string, error) {
	args := m.Called(ctx, repoURL, env)
	return args.String(0), args.Error(1)
}

func (m *mockRuntime) Start(ctx context.Context, handle string) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *mockRuntime) Stop(ctx context.Context, handle string) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *mockRuntime) Destroy(ctx context.Context, handle string) error {
	return m.Called(ctx, handle).Error(0)
}

type testApp struct {
	router *gin.Engine
	reg    *registry.Workspaces
	rt     *mockRuntime
	store  *session.MemoryStore
	idp    *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB := testutil.NewDB(t)
	reg := registry.NewWorkspaces(gormDB)
	users := registry.NewUsers(gormDB)
	rt := new(mockRuntime)
	store := session.NewMemoryStore()
	svc := lifecycle.New(reg, rt, []byte(testSecret), "http://devpool.test", 5*time.Second)

	// Minimal identity provider for the login round trip.
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "at-test", "token_type": "bearer"})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"id": 42, "login": "octocat"})
	})
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	gateway := auth.New(auth.Config{
		OAuth: &oauth2.Config{
			ClientID:     "cid",
			ClientSecret: "sec",
			RedirectURL:  "http://devpool.test/auth/github/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:   idp.URL + "/authorize",
				TokenURL:  idp.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		Store:   store,
		APIBase: idp.URL,
		OnLogin: func(ctx context.Context, token *oauth2.Token, profile *auth.Profile) (*models.User, error) {
			user := &models.User{ID: "gh-42", Username: profile.Login, AccessToken: token.AccessToken}
			if err := users.Upsert(ctx, user); err != nil {
				return nil, err
			}
			return user, nil
		},
	})

	router := gin.New()
	router.Use(RequestID())
	h := New(gateway, svc, store, nil, "devpool_session", false)
	h.Register(router)

	return &testApp{router: router, reg: reg, rt: rt, store: store, idp: idp}
}

// loginAs plants an authenticated session and returns its cookie.
func (a *testApp) loginAs(t *testing.T, userID, username string) *http.Cookie {
	t.Helper()
	sess := session.New()
	sess.User = &session.Identity{UserID: userID, Username: username}
	require.NoError(t, a.store.Save(context.Background(), sess))
	return &http.Cookie{Name: "devpool_session", Value: sess.ID}
}

func (a *testApp) do(method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestUnauthenticated(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{"/api/workspaces", "/api/me", "/api/auth/verify"} {
		w := app.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	app := newTestApp(t)

	// Initiate: redirect to the provider, session cookie issued.
	w := app.do(http.MethodGet, "/auth/github?return_to=/workspaces", nil)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	resp := w.Result()
	require.NotEmpty(t, resp.Cookies())
	preLogin := resp.Cookies()[0]

	// Callback with the matching state logs in and rotates the cookie.
	w = app.do(http.MethodGet, "/auth/github/callback?state="+state+"&code=c1", nil, preLogin)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/workspaces", w.Header().Get("Location"))

	authed := w.Result().Cookies()[0]
	assert.NotEqual(t, preLogin.Value, authed.Value)

	w = app.do(http.MethodGet, "/api/me", nil, authed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "octocat")

	// The pre-login cookie no longer resolves to a session.
	w = app.do(http.MethodGet, "/api/me", nil, preLogin)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginCallbackStateMismatch(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/auth/github", nil)
	require.Equal(t, http.StatusFound, w.Code)
	cookie := w.Result().Cookies()[0]

	w = app.do(http.MethodGet, "/auth/github/callback?state=attacker-value&code=c1", nil, cookie)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = app.do(http.MethodGet, "/api/me", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginCallbackWithoutSession(t *testing.T) {
	app := newTestApp(t)

	w := app.do(http.MethodGet, "/auth/github/callback?state=x&code=c1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateWorkspace(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "proj-a", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))
	assert.Equal(t, models.StatusStopped, ws.Status)
	assert.Nil(t, ws.ContainerID)

	t.Run("DuplicateName", func(t *testing.T) {
		w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "proj-a", "repoUrl": "https://git/y"}, cookie)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("InvalidName", func(t *testing.T) {
		w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "bad name!", "repoUrl": "https://git/y"}, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MissingFields", func(t *testing.T) {
		w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "proj-b"}, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStartStopOverHTTP(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "runner", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	app.rt.On("Create", mock.Anything, "https://git/x", mock.Anything).Return("cid-1", nil).Once()
	app.rt.On("Start", mock.Anything, "cid-1").Return(nil).Once()

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/start", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))
	assert.Equal(t, models.StatusRunning, ws.Status)

	// A second start while running is a conflict.
	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/start", nil, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)

	app.rt.On("Stop", mock.Anything, "cid-1").Return(nil).Once()
	app.rt.On("Destroy", mock.Anything, "cid-1").Return(nil).Once()

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/stop", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))
	assert.Equal(t, models.StatusStopped, ws.Status)
	assert.Nil(t, ws.ContainerID)
}

func TestStartConflictLosesBeforeRuntime(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "raced", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	// Simulate the other handler winning the CAS first.
	res, err := app.reg.CASStatus(context.Background(), ws.ID, models.StatusStarting, models.StatusStopped)
	require.NoError(t, err)
	require.Equal(t, registry.Applied, res)

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/start", nil, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)
	app.rt.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartRuntimeFailure(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "failing", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	app.rt.On("Create", mock.Anything, "https://git/x", mock.Anything).
		Return("", errors.New("no capacity")).Once()

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/start", nil, cookie)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = app.do(http.MethodGet, "/api/workspaces/"+ws.ID, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))
	assert.Equal(t, models.StatusError, ws.Status)
}

func TestGetWorkspaceVisibility(t *testing.T) {
	app := newTestApp(t)
	alice := app.loginAs(t, "user-1", "alice")
	bob := app.loginAs(t, "user-2", "bob")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "private", "repoUrl": "https://git/x"}, alice)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	w = app.do(http.MethodGet, "/api/workspaces/"+ws.ID, nil, bob)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = app.do(http.MethodGet, "/api/workspaces/unknown-id", nil, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseAcquireOverHTTP(t *testing.T) {
	app := newTestApp(t)
	alice := app.loginAs(t, "user-1", "alice")
	bob := app.loginAs(t, "user-2", "bob")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "pooled", "repoUrl": "https://git/x"}, alice)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/release", nil, alice)
	require.Equal(t, http.StatusOK, w.Code)

	// Bob sees it and claims it.
	w = app.do(http.MethodGet, "/api/workspaces", nil, bob)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pooled")

	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/acquire", nil, bob)
	require.Equal(t, http.StatusOK, w.Code)

	// Alice can no longer release or start it.
	w = app.do(http.MethodPost, "/api/workspaces/"+ws.ID+"/release", nil, alice)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteWorkspace(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "gone", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	w = app.do(http.MethodDelete, "/api/workspaces/"+ws.ID, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(http.MethodGet, "/api/workspaces/"+ws.ID, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerify(t *testing.T) {
	app := newTestApp(t)
	alice := app.loginAs(t, "user-1", "alice")
	bob := app.loginAs(t, "user-2", "bob")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "proxied", "repoUrl": "https://git/x"}, alice)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	// Plain identity echo.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(alice)
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Header().Get("X-User-Id"))
	assert.Equal(t, "alice", rec.Header().Get("X-User-Name"))

	// Owner passes the workspace-host check; others do not.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(alice)
	req.Header.Set("X-Forwarded-Host", "ws-"+ws.ID+".devpool.test")
	rec = httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(bob)
	req.Header.Set("X-Forwarded-Host", "ws-"+ws.ID+".devpool.test")
	rec = httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBuildStatusWebhook(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/api/workspaces", gin.H{"name": "building", "repoUrl": "https://git/x"}, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var ws models.Workspace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ws))

	sign := func(subject string) string {
		claims := jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}

	req := httptest.NewRequest(http.MethodPost, "/api/internal/build",
		bytes.NewReader([]byte(`{"id":"`+ws.ID+`","status":"ready"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sign(ws.ID))
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = app.do(http.MethodGet, "/api/workspaces/"+ws.ID, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"buildStatus":"ready"`)

	t.Run("WrongToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/internal/build",
			bytes.NewReader([]byte(`{"id":"`+ws.ID+`","status":"failed"}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+sign("other-workspace"))
		rec := httptest.NewRecorder()
		app.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("NoToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/internal/build",
			bytes.NewReader([]byte(`{"id":"`+ws.ID+`","status":"failed"}`)))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		app.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	cookie := app.loginAs(t, "user-1", "alice")

	w := app.do(http.MethodPost, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(http.MethodGet, "/api/me", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
