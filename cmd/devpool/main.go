package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/devpool/devpool/internal/api"
	"github.com/devpool/devpool/internal/auth"
	"github.com/devpool/devpool/internal/config"
	"github.com/devpool/devpool/internal/db"
	"github.com/devpool/devpool/internal/lifecycle"
	"github.com/devpool/devpool/internal/logutils"
	"github.com/devpool/devpool/internal/models"
	"github.com/devpool/devpool/internal/registry"
	"github.com/devpool/devpool/internal/runtime"
	"github.com/devpool/devpool/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logutils.Log.Fatalf("Failed to load config: %v", err)
	}
	logutils.SetLevel(cfg.LogLevel)

	gormDB, err := db.Init(cfg.DB.URL, cfg.DB.Schema)
	if err != nil {
		logutils.Log.Fatalf("Failed to initialize database: %v", err)
	}
	if err := db.Migrate(gormDB); err != nil {
		logutils.Log.Fatalf("Failed to run migrations: %v", err)
	}

	var rdb *redis.Client
	var store session.Store
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logutils.Log.Fatalf("Failed to reach redis: %v", err)
		}
		store = session.NewRedisStore(rdb)
	} else {
		logutils.Log.Warn("REDIS_ADDR not set, using in-memory sessions (single replica only)")
		store = session.NewMemoryStore()
	}

	rt, err := runtime.NewDockerRuntime(cfg.Workspace.Image)
	if err != nil {
		logutils.Log.Fatalf("Failed to connect to container runtime: %v", err)
	}

	workspaces := registry.NewWorkspaces(gormDB)
	users := registry.NewUsers(gormDB)
	svc := lifecycle.New(workspaces, rt, []byte(cfg.Workspace.CallbackSecret), cfg.BaseURL, cfg.Workspace.RuntimeTimeout)

	gateway := auth.New(auth.Config{
		OAuth: &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
			Scopes:       cfg.GitHub.Scopes,
			Endpoint:     githuboauth.Endpoint,
		},
		Store: store,
		Org:   cfg.GitHub.Org,
		OnLogin: func(ctx context.Context, token *oauth2.Token, profile *auth.Profile) (*models.User, error) {
			// Keyed by the provider's numeric id; logins can be renamed.
			user := models.User{
				ID:          fmt.Sprintf("gh-%d", profile.ID),
				Username:    profile.Login,
				AccessToken: token.AccessToken,
			}
			if profile.Email != "" {
				user.Email = &profile.Email
			}
			if profile.AvatarURL != "" {
				user.AvatarURL = &profile.AvatarURL
			}
			if err := users.Upsert(ctx, &user); err != nil {
				return nil, err
			}
			return &user, nil
		},
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := api.New(gateway, svc, store, rdb, cfg.Session.CookieName, cfg.Session.Secure)
	handler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logutils.Log.Infof("devpool listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logutils.Log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logutils.Log.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logutils.Log.Errorf("Forced shutdown: %v", err)
	}
}
