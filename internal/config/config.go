package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all service configuration, loaded from the environment
// (optionally seeded from a .env file).
type Config struct {
	Port         string   `env:"PORT" envDefault:"8080"`
	LogLevel     string   `env:"LOG_LEVEL" envDefault:"info"`
	BaseURL      string   `env:"BASE_URL" envDefault:"http://localhost:8080"`
	AllowOrigins []string `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	DB        DB        `envPrefix:"DB_"`
	Redis     Redis     `envPrefix:"REDIS_"`
	Session   Session   `envPrefix:"SESSION_"`
	GitHub    GitHub    `envPrefix:"GITHUB_"`
	Workspace Workspace `envPrefix:"WORKSPACE_"`
}

// DB contains database connection parameters.
type DB struct {
	URL    string `env:"URL,required"`
	Schema string `env:"SCHEMA" envDefault:"devpool"`
}

// Redis contains the session/cache backend address. An empty address selects
// the in-memory session store (single-replica deployments only).
type Redis struct {
	Addr string `env:"ADDR"`
}

// Session contains cookie parameters for the server-side session.
type Session struct {
	CookieName string `env:"COOKIE_NAME" envDefault:"devpool_session"`
	Secure     bool   `env:"COOKIE_SECURE" envDefault:"true"`
}

// GitHub contains OAuth application parameters. Org, when set, restricts
// login to members of that organization.
type GitHub struct {
	ClientID     string   `env:"CLIENT_ID,required"`
	ClientSecret string   `env:"CLIENT_SECRET,required"`
	RedirectURL  string   `env:"REDIRECT_URL,required"`
	Org          string   `env:"ORG"`
	Scopes       []string `env:"SCOPES" envSeparator:"," envDefault:"read:user,user:email,read:org"`
}

// Workspace contains container runtime parameters.
type Workspace struct {
	Image          string        `env:"IMAGE" envDefault:"devpool/workspace:latest"`
	CallbackSecret string        `env:"CALLBACK_SECRET,required"`
	RuntimeTimeout time.Duration `env:"RUNTIME_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from the environment. A missing .env file is not
// an error; missing required variables are.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
