package main

import (
	"time"

	"github.com/dmitrymomot/mediagate/pkg/email"
	"github.com/dmitrymomot/mediagate/pkg/httpserver"
	"github.com/dmitrymomot/mediagate/pkg/pg"
	"github.com/dmitrymomot/mediagate/pkg/ratelimit"
	"github.com/dmitrymomot/mediagate/pkg/redis"
	"github.com/dmitrymomot/mediagate/pkg/session"
	"github.com/dmitrymomot/mediagate/svc/notify"
)

type appConfig struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	Name    string `env:"APP_NAME" envDefault:"mediagate"`
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
	// SecretKey seals media admin tokens at rest. Empty stores them as is.
	SecretKey string `env:"APP_SECRET_KEY"`
	APIKey    string `env:"API_KEY"`

	Store         string        `env:"STORE" envDefault:"postgres"`
	SetupFile     string        `env:"SETUP_FILE"`
	TrustProxy    bool          `env:"TRUST_PROXY" envDefault:"false"`
	SweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"0"`
	PlexClientID  string        `env:"PLEX_CLIENT_IDENTIFIER" envDefault:"mediagate"`
	QueueWorkers  int           `env:"QUEUE_WORKERS" envDefault:"2"`

	HTTP      httpserver.Config
	Postgres  pg.Config
	Redis     redis.Config
	Session   session.Config
	RateLimit ratelimit.Config
	Notify    notify.Config
	Email     email.Config
}
