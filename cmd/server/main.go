package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/mediagate/modules"
	"github.com/dmitrymomot/mediagate/modules/account"
	"github.com/dmitrymomot/mediagate/modules/api"
	"github.com/dmitrymomot/mediagate/modules/payment"
	"github.com/dmitrymomot/mediagate/modules/public"
	"github.com/dmitrymomot/mediagate/pkg/clientip"
	"github.com/dmitrymomot/mediagate/pkg/config"
	"github.com/dmitrymomot/mediagate/pkg/email"
	"github.com/dmitrymomot/mediagate/pkg/httpserver"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/metrics"
	"github.com/dmitrymomot/mediagate/pkg/pg"
	"github.com/dmitrymomot/mediagate/pkg/queue"
	"github.com/dmitrymomot/mediagate/pkg/ratelimit"
	"github.com/dmitrymomot/mediagate/pkg/redis"
	"github.com/dmitrymomot/mediagate/pkg/requestid"
	"github.com/dmitrymomot/mediagate/pkg/secrets"
	"github.com/dmitrymomot/mediagate/pkg/session"
	"github.com/dmitrymomot/mediagate/store"
	accountsvc "github.com/dmitrymomot/mediagate/svc/account"
	"github.com/dmitrymomot/mediagate/svc/expiry"
	"github.com/dmitrymomot/mediagate/svc/identity"
	"github.com/dmitrymomot/mediagate/svc/invite"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/notify"
	paymentsvc "github.com/dmitrymomot/mediagate/svc/payment"
	"github.com/dmitrymomot/mediagate/svc/setup"
	"github.com/dmitrymomot/mediagate/svc/usersync"
)

func main() {
	cfg, err := config.Load[appConfig]()
	if err != nil {
		slog.Error("load config", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(
		logger.WithEnvironment(cfg.Env, cfg.Name),
		logger.WithContextExtractors(requestid.LogExtractor),
	)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	checks := map[string]httpserver.Check{}

	db, closeDB, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()
	checks["database"] = db.Ping

	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.Enabled() {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limitStore = ratelimit.NewRedisStore(rdb)
		checks["redis"] = redis.Healthcheck(rdb)
	}
	limiter, err := ratelimit.NewLimiter(limitStore, cfg.RateLimit)
	if err != nil {
		return err
	}

	var sealer secrets.Sealer = secrets.Plaintext{}
	if cfg.SecretKey != "" {
		box, err := secrets.New(cfg.SecretKey, "media-admin-token")
		if err != nil {
			return err
		}
		sealer = box
	} else {
		log.Warn("APP_SECRET_KEY is empty, media admin tokens are stored unencrypted")
	}

	m := metrics.New(cfg.Name)
	registry := media.NewRegistry(db, sealer,
		media.WithLogger(log),
		media.WithClientIdentifier(cfg.PlexClientID),
	)

	if cfg.SetupFile != "" {
		if err := setup.NewApplier(db, sealer, registry, log).ApplyFile(ctx, cfg.SetupFile); err != nil {
			return err
		}
	}

	mail, err := mailer(cfg.Email, log)
	if err != nil {
		return err
	}

	tasks, err := queue.New(
		[]queue.Handler{
			invite.NewPostJoinHandler(registry, log),
			invite.NewJoinNoticeHandler(notify.Build(cfg.Notify, mail, log), log),
		},
		queue.WithWorkers(cfg.QueueWorkers),
		queue.WithLogger(log),
	)
	if err != nil {
		return err
	}

	sessions, err := session.New(cfg.Session)
	if err != nil {
		return err
	}

	engine := expiry.New(db, registry, log, expiry.WithMetrics(m))
	invites := invite.NewService(db, registry,
		invite.WithQueue(tasks),
		invite.WithMetrics(m),
		invite.WithLogger(log),
		invite.WithBaseURL(cfg.BaseURL),
	)
	payments := paymentsvc.NewService(db, registry, log,
		paymentsvc.WithGuard(engine),
		paymentsvc.WithMetrics(m),
	)

	ip := clientip.New(cfg.TrustProxy)
	limit := ratelimit.Middleware(limiter, func(r *http.Request) string {
		return clientip.FromContext(r.Context())
	}, log)

	r := chi.NewRouter()
	r.Use(requestid.Middleware, ip.Middleware, m.Middleware)
	r.Get("/health", httpserver.HealthHandler(log, checks))
	r.Handle("/metrics", m.Handler())

	handler := modules.Router(r,
		public.New(invites, identity.NewResolver(db, log), sessions, log, public.WithRateLimit(limit)),
		account.New(accountsvc.NewService(db, registry, log), sessions, db, engine, payments, log, account.WithRateLimit(limit)),
		payment.New(payments, log, payment.WithRateLimit(limit)),
		api.New(cfg.APIKey, db, invites, usersync.New(db, registry, log), engine, payments, log),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := tasks.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("task queue stopped", logger.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		engine.Run(ctx, cfg.SweepInterval)
	}()

	err = httpserver.New(cfg.HTTP, log).Run(ctx, handler)
	wg.Wait()
	return err
}

func openStore(ctx context.Context, cfg appConfig, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("using the in-memory store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := pg.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	db := store.NewPostgres(pool)
	if err := db.Migrate(ctx, cfg.Postgres, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return db, pool.Close, nil
}

// mailer prefers Postmark and falls back to writing messages to disk.
func mailer(cfg email.Config, log *slog.Logger) (email.Sender, error) {
	switch {
	case cfg.Enabled():
		return email.NewPostmarkClient(cfg)
	case cfg.DevDir != "":
		log.Info("emails are written to disk", slog.String("dir", cfg.DevDir))
		return email.NewDevSender(cfg.DevDir), nil
	}
	return nil, nil
}
