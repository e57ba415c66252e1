package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/auth"
	"crm-dialer/internal/config"
	"crm-dialer/internal/dispatch"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/ingest"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/reporting"
	"crm-dialer/internal/routing"
	"crm-dialer/internal/session"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"
	"crm-dialer/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// app holds every long-lived component of the process. Shared deps are
// passed explicitly; there are no package globals.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	store      *store.PostgresStore
	metrics    *observability.Metrics
	auth       *auth.Manager
	feed       *feed.Redis
	queue      *queue.Manager
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	reconciler *dispatch.Reconciler
	router     *routing.Router
	ingest     *ingest.Ingestor
	reports    *reporting.Service
}

// loadConfig reads the environment and installs the process logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}
	a.auth = authManager

	if a.db, err = openDB(ctx, cfg); err != nil {
		return nil, err
	}
	a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		a.db.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}

	a.store = store.NewPostgresStore(a.db)
	a.metrics = observability.NewMetrics("dialer")
	a.feed = feed.NewRedis(a.rdb, cfg.Feed.ChannelPrefix)

	gateway := telephony.NewTwilioGateway(cfg.Twilio)
	callbacks := telephony.Callbacks{BaseURL: cfg.App.PublicBaseURL}
	auditSvc := audit.NewService(audit.NewPostgresRepo(a.db))

	dialerCfg := cfg.Dialer.WithDefaults()
	caps, err := utils.NewPlacementCap(a.rdb, dialerCfg.OrgPlacementCap, dialerCfg.RingTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.queue = queue.NewManager(a.store, auditSvc, a.feed, a.metrics, cfg.Dialer)
	a.dispatcher = dispatch.NewDispatcher(dispatch.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Gateway:   gateway,
		Callbacks: callbacks,
		Caps:      caps,
		Feed:      a.feed,
		Metrics:   a.metrics,
		Config:    cfg.Dialer,
	})
	a.sessions = session.NewManager(session.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Gateway:   gateway,
		Callbacks: callbacks,
		Audit:     auditSvc,
		Feed:      a.feed,
		Metrics:   a.metrics,
	})
	a.sessions.SetDispatcher(a.dispatcher)
	a.reconciler = dispatch.NewReconciler(a.store, a.sessions, a.queue, a.dispatcher, gateway, a.feed, a.metrics, cfg.Dialer)
	a.router = routing.NewRouter(routing.Deps{
		Store:     a.store,
		Gateway:   gateway,
		Callbacks: callbacks,
		Auditor:   routing.AuditAdapter{Audit: auditSvc},
		Feed:      a.feed,
		Metrics:   a.metrics,
		Config:    cfg.Dialer,
	})
	a.ingest = ingest.NewIngestor(ingest.Deps{
		Store:      a.store,
		Queue:      a.queue,
		Dispatcher: a.dispatcher,
		Router:     a.router,
		Feed:       a.feed,
		Metrics:    a.metrics,
	})
	a.reports = reporting.NewService(a.store)
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
