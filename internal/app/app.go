package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/calliopebot/calliope/internal/db"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Metrics  *observability.Metrics

	cancel        context.CancelFunc
	traceShutdown func(context.Context) error
}

func New() (*App, error) {
	cfg := LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	traceShutdown := observability.InitTracing(context.Background(), log, observability.TracingConfig{
		ServiceName: "calliope",
		Environment: cfg.Env,
		Version:     cfg.Version,
	})

	metrics := observability.NewMetrics()
	reposet := wireRepos(theDB, log)
	serviceset := wireServices(log, cfg, reposet, clients, metrics)
	handlers := wireHandlers(log, cfg, serviceset, metrics)
	router := wireRouter(handlers)

	return &App{
		Log:           log,
		DB:            theDB,
		Router:        router,
		Cfg:           cfg,
		Clients:       clients,
		Repos:         reposet,
		Services:      serviceset,
		Metrics:       metrics,
		traceShutdown: traceShutdown,
	}, nil
}

// Start launches background workers. Safe to call once.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Cfg.BackfillEnabled && a.Services.Backfill != nil {
		go a.Services.Backfill.Start(ctx)
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.traceShutdown(ctx); err != nil && a.Log != nil {
			a.Log.Warn("trace exporter shutdown failed", "error", err.Error())
		}
		cancel()
		a.traceShutdown = nil
	}
	if a.Clients.Redis != nil {
		_ = a.Clients.Redis.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
