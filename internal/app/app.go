// Package app wires every component of a Dalston process together: the
// Postgres/Redis clients, the repo layer, the DAG builder, scheduler,
// registry, orchestrator, webhook delivery worker, session router, and the
// HTTP gateway. One App runs the whole system in a single binary; the
// individual background loops (orchestrator subscribe, webhook tick,
// session health probe) each run on their own goroutine.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yungbote/dalston/internal/blob"
	"github.com/yungbote/dalston/internal/bus"
	"github.com/yungbote/dalston/internal/config"
	"github.com/yungbote/dalston/internal/dag"
	"github.com/yungbote/dalston/internal/data/db"
	"github.com/yungbote/dalston/internal/data/repos"
	gwhttp "github.com/yungbote/dalston/internal/http"
	"github.com/yungbote/dalston/internal/http/handlers"
	"github.com/yungbote/dalston/internal/http/middleware"
	"github.com/yungbote/dalston/internal/http/ws"
	"github.com/yungbote/dalston/internal/observability"
	"github.com/yungbote/dalston/internal/orchestrator"
	"github.com/yungbote/dalston/internal/platform/logger"
	"github.com/yungbote/dalston/internal/registry"
	"github.com/yungbote/dalston/internal/scheduler"
	"github.com/yungbote/dalston/internal/session"
	"github.com/yungbote/dalston/internal/webhook"
)

type App struct {
	Log    *logger.Logger
	Cfg    config.Config
	Router gwHandler

	postgres *db.PostgresService
	bus      bus.Bus

	orchestrator *orchestrator.Orchestrator
	webhookWrk   *webhook.Worker
	sessionRtr   *session.Router

	server *http.Server
	cancel context.CancelFunc
}

// gwHandler is the http.Handler interface the router (a *gin.Engine) is
// held as, aliased here so App doesn't need to import gin directly.
type gwHandler = http.Handler

func New() (*App, error) {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	redisBus, err := bus.NewRedisBus(log)
	if err != nil {
		return nil, fmt.Errorf("init redis bus: %w", err)
	}

	blobStore, err := blob.NewLocalStore(cfg.BlobBaseDir)
	if err != nil {
		return nil, fmt.Errorf("init blob store: %w", err)
	}

	repoSet := repos.Wire(pg.DB(), log)

	reg := registry.New(redisBus, log)
	sched := scheduler.New(redisBus, reg, log)
	builder := dag.New(reg)
	orch := orchestrator.New(repoSet, redisBus, sched, builder, log)
	whWorker := webhook.New(repoSet, &http.Client{}, log)
	sessRouter := session.New(repoSet, log)

	metrics := observability.New()

	authMW := middleware.NewAuthMiddleware(log, cfg.APIKey)
	healthH := handlers.NewHealthHandler()
	transcriptionH := handlers.NewTranscriptionHandler(repoSet, redisBus, blobStore, log)
	webhookH := handlers.NewWebhookHandler(repoSet, log)
	streamH := ws.NewHandler(sessRouter, cfg.APIKey, log)

	router := gwhttp.NewRouter(gwhttp.RouterConfig{
		Log:            log,
		AuthMiddleware: authMW,
		Metrics:        metrics,
		HealthHandler:  healthH,
		Transcriptions: transcriptionH,
		Webhooks:       webhookH,
		Stream:         streamH,
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		Router:       router,
		postgres:     pg,
		bus:          redisBus,
		orchestrator: orch,
		webhookWrk:   whWorker,
		sessionRtr:   sessRouter,
	}, nil
}

// Start kicks off every background loop (event subscription, webhook
// delivery ticker, session health probe) on its own goroutine. It does not
// block; call Run to also serve HTTP.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sessionRtr.Rehydrate(ctx); err != nil {
		a.Log.Error("session router rehydrate failed", "error", err)
	}

	go func() {
		if err := a.orchestrator.Start(ctx); err != nil {
			a.Log.Error("orchestrator stopped", "error", err)
		}
	}()
	go a.webhookWrk.Run(ctx)
	go a.sessionRtr.HealthProbe(ctx)

	return nil
}

// Run starts the HTTP gateway and blocks until it exits.
func (a *App) Run(addr string) error {
	a.server = &http.Server{Addr: addr, Handler: a.Router}
	return a.server.ListenAndServe()
}

func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.server != nil {
		_ = a.server.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	return nil
}
