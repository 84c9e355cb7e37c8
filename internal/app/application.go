package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"gatecheck/internal/api"
	"gatecheck/internal/checkin"
	"gatecheck/internal/config"
	"gatecheck/internal/counter"
	"gatecheck/internal/hub"
	"gatecheck/internal/lifecycle"
	"gatecheck/internal/scheduler"
	"gatecheck/internal/store"
	gatews "gatecheck/internal/websocket"
	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Application wires all components in dependency order:
// store -> counter -> hub -> scheduler -> lifecycle -> pipeline -> api -> http.
type Application struct {
	config     *config.Config
	store      *store.Manager
	gate       interfaces.CounterStore
	reconciler *counter.Reconciler
	eventHub   *hub.Hub
	scheduler  *scheduler.Scheduler
	engine     *lifecycle.Engine
	pipeline   *checkin.Pipeline
	httpServer *http.Server

	cancelBackground context.CancelFunc
}

// NewApplication constructs every component. Nothing runs until Start.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	storeManager, err := store.NewManager(cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize entity store: %w", err)
	}

	var gate interfaces.CounterStore
	switch cfg.Counter.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		gate, err = counter.NewPostgresStore(ctx, cfg.Counter.PostgresDSN)
		cancel()
		if err != nil {
			storeManager.Close()
			return nil, fmt.Errorf("failed to initialize counter store: %w", err)
		}
	default:
		gate = counter.NewSQLiteStore(storeManager.DB())
	}

	eventHub := hub.NewHub()

	sched := scheduler.NewScheduler(storeManager, cfg.Session.OpenLeadTime, cfg.Session.EndGracePeriod)

	engine := lifecycle.NewEngine(storeManager, sched, eventHub, gate, lifecycle.Defaults{
		OpenLead:      cfg.Session.OpenLeadTime,
		EndGrace:      cfg.Session.EndGracePeriod,
		LateThreshold: cfg.Session.LateThreshold,
		RetryAttempts: cfg.Session.RetryAttempts,
		RetryBackoff:  cfg.Session.RetryBackoff,
	})
	sched.SetHandler(engine.HandleTrigger)

	eventHub.RegisterSnapshot(types.TopicSessions, engine.SessionsSnapshot)
	eventHub.RegisterSnapshot(types.TopicPrefixSession, engine.SessionSnapshot)

	pipeline := checkin.NewPipeline(storeManager, gate, eventHub, engine,
		checkin.DefaultBadgePolicy, cfg.Counter.ReserveTimeout)

	reconciler := counter.NewReconciler(gate, storeManager, cfg.Counter.ReconcileInterval)

	wsHandler := gatews.NewHandler(eventHub, gatews.Options{
		SendBuffer:   cfg.WebSocket.SendBuffer,
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
	})

	apiServer := api.NewServer(storeManager, engine, pipeline, wsHandler,
		eventHub.Stats, cfg.HTTP.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      storeManager,
		gate:       gate,
		reconciler: reconciler,
		eventHub:   eventHub,
		scheduler:  sched,
		engine:     engine,
		pipeline:   pipeline,
		httpServer: httpServer,
	}, nil
}

// Start brings the system up: hub first so events flow, then persisted
// triggers re-arm, then the reconciler sweep, then HTTP.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting gatecheck on %s", app.httpServer.Addr)

	backgroundCtx, cancel := context.WithCancel(context.Background())
	app.cancelBackground = cancel

	if err := app.eventHub.Start(backgroundCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	if err := app.scheduler.LoadPending(ctx); err != nil {
		app.eventHub.Stop()
		cancel()
		return fmt.Errorf("failed to re-arm persisted triggers: %w", err)
	}

	// Sessions created while the process was down never got triggers
	// scheduled; recompute for everything so state converges.
	sessions, err := app.store.ListSessions(ctx)
	if err != nil {
		app.eventHub.Stop()
		cancel()
		return fmt.Errorf("failed to list sessions at startup: %w", err)
	}
	for _, session := range sessions {
		if err := app.scheduler.Schedule(ctx, session); err != nil {
			log.Printf("Failed to schedule triggers for session %s: %v", session.ID, err)
		}
	}

	app.reconciler.Start(backgroundCtx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.eventHub.Stop()
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("gatecheck started")
		return nil
	case <-ctx.Done():
		app.eventHub.Stop()
		cancel()
		return ctx.Err()
	}
}

// Stop shuts down in reverse order: HTTP, scheduler, hub, stores.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down gatecheck")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.scheduler.Stop()

	if app.cancelBackground != nil {
		app.cancelBackground()
	}
	if err := app.eventHub.Stop(); err != nil && err != hub.ErrHubNotRunning {
		log.Printf("Event hub shutdown error: %v", err)
	}

	if err := app.gate.Close(); err != nil {
		log.Printf("Counter store shutdown error: %v", err)
	}
	if err := app.store.Close(); err != nil {
		log.Printf("Entity store shutdown error: %v", err)
	}

	log.Printf("gatecheck shutdown complete")
	return nil
}
