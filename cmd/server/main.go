package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/aggregator"
	"github.com/dennisdiepolder/docqueue/backend/internal/api"
	"github.com/dennisdiepolder/docqueue/backend/internal/assignment"
	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/cache"
	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/clock"
	"github.com/dennisdiepolder/docqueue/backend/internal/config"
	"github.com/dennisdiepolder/docqueue/backend/internal/event"
	"github.com/dennisdiepolder/docqueue/backend/internal/fanout"
	"github.com/dennisdiepolder/docqueue/backend/internal/metrics"
	"github.com/dennisdiepolder/docqueue/backend/internal/position"
	"github.com/dennisdiepolder/docqueue/backend/internal/priority"
	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/dennisdiepolder/docqueue/backend/internal/ticker"
	"github.com/dennisdiepolder/docqueue/backend/internal/txn"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/dennisdiepolder/docqueue/backend/internal/websocket"
	"github.com/dennisdiepolder/docqueue/backend/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store_mode", string(cfg.Store.Mode)).
		Str("history_mode", string(cfg.Dynamo.Mode)).
		Int("services", len(cfg.Services)).
		Msg("starting docqueue backend server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, cleanup, err := build(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize services")
	}
	defer cleanup()

	app.start(ctx)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop background loops
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// application holds the wired components
type application struct {
	router     http.Handler
	hub        *websocket.Hub
	sync       *realtime.Synchronizer
	scheduler  *scheduler.Scheduler
	aggregator *aggregator.Aggregator
	heartbeat  *ticker.Ticker
	publisher  *fanout.RedisPublisher
}

// build constructs every component and resolves the circular references
// (synchronizer refresher, scheduler notifier, queue optimizer) with setters
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, func(), error) {
	clk := clock.Real()
	m := metrics.New()

	store, closeStore, err := storage.NewTicketStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("ticket store: %w", err)
	}
	history, err := storage.NewHistoryStore(ctx, cfg.Dynamo, logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("history store: %w", err)
	}

	catalog := types.NewCatalog(cfg.Services)
	agents := cache.NewAgentRegistry()
	snapshots := cache.NewSnapshotCache(cfg.SnapshotTTL)
	runner := txn.NewRunner(cfg.Txn, clk, m, logger)

	sync := realtime.NewSynchronizer(cfg.Sync, clk, m, logger)
	sync.AddInvalidator(snapshots)

	hub := websocket.NewHub(cfg.SendBufferSize, m, logger)
	sync.AddSink(hub)

	var publisher *fanout.RedisPublisher
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		client, err := fanout.Connect(ctx, cfg.RedisURL)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		redisClient = client
		publisher = fanout.NewRedisPublisher(redisClient, cfg.RedisChannel, cfg.SendBufferSize, logger)
		sync.AddSink(publisher)
		sync.AddInvalidator(fanout.NewRedisInvalidator(redisClient, ""))
		logger.Info().Str("channel", cfg.RedisChannel).Msg("redis event fan-out enabled")
	}

	workload := queue.NewWorkloadReader(store)
	evaluator := capability.NewEvaluator(cfg.Capability, history, workload, clk, logger)
	engine := assignment.NewEngine(agents, workload, evaluator, cfg.Queue.MaxActivePerAgent, logger)
	scorer := priority.NewScorer(cfg.Priority, catalog, priority.NewRefinement(cfg.Priority), logger)
	tracker := position.NewTracker(cfg.AvgServiceMinutes, logger)

	svc := queue.NewService(cfg.Queue, queue.Deps{
		Store:       store,
		History:     history,
		Agents:      agents,
		Snapshots:   snapshots,
		Catalog:     catalog,
		Scorer:      scorer,
		Engine:      engine,
		Performance: evaluator,
		Tracker:     tracker,
		Sync:        sync,
		Runner:      runner,
		Clock:       clk,
		Metrics:     m,
	}, logger)
	sync.SetRefresher(svc)

	sched := scheduler.NewScheduler(cfg.Scheduler, scheduler.Deps{
		Store:    store,
		Scorer:   scorer,
		Assigner: engine,
		Agents:   agents,
		Catalog:  catalog,
		Snaps:    svc,
		Runner:   runner,
		Clock:    clk,
		Metrics:  m,
	}, logger)
	sched.SetNotifier(svc)
	svc.SetOptimizer(sched)

	agg := aggregator.NewAggregator(svc, agents, sync, cfg.Alerts, cfg.MetricsInterval, m, logger)
	heartbeat := ticker.NewTicker(hub, sync, cfg.HeartbeatInterval, logger)

	authn := auth.NewAuthenticator(cfg.Auth, logger)

	app := &application{
		hub:        hub,
		sync:       sync,
		scheduler:  sched,
		aggregator: agg,
		heartbeat:  heartbeat,
		publisher:  publisher,
	}
	app.router = newRouter(cfg, routes{
		tickets:  api.NewTicketHandler(svc, logger),
		agents:   api.NewAgentActionsHandler(svc, logger),
		history:  api.NewAgentHistoryHandler(history, clk, logger),
		roster:   api.NewRosterHandler(svc, logger),
		syncH:    api.NewSyncHandler(svc, logger),
		receiver: event.NewReceiver(svc, m, logger),
		admin: api.NewAdminHandler(api.AdminDeps{
			Optimizer:   svc,
			Snapshots:   svc,
			Scheduler:   sched,
			Sync:        sync,
			Assignments: engine,
			Performance: agg,
			Clients:     hub,
			Thresholds:  cfg.Alerts,
		}, logger),
		ws:      websocket.NewHandler(hub, sync, cfg, logger),
		auth:    authn.Middleware,
		metrics: m,
	}, logger)

	cleanup := func() {
		if redisClient != nil {
			redisClient.Close()
		}
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("failed to close ticket store")
		}
	}
	return app, cleanup, nil
}

// start launches the background loops; they stop when ctx is cancelled
func (a *application) start(ctx context.Context) {
	go a.hub.Run(ctx)
	go a.sync.Start(ctx)
	go a.scheduler.Start(ctx)
	go a.aggregator.Start(ctx)
	go a.heartbeat.Start(ctx)
	if a.publisher != nil {
		go a.publisher.Run(ctx)
	}
}

type routes struct {
	tickets  *api.TicketHandler
	agents   *api.AgentActionsHandler
	history  *api.AgentHistoryHandler
	roster   *api.RosterHandler
	syncH    *api.SyncHandler
	admin    *api.AdminHandler
	receiver *event.Receiver
	ws       http.Handler
	auth     func(http.Handler) http.Handler
	metrics  *metrics.Metrics
}

func newRouter(cfg *config.Config, h routes, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(h.metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", h.metrics.Handler())

	// Internal routes (no auth - kiosks, display boards and station terminals)
	r.Route("/internal", func(r chi.Router) {
		r.Post("/tickets", h.tickets.Enqueue)
		r.Get("/tickets/{id}/position", h.tickets.Position)
		r.Post("/agents/roster", h.roster.HandleRoster)
		r.Post("/event", h.receiver.HandleEvent)
		r.Get("/event/stats", h.receiver.GetStats)
	})

	// Add auth middleware for protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/ws", h.ws.ServeHTTP)

		r.Route("/api", func(r chi.Router) {
			r.Route("/agents/{agentId}", func(r chi.Router) {
				r.Post("/next", h.agents.RequestNext)
				r.Put("/status", h.agents.SetStatus)
				r.Get("/history", h.history.GetHistory)
			})

			r.Route("/tickets/{id}", func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor, auth.RoleAgent))
				r.Post("/start", h.tickets.Start)
				r.Post("/complete", h.tickets.Complete)
				r.Post("/cancel", h.tickets.Cancel)
				r.Post("/no-show", h.tickets.NoShow)
				r.Post("/reassign", h.tickets.Reassign)
			})

			r.Get("/sync/resync", h.syncH.Resync)

			r.Route("/admin", func(r chi.Router) {
				r.Use(api.RequireAdmin)
				r.Post("/optimize", h.admin.Optimize)
				r.Get("/stats", h.admin.Stats)
			})
		})
	})

	return r
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"docqueue-backend"}`)
}
