// Package main provides the desktop agent: the local store, the outbox
// scheduler and a REST/WebSocket API for the shell on 127.0.0.1:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afctech/fieldsync/cmd/desktop/handlers"
	"github.com/afctech/fieldsync/internal/api"
	"github.com/afctech/fieldsync/internal/cache"
	"github.com/afctech/fieldsync/internal/config"
	"github.com/afctech/fieldsync/internal/db"
	"github.com/afctech/fieldsync/internal/logging"
	syncpkg "github.com/afctech/fieldsync/internal/sync"
	"github.com/afctech/fieldsync/internal/sync/connectivity"
	"github.com/afctech/fieldsync/internal/sync/queue"
	"github.com/afctech/fieldsync/internal/sync/scheduler"
	"github.com/afctech/fieldsync/internal/telemetry"
)

const serviceName = "fieldsync-desktop"

func main() {
	cfg, err := config.Load(os.Getenv("FIELDSYNC_CONFIG"))
	if err != nil {
		logging.Error("Failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Desktop agent exited with error", err)
		os.Exit(1)
	}
}

// run starts the agent and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	metricsHandler, shutdownMetrics, err := telemetry.InitMetrics()
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())

	client := api.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, cfg.API.RateLimit)
	prober := connectivity.NewProber(
		connectivity.HTTPCheck(client.HTTPClient, cfg.Connectivity.ProbeURL),
		cfg.Connectivity.ProbeInterval,
	)

	a, err := newApp(cfg, client, prober, metricsHandler)
	if err != nil {
		return err
	}
	defer a.Close()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	// Subscribe before the first probe so the initial offline to online
	// transition triggers a drain.
	a.scheduler.Start(gctx)

	g.Go(func() error {
		return prober.Run(gctx)
	})

	g.Go(func() error {
		logging.Info("Desktop agent listening", map[string]interface{}{
			"addr":     cfg.HTTPAddr,
			"data_dir": cfg.DataDir,
			"api":      cfg.API.BaseURL,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down desktop agent", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		a.scheduler.Stop()
		return err
	})

	return g.Wait()
}

// app holds the wired components of the agent.
type app struct {
	cfg            *config.Config
	database       *db.DB
	outbox         *queue.Outbox
	cache          *cache.Cache
	loader         *cache.Loader
	downloader     *cache.Downloader
	engine         *syncpkg.Engine
	scheduler      *scheduler.Scheduler
	source         connectivity.Source
	hub            *WSHub
	metricsHandler http.Handler
}

// newApp opens the store and wires every component against client and
// source. The caller starts the scheduler and the hub.
func newApp(cfg *config.Config, client *api.Client, source connectivity.Source, metricsHandler http.Handler) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database.DB); err != nil {
		database.Close()
		return nil, err
	}
	store := db.NewStore(database.DB)

	syncMetrics, err := telemetry.NewSyncMetrics(nil)
	if err != nil {
		database.Close()
		return nil, err
	}

	outbox := queue.NewOutbox(store)
	if err := syncMetrics.ObserveOutbox(func(ctx context.Context) (int64, error) {
		stats, err := outbox.Stats(ctx)
		return int64(stats.Pending), err
	}); err != nil {
		database.Close()
		return nil, err
	}

	unitCache := cache.New(store)

	engine := syncpkg.NewEngine(outbox, client, cfg.Sync.SubmitTimeout)
	engine.SetMetrics(syncMetrics)
	engine.SetLease(syncpkg.NewDrainLease(database.DB, cfg.Sync.SubmitTimeout))

	sched := scheduler.NewScheduler(engine, source, &scheduler.Config{
		MaxBatch: cfg.Sync.MaxBatch,
		Interval: cfg.Sync.Interval,
	})
	sched.SetMetrics(syncMetrics)

	hub := NewWSHub()
	sched.AddListener(hub)
	if cfg.Sync.Retention > 0 {
		sched.AddListener(newRetentionPruner(outbox, cfg.Sync.Retention))
	}

	return &app{
		cfg:            cfg,
		database:       database,
		outbox:         outbox,
		cache:          unitCache,
		loader:         cache.NewLoader(unitCache, client),
		downloader:     cache.NewDownloader(unitCache, client),
		engine:         engine,
		scheduler:      sched,
		source:         source,
		hub:            hub,
		metricsHandler: metricsHandler,
	}, nil
}

// routes registers the shell API.
func (a *app) routes() http.Handler {
	syncHandler := handlers.NewSyncHandler(a.scheduler, a.outbox)
	jobHandler := handlers.NewJobHandler(a.outbox, a.scheduler)
	jobHandler.SetWebSocketHub(a.hub)
	offlineHandler := handlers.NewOfflineHandler(a.cache, a.downloader, a.loader, a.source.Online)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if a.source.Online() {
			w.Write([]byte(`{"status":"ok","service":"` + serviceName + `","online":true}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `","online":false}`))
	})

	// Sync routes
	mux.HandleFunc("GET /api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /api/sync", syncHandler.TriggerSync)

	// Outbox routes
	mux.HandleFunc("GET /api/jobs", jobHandler.ListJobs)
	mux.HandleFunc("POST /api/jobs", jobHandler.CreateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", jobHandler.DeleteJob)

	// Offline routes
	mux.HandleFunc("GET /api/offline/hospitals", offlineHandler.ListHospitals)
	mux.HandleFunc("POST /api/offline/hospitals/{id}", offlineHandler.DownloadHospital)
	mux.HandleFunc("DELETE /api/offline/hospitals/{id}", offlineHandler.RemoveHospital)
	mux.HandleFunc("GET /api/ahus/{id}", offlineHandler.GetUnit)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	mux.HandleFunc("GET /ws", HandleWebSocket(a.hub))

	return mux
}

// Close releases the store.
func (a *app) Close() error {
	return a.database.Close()
}
