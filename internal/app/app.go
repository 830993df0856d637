// Package app wires the library mirror together: remote client, local store,
// sync engine, hybrid read path, download manager and offline detector.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Alexander-D-Karpov/ampfin/internal/api"
	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/download"
	"github.com/Alexander-D-Karpov/ampfin/internal/events"
	"github.com/Alexander-D-Karpov/ampfin/internal/metrics"
	"github.com/Alexander-D-Karpov/ampfin/internal/search"
	"github.com/Alexander-D-Karpov/ampfin/internal/services"
	"github.com/Alexander-D-Karpov/ampfin/internal/storage"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

type App struct {
	cfg *config.Config
	log *logrus.Entry

	Bus       *events.Bus
	API       *api.Client
	Storage   *storage.Database
	Sync      *storage.SyncManager
	Search    *search.Engine
	Detector  *services.OfflineDetector
	Library   *services.HybridService
	Downloads *download.Manager

	registry      *prometheus.Registry
	metricsServer *http.Server

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	resetMu   sync.Mutex
	resetting atomic.Bool

	closeOnce sync.Once
	unsubs    []func()
}

// New builds every component and opens the local store. A failing store is
// fatal; nothing else can work without it. registry may be nil.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, registry *prometheus.Registry) (*App, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	log := logger.WithField("component", "app")

	recorder := metrics.New(registry)
	bus := events.NewBus(logger)

	apiClient := api.NewClient(cfg, logger, recorder)

	db := storage.NewDatabase(cfg, logger)
	if err := db.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	files, err := download.NewLocalFiles(cfg.Storage.DownloadDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	syncManager := storage.NewSyncManager(apiClient, db, cfg, logger, bus, recorder)
	searchEngine := search.NewEngine(db)
	detector := services.NewOfflineDetector(apiClient, cfg.Credentials(), cfg, logger, bus, recorder)
	library := services.NewHybridService(apiClient, db, searchEngine, detector, cfg, bus, logger)
	downloads := download.NewManager(db, files, library, apiClient, cfg, logger, bus, recorder)

	a := &App{
		cfg:       cfg,
		log:       log,
		Bus:       bus,
		API:       apiClient,
		Storage:   db,
		Sync:      syncManager,
		Search:    searchEngine,
		Detector:  detector,
		Library:   library,
		Downloads: downloads,
		registry:  registry,
	}

	a.debugLog("Application initialized - database: %s, downloads: %s", cfg.Storage.DatabasePath, files.StorageDir())
	return a, nil
}

func (a *App) debugLog(format string, args ...interface{}) {
	if a.cfg.Debug {
		a.log.Debugf(format, args...)
	}
}

// Start launches the background tasks: the connectivity checks, the periodic
// sync loop and, when configured, the metrics endpoint.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.runCtx = ctx

	a.log.Info("Starting background tasks")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Detector.Run(ctx)
	}()

	// A server that comes back gets an incremental pass right away.
	a.unsubs = append(a.unsubs, a.Detector.OnChange(func(offline bool) {
		if offline || a.resetting.Load() {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if _, err := a.Sync.IncrementalSync(ctx); err != nil && !errors.Is(err, storage.ErrSyncRunning) {
				a.log.WithError(err).Warn("Reconnect sync failed")
			}
		}()
	}))

	a.Sync.Start(ctx)
	a.startMetricsServer()
}

func (a *App) startMetricsServer() {
	addr := a.cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.WithField("address", addr).Info("Serving metrics")
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Metrics server stopped")
		}
	}()
}

// Logout forgets the current server: every download is removed from disk, the
// mirror is wiped and the credentials are cleared.
func (a *App) Logout(ctx context.Context) error {
	return a.SwitchServer(ctx, types.Credentials{})
}

// SwitchServer stops syncing, removes every download and the mirror, then points
// the client and the offline detector at creds. When any download cannot be
// removed nothing else is touched and the old server stays configured.
func (a *App) SwitchServer(ctx context.Context, creds types.Credentials) error {
	a.resetMu.Lock()
	defer a.resetMu.Unlock()

	a.resetting.Store(true)
	defer a.resetting.Store(false)

	log := a.log.WithField("server", creds.ServerAddress)
	log.Info("Switching server")

	a.Sync.Abort()
	a.Sync.Stop()
	if err := a.waitSyncIdle(ctx); err != nil {
		return err
	}

	result, err := a.Downloads.RemoveAllDownloads(ctx)
	if err != nil {
		return fmt.Errorf("remove downloads: %w", err)
	}
	if result.Failed > 0 {
		errs := make([]error, 0, len(result.Errors))
		for _, e := range result.Errors {
			errs = append(errs, e)
		}
		return fmt.Errorf("remove downloads: %d failed: %w", result.Failed, errors.Join(errs...))
	}

	if err := a.Storage.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear library: %w", err)
	}

	a.API.SetCredentials(creds)
	a.Detector.SetCredentials(creds)

	a.resetting.Store(false)
	a.Detector.Refresh(ctx)
	if a.runCtx != nil && a.runCtx.Err() == nil {
		a.Sync.Start(a.runCtx)
	}

	log.WithField("downloads_removed", result.Removed).Info("Server switched")
	return nil
}

// waitSyncIdle waits for an aborted pass started outside the loop to unwind.
func (a *App) waitSyncIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for a.Sync.IsRunning() {
		a.Sync.Abort()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops every loop, waits for them and closes the store.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.log.Info("Shutting down")

		for _, unsub := range a.unsubs {
			unsub()
		}

		a.Sync.Abort()
		a.Sync.Stop()

		if a.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.metricsServer.Shutdown(ctx); err != nil {
				a.debugLog("Error stopping metrics server: %v", err)
			}
			cancel()
		}

		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if err := a.Storage.Close(); err != nil {
			a.log.WithError(err).Warn("Error closing database")
		}

		a.log.Info("Shutdown complete")
	})
}
