// Command overlayhost runs the four overlay handlers (Synced, Syncing,
// Failed, Selective) against one shared Bus Server, standing in for the
// real Windows Explorer shell host process described in spec.md §4.5.
// Wiring style is grounded on examples/eventbus-demo/main.go's plain
// main() construction (config, logger, router, then serve), adapted away
// from that example's modular.Application/DI scaffolding since this repo
// has a small, fixed set of components rather than a pluggable module
// graph (see DESIGN.md's "Dropped teacher modules").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudsync/badgebus/internal/badgestore"
	"github.com/cloudsync/badgebus/internal/bus"
	"github.com/cloudsync/badgebus/internal/config"
	"github.com/cloudsync/badgebus/internal/liveness"
	"github.com/cloudsync/badgebus/internal/logging"
	"github.com/cloudsync/badgebus/internal/metrics"
	"github.com/cloudsync/badgebus/internal/overlay"
	"github.com/cloudsync/badgebus/internal/shmregion"
	"github.com/cloudsync/badgebus/internal/subscriber"
	"github.com/cloudsync/badgebus/pkg/event"
)

var kinds = []event.BadgeKind{event.BadgeSynced, event.BadgeSyncing, event.BadgeFailed, event.BadgeSelective}

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file (optional)")
	flag.Parse()

	logger := logging.NewDevelopment()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("overlayhost: config load failed", "error", err)
		os.Exit(1)
	}

	region, err := shmregion.Attach(cfg.RegionName, cfg.RegionSize)
	if err != nil {
		logger.Error("overlayhost: attach region failed", "error", err)
		os.Exit(1)
	}
	defer shmregion.Detach(region.Name)

	metricStore := metrics.NewStore()
	promCollector := metrics.NewPrometheusCollector(metricStore, cfg.MetricsNamespace)
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(promCollector)

	srv := bus.NewServer(region, bus.Config{QueueCapacity: cfg.QueueCapacity}, logger, metricStore)
	defer srv.Terminate()

	checker := liveness.NewChecker()
	iconTable := cfg.IconTable()

	adapters := make(map[event.BadgeKind]*overlay.Adapter, len(kinds))
	stores := make(map[event.BadgeKind]*badgestore.Store, len(kinds))

	ownerPID := event.ProcessID(os.Getpid())
	scCfg := subscriberConfig(cfg)

	cleanup := func() {
		if err := srv.CleanUpUnusedResources(checker); err != nil {
			logger.Warn("overlayhost: clean up unused resources failed", "error", err)
		}
	}

	for _, kind := range kinds {
		kind := kind
		notifier := hostNotifierFor(kind, logger)
		store := badgestore.NewStore(kind, notifier, logger, metricStore)
		stores[kind] = store

		adapterCfg := overlay.Config{
			VerificationHelperImage: cfg.VerificationHelperImage,
			IconResourcePath:        iconTable[kind],
		}
		adapters[kind] = overlay.New(kind, store, srv, srv, ownerPID, 0, uuid.Nil, checker, cleanup, scCfg, adapterCfg, logger)
	}

	processImage, _ := os.Executable()
	for kind, a := range adapters {
		if err := a.Start(context.Background(), processImage); err != nil {
			logger.Error("overlayhost: adapter start failed", "kind", kind, "error", err)
			os.Exit(1)
		}
	}

	configStop := make(chan struct{})
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, logger, reloadIconTable(adapters, logger))
		if err != nil {
			logger.Warn("overlayhost: config hot-reload disabled", "error", err)
		} else {
			go watcher.Run(configStop)
			defer close(configStop)
		}
	}

	sweeper := liveness.NewSweeper(checker, logger, metricStore, storeReclaimers(stores)...)
	if err := sweeper.Start(cfg.ReclaimInterval); err != nil {
		logger.Error("overlayhost: liveness sweeper start failed", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Get("/healthz", healthzHandler(srv))
	router.Get("/debug/bst", debugBSTHandler(stores))
	router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	if cfg.DatadogAddr != "" {
		interval := time.Duration(cfg.DatadogIntervalMS) * time.Millisecond
		exporter, err := metrics.NewDatadogStatsdExporter(metricStore, cfg.MetricsNamespace, cfg.DatadogAddr, interval, nil)
		if err != nil {
			logger.Warn("overlayhost: datadog exporter disabled", "error", err)
		} else {
			defer exporter.Close()
			ddCtx, ddCancel := context.WithCancel(context.Background())
			defer ddCancel()
			go exporter.Run(ddCtx)
		}
	}

	httpSrv := &http.Server{Addr: cfg.DebugListenAddr, Handler: router}
	go func() {
		logger.Info("overlayhost: debug endpoint listening", "addr", cfg.DebugListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("overlayhost: debug server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("overlayhost: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	sweeper.Stop()
	for kind, a := range adapters {
		if err := a.Stop(); err != nil {
			logger.Warn("overlayhost: adapter stop reported an error", "kind", kind, "error", err)
		}
	}
}

// reloadIconTable builds a config.Watcher onLoad callback that re-derives
// each Adapter's icon resource path from the freshly reloaded icon table,
// so spec.md §4.7's hot-reloadable overlay-kind table takes effect on every
// adapter without a restart.
func reloadIconTable(adapters map[event.BadgeKind]*overlay.Adapter, logger logging.Logger) func([]config.IconEntry) {
	return func(icons []config.IconEntry) {
		table := (&config.Config{Icons: icons}).IconTable()
		for kind, a := range adapters {
			path, ok := table[kind]
			if !ok {
				continue
			}
			a.SetIconResourcePath(path)
			logger.Info("overlayhost: reloaded icon resource path", "kind", kind, "path", path)
		}
	}
}

func subscriberConfig(cfg *config.Config) subscriber.Config {
	return subscriber.Config{
		SubscribeTimeout: time.Duration(cfg.SubscribeTimeoutMS) * time.Millisecond,
		WatchPeriod:      time.Duration(cfg.WatchPeriodMS) * time.Millisecond,
		StartTimeout:     time.Duration(cfg.StartTimeoutMS) * time.Millisecond,
		ShutdownGrace:    time.Duration(cfg.ShutdownGraceMS) * time.Millisecond,
	}
}

func storeReclaimers(stores map[event.BadgeKind]*badgestore.Store) []liveness.Reclaimer {
	reclaimers := make([]liveness.Reclaimer, 0, len(stores))
	for _, s := range stores {
		reclaimers = append(reclaimers, s)
	}
	return reclaimers
}

// hostNotifierFor builds the badgestore.HostNotifier for one overlay kind.
// The real shell notification (SHChangeNotify) is out-of-scope per
// spec.md §1; this logs the call so the boundary is observable during
// local development instead of silently dropping it.
func hostNotifierFor(kind event.BadgeKind, logger logging.Logger) badgestore.HostNotifier {
	return &loggingNotifier{kind: kind, logger: logger}
}

type loggingNotifier struct {
	kind   event.BadgeKind
	logger logging.Logger
}

func (n *loggingNotifier) NotifyPathChanged(path string) {
	n.logger.Debug("overlayhost: host path-change notification", "kind", n.kind, "path", path)
}

func (n *loggingNotifier) NotifyGlobalRefresh() {
	n.logger.Info("overlayhost: host global refresh notification", "kind", n.kind)
}

func healthzHandler(srv *bus.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":              "healthy",
			"app_to_overlay_subs": srv.SubscriberCount(event.AppToOverlay),
			"overlay_to_app_subs": srv.SubscriberCount(event.OverlayToApp),
		})
	}
}

func debugBSTHandler(stores map[event.BadgeKind]*badgestore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]map[string]int, len(stores))
		for kind, store := range stores {
			out[kind.String()] = map[string]int{
				"badges": store.BadgeCount(),
				"roots":  store.RootCount(),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
