// uwbd -- UWB ranging session manager daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/uwbd/internal/config"
	uwbmetrics "github.com/dantte-lp/uwbd/internal/metrics"
	"github.com/dantte-lp/uwbd/internal/native"
	"github.com/dantte-lp/uwbd/internal/server"
	"github.com/dantte-lp/uwbd/internal/uwb"
	appversion "github.com/dantte-lp/uwbd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("uwbd starting",
		slog.String("version", appversion.Version),
		slog.String("http_addr", cfg.HTTP.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging of ranging failures.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := uwbmetrics.NewCollector(reg)

	// 6. Assemble the UWB core: registry, advertise store, router, native
	// sink, driver, serializer.
	registry := uwb.NewRegistry(capacityPolicies(cfg))
	advertise := uwb.NewAdvertiseStore()
	router := uwb.NewRouter(registry, advertise, uwb.RouterConfig{Logger: logger})
	sink := uwb.NewNativeSink(router)

	driver := native.NewSimulator(native.SimulatorConfig{Sink: sink})

	serializer := uwb.NewSerializer(uwb.SerializerConfig{
		Driver:    driver,
		Registry:  registry,
		Router:    router,
		Advertise: advertise,
		Logger:    logger,
	})

	// 6a. Wire the fg/bg policy (C7): a process-importance feed drives stack
	// priority and the bg-app timer for every session the reporting uid owns.
	importance := native.NewImportanceService()
	fgbg := uwb.NewFgBgObserver(uwb.FgBgObserverConfig{
		Registry:      registry,
		BgAppDuration: cfg.Ranging.BgAppTimeout,
		OnSessionStop: func(session *uwb.Session, _ uwb.Reason) {
			if err := serializer.StopRanging(context.Background(), session.Handle); err != nil {
				logger.Warn("fg/bg policy stop failed",
					slog.Uint64("handle", uint64(session.Handle)), slog.String("error", err.Error()))
			}
		},
	})
	importance.Subscribe(func(uid uint32, level native.ImportanceLevel) {
		fgbg.OnImportanceChanged(uid, uwbImportanceFromNative(level))
	})

	// 7. Run servers.
	if err := runServers(cfg, registry, serializer, router, importance, reg, collector, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("uwbd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("uwbd stopped")
	return 0
}

// capacityPolicies derives per-chip admission caps from the configuration,
// falling back to the ranging section's defaults for any chip that does
// not override them.
func capacityPolicies(cfg *config.Config) map[uwb.ChipID]uwb.CapacityPolicy {
	policies := make(map[uwb.ChipID]uwb.CapacityPolicy, len(cfg.Chips))
	for _, c := range cfg.Chips {
		policy := uwb.CapacityPolicy{
			MaxFira:  cfg.Ranging.MaxFira,
			MaxCcc:   cfg.Ranging.MaxCcc,
			MaxAliro: cfg.Ranging.MaxAliro,
		}
		if c.MaxFira > 0 {
			policy.MaxFira = c.MaxFira
		}
		if c.MaxCcc > 0 {
			policy.MaxCcc = c.MaxCcc
		}
		if c.MaxAliro > 0 {
			policy.MaxAliro = c.MaxAliro
		}
		policies[uwb.ChipID(c.ID)] = policy
	}
	return policies
}

// uwbImportanceFromNative maps the native process-importance feed's level
// onto the fg/bg policy's coarser Importance enum.
func uwbImportanceFromNative(level native.ImportanceLevel) uwb.Importance {
	switch level {
	case native.ImportanceLevelBackground:
		return uwb.ImportanceBackground
	case native.ImportanceLevelGone:
		return uwb.ImportanceGone
	default:
		return uwb.ImportanceForeground
	}
}

// runServers sets up and runs the admin API and metrics HTTP servers using
// an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	registry *uwb.Registry,
	serializer *uwb.Serializer,
	router *uwb.Router,
	importance *native.ImportanceService,
	reg *prometheus.Registry,
	collector *uwbmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	adminSrv := newAdminServer(cfg.HTTP, serializer, registry, importance, collector, logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		router.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		serializer.Run(gCtx)
		return nil
	})

	startHTTPServers(gCtx, g, cfg, adminSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, serializer, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin API and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin API server listening", slog.String("addr", cfg.HTTP.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.HTTP.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration. On
// reload, the log level is updated dynamically via the shared LevelVar.
// Chip topology and capacity policy changes require a restart: the
// registry's admission maps are sized at construction time. Blocks until
// the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and updates
// the dynamic log level. Errors during reload are logged but do not stop
// the daemon -- the previous configuration remains in effect.
func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain sessions + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, drains
// every open ranging session (deiniting each via the serializer), stops
// the flight recorder, then shuts down the HTTP servers.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	serializer *uwb.Serializer,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer drainCancel()
	if err := serializer.DrainAll(drainCtx); err != nil {
		logger.Warn("drain ranging sessions incomplete",
			slog.String("error", err.Error()),
		)
	}

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the Go 1.26 FlightRecorder
// for post-mortem debugging of ranging session failures. The recorder
// maintains a rolling window of execution trace data that can be dumped
// on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAdminServer creates the HTTP server fronting the session admin API
// (open/start/stop/reconfigure/events) plus the retained gRPC-health
// endpoint, both served over plain HTTP/1.1.
func newAdminServer(cfg config.HTTPConfig, serializer *uwb.Serializer, registry *uwb.Registry, importance *native.ImportanceService, collector *uwbmetrics.Collector, logger *slog.Logger) *http.Server {
	srv := server.New(server.Config{
		Serializer: serializer,
		Registry:   registry,
		Metrics:    collector,
		Importance: importance,
		Logger:     logger,
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(cfg.AuthToken),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config Loading
// -------------------------------------------------------------------------

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
