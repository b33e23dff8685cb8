// Command anvil runs the backend server: auto-generated REST routes for
// every collection under the resources directory, event scripts, and the
// realtime WebSocket hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/anvil/pkg/api"
	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/broker"
	"github.com/platinummonkey/anvil/pkg/config"
	"github.com/platinummonkey/anvil/pkg/events"
	"github.com/platinummonkey/anvil/pkg/observability"
	"github.com/platinummonkey/anvil/pkg/pipeline"
	"github.com/platinummonkey/anvil/pkg/realtime"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
	"github.com/platinummonkey/anvil/pkg/store/mongostore"
	"github.com/platinummonkey/anvil/pkg/store/sqlstore"
)

// Exit codes, distinguishable for process supervisors.
const (
	exitGeneric = 1
	exitConfig  = 2
	exitStorage = 3
)

func main() {
	port := flag.String("port", "", "listen port (overrides PORT and the config file)")
	configPath := flag.String("config", "", "path to the YAML config file")
	stateDir := flag.String("state-dir", "", "directory for security state, plugin builds and SQLite files")
	resourcesDir := flag.String("resources-dir", "", "directory holding collection definitions and scripts")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *resourcesDir != "" {
		cfg.ResourcesDir = *resourcesDir
	}

	log := observability.NewLogger(cfg.Production)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("server exited")
		code := exitGeneric
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func run(cfg *config.Config, log *logrus.Logger) error {
	security, err := config.LoadSecurity(cfg.StateDir, cfg.Production, log)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	registry := schema.NewRegistry(cfg.ResourcesDir, log)
	if err := registry.Load(); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return &exitError{code: exitStorage, err: err}
	}
	defer st.Close()

	ctx := context.Background()
	for _, col := range registry.All() {
		if err := st.EnsureCollection(ctx, col); err != nil {
			return &exitError{code: exitStorage, err: fmt.Errorf("preparing collection %s: %w", col.Name, err)}
		}
	}

	serverID := uuid.NewString()

	var b broker.Broker
	if cfg.Realtime.RedisURL != "" {
		b, err = broker.NewRedis(cfg.Realtime.RedisURL, serverID, log)
		if err != nil {
			return fmt.Errorf("connecting event broker: %w", err)
		}
	} else {
		b = broker.NewMemory(serverID)
	}
	defer b.Close()

	var native *events.NativeEngine
	if cfg.Scripts.NativeEnabled {
		native = events.NewNativeEngine(
			filepath.Join(cfg.StateDir, ".deployd", "plugins"),
			"github.com/platinummonkey/anvil",
			".",
			log,
		)
	}
	host := events.NewHost(registry, native, cfg.Scripts.Timeout, log)

	metrics := observability.NewMetrics()
	host.SetObserver(func(collection string, phase events.Phase, status string, elapsed time.Duration) {
		metrics.ScriptRunsTotal.WithLabelValues(collection, string(phase), status).Inc()
		metrics.ScriptRunDuration.WithLabelValues(collection, string(phase)).Observe(elapsed.Seconds())
		if status == "timeout" {
			metrics.ScriptTimeoutsTotal.WithLabelValues(collection, string(phase)).Inc()
		}
	})

	tokens := auth.NewTokenManager(security.JWTSecret(), security.JWTExpiration())

	hub := realtime.NewHub(serverID, b, nil, cfg.Server.AllowedOrigins, log)
	metrics.RegisterHubGauges(hub.ConnectionCount, hub.RoomCount)

	pl := pipeline.New(pipeline.Config{
		Store:        st,
		Registry:     registry,
		Host:         host,
		Emitter:      instrumentedEmitter{hub: hub, metrics: metrics},
		Log:          log,
		Production:   cfg.Production,
		MongoCapable: strings.HasPrefix(cfg.Storage.DatabaseURL, "mongodb"),
	})

	authmw := auth.NewMiddleware(tokens, security.MasterKey, pl)
	hub.SetAuthenticator(authmw)

	watcher, err := events.NewWatcher(registry, host, log)
	if err != nil {
		log.WithError(err).Warn("script watcher unavailable; edits need a restart")
	}

	watchdog := observability.NewWatchdog(st, b, log)
	if err := watchdog.Start(); err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Pipeline:       pl,
		Registry:       registry,
		Store:          st,
		Hub:            hub,
		Security:       security,
		Tokens:         tokens,
		Auth:           authmw,
		Watchdog:       watchdog,
		Metrics:        metrics,
		Log:            log,
		ServerID:       serverID,
		Production:     cfg.Production,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout)
	shutdown.Register("watchdog", func(context.Context) error { watchdog.Stop(); return nil })
	if watcher != nil {
		shutdown.Register("script watcher", func(context.Context) error { return watcher.Close() })
	}
	shutdown.Register("realtime hub", hub.Shutdown)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run()
			return nil
		})
	}
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":       cfg.Addr(),
			"storage":    storageName(cfg.Storage.DatabaseURL),
			"production": cfg.Production,
		}).Info("anvil listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.WithField("signal", s.String()).Info("shutting down")
		case <-ctx.Done():
			return ctx.Err()
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(stopCtx); err != nil {
			return err
		}
		return shutdown.Shutdown()
	})

	return g.Wait()
}

// openStore picks the backend from the DATABASE_URL scheme. No URL means
// a SQLite file under the data directory.
func openStore(cfg *config.Config, log *logrus.Logger) (store.Store, error) {
	url := cfg.Storage.DatabaseURL
	switch {
	case strings.HasPrefix(url, "mongodb://"), strings.HasPrefix(url, "mongodb+srv://"):
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return mongostore.Open(ctx, url, "anvil", log)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return sqlstore.Open(sqlstore.Postgres, url, log)
	case strings.HasPrefix(url, "sqlite://"):
		return sqlstore.Open(sqlstore.SQLite, strings.TrimPrefix(url, "sqlite://"), log)
	default:
		dir := filepath.Join(cfg.StateDir, cfg.Storage.DataDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return sqlstore.Open(sqlstore.SQLite, filepath.Join(dir, "anvil.db"), log)
	}
}

func storageName(url string) string {
	switch {
	case strings.HasPrefix(url, "mongodb"):
		return "mongodb"
	case strings.HasPrefix(url, "postgres"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// instrumentedEmitter counts emitted collection events on their way to
// the hub.
type instrumentedEmitter struct {
	hub     *realtime.Hub
	metrics *observability.Metrics
}

func (e instrumentedEmitter) EmitCollectionChange(collection, action string, doc interface{}) {
	e.metrics.EventsEmittedTotal.WithLabelValues(collection, action).Inc()
	e.hub.EmitCollectionChange(collection, action, doc)
}

func (e instrumentedEmitter) Emit(event string, data interface{}, room string) {
	e.hub.Emit(event, data, room)
}
