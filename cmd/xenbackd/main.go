// xenbackd - Xen paravirtual device backend daemon
//
// xenbackd serves PV devices for guest domains from dom0 (or a driver
// domain). It watches xenstore for frontends of the configured device
// classes, drives each device through the xenbus handshake and exposes
// the device table over a small HTTP API, MQTT and InfluxDB.
//
// Usage:
//
//	xenbackd                          run the daemon
//	xenbackd token -subject ops       print an API bearer token
//	xenbackd version                  print build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/xenbackend/internal/api"
	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/eventloop"
	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
	"github.com/nerrad567/xenbackend/internal/infrastructure/database"
	"github.com/nerrad567/xenbackend/internal/infrastructure/influxdb"
	"github.com/nerrad567/xenbackend/internal/infrastructure/logging"
	"github.com/nerrad567/xenbackend/internal/infrastructure/mqtt"
	"github.com/nerrad567/xenbackend/internal/lifecycle"
	"github.com/nerrad567/xenbackend/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when XENBACKEND_CONFIG is unset.
	defaultConfigPath = "configs/config.yaml"

	// configEnv names the environment variable holding the config path.
	configEnv = "XENBACKEND_CONFIG"

	// pruneInterval is how often lifecycle history retention runs.
	pruneInterval = 24 * time.Hour

	// healthTimeout bounds the startup health check.
	healthTimeout = 5 * time.Second
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so deferred cleanup runs.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches the subcommand, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//   - stdout: Destination for subcommand output and console lines
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "token":
			return runToken(args[1:], stdout)
		case "version":
			fmt.Fprintf(stdout, "xenbackd %s (commit %s, built %s)\n", version, commit, date)
			return nil
		case "serve":
			args = args[1:]
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %v", args)
	}
	return runDaemon(ctx, stdout)
}

// runDaemon wires the backend core to its telemetry and runs the event
// loop until ctx is cancelled.
//
// Deferred cleanup runs in reverse order: API, backends (emitting their
// final freed events), event loop, recorder (flushing those events),
// InfluxDB, MQTT, database.
func runDaemon(ctx context.Context, stdout io.Writer) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting xenbackd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database and lifecycle history
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	history := lifecycle.NewSQLiteHistoryRepository(db.DB)
	if cfg.Database.RetentionDays > 0 {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		pruneHistory(ctx, history, retention, log)
		go pruneLoop(ctx, history, retention, pruneInterval, log)
	}

	checks := map[string]api.HealthChecker{"database": db}
	view := lifecycle.NewStatusView()
	sinks := []lifecycle.Sink{view, lifecycle.NewHistorySink(history)}

	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		sinks = append(sinks, hub)
	}

	// MQTT (optional)
	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		sinks = append(sinks, lifecycle.NewMQTTSink(mqttClient, mqttClient.Topics()))
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		sinks = append(sinks, lifecycle.NewMetricsSink(influxClient))
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// The recorder must outlive the backend context so the freed events
	// emitted by Shutdown reach every sink.
	recorder := lifecycle.NewRecorder(lifecycle.RecorderOptions{
		Logger: log.Component("lifecycle"),
	}, sinks...)
	if startErr := recorder.Start(ctx); startErr != nil {
		return fmt.Errorf("starting lifecycle recorder: %w", startErr)
	}
	defer func() {
		recorder.Stop()
		log.Info("lifecycle recorder stopped",
			"recorded", recorder.Recorded(),
			"dropped", recorder.Dropped(),
		)
	}()

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}
	defer func() {
		if closeErr := loop.Close(); closeErr != nil {
			log.Error("error closing event loop", "error", closeErr)
		}
	}()

	bctx, err := backend.Open(backend.Config{
		DomID:             cfg.Backend.DomID,
		StorePath:         cfg.XenStore.Socket,
		FallbackStorePath: cfg.XenStore.Fallback,
		Hypervisor: hypervisor.Paths{
			Evtchn:  cfg.Hypervisor.Evtchn,
			Privcmd: cfg.Hypervisor.Privcmd,
			Gntdev:  cfg.Hypervisor.Gntdev,
		},
		Logger:   log.Component("backend"),
		Observer: recorder,
	})
	if err != nil {
		return fmt.Errorf("opening backend context: %w", err)
	}
	defer func() {
		log.Info("shutting down backends")
		if shutdownErr := bctx.Shutdown(); shutdownErr != nil {
			log.Error("error shutting down backends", "error", shutdownErr)
		}
	}()
	log.Info("backend context open", "domid", cfg.Backend.DomID, "domain_path", bctx.DomainPath())

	if addErr := loop.Add(bctx.WatchFd(), watchHandler(bctx, log)); addErr != nil {
		return fmt.Errorf("polling xenstore watches: %w", addErr)
	}

	classes, err := buildClasses(cfg, loop, stdout, log)
	if err != nil {
		return err
	}
	if regErr := registerBackends(bctx, cfg.Backend.Classes, classes, log); regErr != nil {
		return regErr
	}
	log.Info("backends registered",
		"backends", len(bctx.Backends()),
		"devices", len(bctx.Snapshot()),
	)

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, newErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Status:   view,
			History:  history,
			Recorder: recorder,
			Checks:   checks,
			Hub:      hub,
			Version:  version,
		})
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "addr", server.Addr())
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, serving devices")
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses XENBACKEND_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// watchHandler drains every buffered xenstore watch event each time the
// watch descriptor becomes readable.
//
// A read error means the watch connection is gone; it is logged and the
// handler waits for the next readiness.
func watchHandler(bctx *backend.Context, log *logging.Logger) eventloop.Handler {
	return func() {
		for {
			if err := bctx.DispatchWatchEvent(); err != nil {
				if !errors.Is(err, backend.ErrShutdown) {
					log.Error("dispatching watch event", "error", err)
				}
				return
			}
			if !bctx.PendingWatchEvents() {
				return
			}
		}
	}
}

// healthCheck verifies every configured dependency answers.
//
// Parameters:
//   - ctx: Parent context; the check is bounded by healthTimeout
//   - checks: Dependencies by name
//
// Returns:
//   - error: All failures joined, or nil if every check passed
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var errs []error
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// historyPruner is the part of the history repository retention needs.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

func pruneHistory(ctx context.Context, p historyPruner, retention time.Duration, log *logging.Logger) {
	n, err := p.PruneHistory(ctx, retention)
	if err != nil {
		log.Warn("pruning lifecycle history", "error", err)
		return
	}
	if n > 0 {
		log.Info("lifecycle history pruned", "deleted", n, "retention", retention.String())
	}
}

// pruneLoop applies history retention every interval until ctx is done.
func pruneLoop(ctx context.Context, p historyPruner, retention, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneHistory(ctx, p, retention, log)
		}
	}
}
