package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/smartylighting/lightbus/migrations"

	"github.com/smartylighting/lightbus/internal/api"
	"github.com/smartylighting/lightbus/internal/infrastructure/config"
	"github.com/smartylighting/lightbus/internal/infrastructure/database"
	"github.com/smartylighting/lightbus/internal/infrastructure/influxdb"
	"github.com/smartylighting/lightbus/internal/infrastructure/logging"
	"github.com/smartylighting/lightbus/internal/infrastructure/mqtt"
	"github.com/smartylighting/lightbus/internal/journal"
	"github.com/smartylighting/lightbus/internal/streetlight"
)

const (
	// shutdownTimeout bounds the MQTT disconnect and the journal drain.
	shutdownTimeout = 15 * time.Second

	// retentionInterval is how often old journal rows are pruned.
	retentionInterval = time.Hour
)

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting lightbus",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	var observers []mqtt.Observer

	// Event journal (optional)
	var (
		db           *database.DB
		journalRepo  journal.Repository
		journalObs   *journal.Observer
		pruneJournal func(context.Context) error
	)
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("journal database ready", "path", cfg.Database.Path)

		repo := journal.NewSQLiteRepository(db)
		journalRepo = repo
		journalObs = journal.NewObserver(repo, journal.WithLogger(log.With("component", "journal")))
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if closeErr := journalObs.Close(drainCtx); closeErr != nil {
				log.Warn("journal not fully drained", "error", closeErr, "dropped", journalObs.Dropped())
			}
		}()
		observers = append(observers, journalObs)

		pruneJournal = journal.Retention{
			Repo:       repo,
			MaxAge:     time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour,
			Interval:   retentionInterval,
			Checkpoint: db,
			Logger:     log,
		}.Run
	} else {
		log.Info("event journal disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB,
			influxdb.WithErrorHandler(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection",
				"points_queued", stats.Queued,
				"failed_writes", stats.FailedWrites,
			)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		observers = append(observers, influxdb.NewRecorder(influxClient, cfg.Site.ID))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Street-light service and its bindings
	bindings := bindingsFor(cfg)
	svcOpts := []streetlight.Option{
		streetlight.WithLogger(log.With("component", "streetlight")),
		streetlight.WithFilters(streetlight.InboundFilters(bindings)),
	}
	if influxClient != nil {
		svcOpts = append(svcOpts, streetlight.WithMeasurementWriter(influxClient))
	}
	svc := streetlight.NewService(streetlight.NewRegistry(), svcOpts...)

	handlers := svc.Handlers()
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(api.HubConfig{}, log.With("component", "websocket"))
		handlers = hub.RelayAll(handlers)
		observers = append(observers, hub)
	}

	set, err := streetlight.SubscriptionSet(bindings, handlers)
	if err != nil {
		return fmt.Errorf("building bindings: %w", err)
	}

	rt, err := newRuntime(cfg, set, log, observers...)
	if err != nil {
		return err
	}
	svc.SetPublisher(rt)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting MQTT runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("disconnecting from MQTT")
		if stopErr := rt.Shutdown(shutdownCtx); stopErr != nil {
			log.Error("error shutting down MQTT runtime", "error", stopErr)
		}
	}()
	log.Info("MQTT runtime started",
		"broker", cfg.MQTT.Broker.Address,
		"client_id", cfg.MQTT.Broker.ClientID,
		"bindings", set.Len(),
	)

	// Status API (optional)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Runtime: rt,
			Journal: journalRepo,
			Lamps:   svc.Lamps(),
			Hub:     hub,
			Site:    cfg.Site.ID,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, rt, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	if pruneJournal != nil {
		g.Go(func() error { return pruneJournal(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Deferred calls run in reverse order: API, MQTT, InfluxDB, journal
	// drain, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// newRuntime maps the MQTT config section onto the runtime.
func newRuntime(cfg *config.Config, set *mqtt.SubscriptionSet, log *logging.Logger, observers ...mqtt.Observer) (*mqtt.Runtime, error) {
	endpoint, err := mqtt.ParseEndpoint(
		cfg.MQTT.Broker.Address,
		cfg.MQTT.Broker.ClientID,
		cfg.MQTT.Auth.Username,
		cfg.MQTT.Auth.Password,
	)
	if err != nil {
		return nil, fmt.Errorf("parsing broker address: %w", err)
	}

	opts := []mqtt.RuntimeOption{mqtt.WithRuntimeLogger(log.With("component", "mqtt"))}
	for _, o := range observers {
		opts = append(opts, mqtt.WithRuntimeObserver(o))
	}

	rt, err := mqtt.NewRuntime(mqtt.RuntimeConfig{
		Endpoint: endpoint,
		Connection: mqtt.ConnectionConfig{
			ConnectionTimeout: cfg.MQTT.Timeouts.Connection,
			DisconnectTimeout: cfg.MQTT.Timeouts.Disconnection,
			CompletionTimeout: cfg.MQTT.Timeouts.Completion,
		},
		Reconnect: mqtt.ReconnectPolicy{
			InitialDelay: cfg.MQTT.Reconnect.InitialDelay,
			MaxDelay:     cfg.MQTT.Reconnect.MaxDelay,
			Multiplier:   cfg.MQTT.Reconnect.Multiplier,
			Jitter:       cfg.MQTT.Reconnect.Jitter,
		},
		HandlerTimeout: cfg.MQTT.HandlerTimeout,
		StatusTopic:    cfg.MQTT.StatusTopic,
		RateLimit:      cfg.MQTT.Publish.RateLimit,
		RateBurst:      cfg.MQTT.Publish.Burst,
	}, set, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating MQTT runtime: %w", err)
	}
	return rt, nil
}

// publishOnce connects with only the outbound bindings, sends one
// message and disconnects.
func publishOnce(ctx context.Context, cfg *config.Config, log *logging.Logger, f publishFlags) (mqtt.PublishOutcome, error) {
	set, err := streetlight.SubscriptionSet(outboundOnly(bindingsFor(cfg)), nil)
	if err != nil {
		return mqtt.PublishOutcome{}, fmt.Errorf("building bindings: %w", err)
	}

	rt, err := newRuntime(cfg, set, log)
	if err != nil {
		return mqtt.PublishOutcome{}, err
	}
	if err := rt.Start(ctx); err != nil {
		return mqtt.PublishOutcome{}, fmt.Errorf("connecting to %s: %w", cfg.MQTT.Broker.Address, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := rt.Shutdown(shutdownCtx); stopErr != nil {
			log.Warn("error shutting down MQTT runtime", "error", stopErr)
		}
	}()

	if f.binding != "" {
		return rt.PublishBinding(ctx, f.binding, f.params, []byte(f.payload))
	}
	return rt.Publish(ctx, mqtt.PublishRequest{
		Topic:    f.topic,
		Payload:  []byte(f.payload),
		QoS:      byte(f.qos),
		Retained: f.retained,
		Async:    f.async,
	})
}

// healthCheck verifies every enabled component. Nil components are skipped.
func healthCheck(ctx context.Context, db *database.DB, rt *mqtt.Runtime, influxClient *influxdb.Client, apiServer *api.Server) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := rt.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	return nil
}
