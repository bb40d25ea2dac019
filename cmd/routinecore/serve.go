package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/nerrad567/routine-core/internal/api"
	"github.com/nerrad567/routine-core/internal/audit"
	"github.com/nerrad567/routine-core/internal/bus"
	"github.com/nerrad567/routine-core/internal/device"
	"github.com/nerrad567/routine-core/internal/engine"
	"github.com/nerrad567/routine-core/internal/infrastructure/config"
	"github.com/nerrad567/routine-core/internal/infrastructure/database"
	"github.com/nerrad567/routine-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/routine-core/internal/infrastructure/logging"
	"github.com/nerrad567/routine-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/routine-core/internal/infrastructure/tracing"
	"github.com/nerrad567/routine-core/internal/routine"
	"github.com/nerrad567/routine-core/internal/routines"
	"github.com/nerrad567/routine-core/migrations"
)

// shutdownTimeout bounds the engine's final stop, including the routine's
// end callback and the commands it sends.
const shutdownTimeout = 15 * time.Second

const serviceName = "routinecore"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, MQTT bus and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to config.yaml
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting routine-core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if flushErr := shutdownTracing(flushCtx); flushErr != nil {
			log.Error("error flushing traces", "error", flushErr)
		}
	}()

	db, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	// Device registry, rebuilt from the devices seen on previous runs
	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log.Component("registry"))
	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetStats().TotalDevices)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
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

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var telemetry engine.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		deviceRegistry.SetObserver(influxClient)
		telemetry = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT bus: device reports in, commands and engine broadcasts out
	deviceBus := bus.New(mqttClient, deviceRegistry, bus.Options{
		QoS:    mqttClient.DefaultQoS(),
		Logger: log.Component("bus"),
	})
	deviceRegistry.SetTransport(deviceBus)
	if startErr := deviceBus.Start(ctx); startErr != nil {
		return fmt.Errorf("starting MQTT bus: %w", startErr)
	}
	defer func() {
		log.Info("stopping MQTT bus")
		deviceBus.Stop()
	}()

	go deviceRegistry.RunLivenessMonitor(ctx, cfg.GetSweepInterval(), cfg.GetLivenessTimeout())

	catalog, err := buildCatalog(cfg.Engine)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The hub exists before the server so the engine can broadcast to it
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(hubCtx)

	eng := engine.New(engine.Deps{
		Catalog:      catalog,
		Registry:     deviceRegistry,
		Runs:         engine.NewSQLiteRunStore(db.DB),
		Metrics:      engine.NewMetrics(promRegistry),
		Telemetry:    telemetry,
		Broadcasters: []engine.Broadcaster{hub, deviceBus},
		Logger:       log.Component("engine"),
		Tracer:       otel.Tracer("github.com/nerrad567/routine-core/internal/engine"),
	}, engine.Config{
		CallTimeout:        cfg.GetCallTimeout(),
		RecentLogSize:      cfg.Engine.RecentLogSize,
		AllowHighIntensity: cfg.Engine.AllowHighIntensity,
	})
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("stopping engine")
		if stopErr := eng.Shutdown(stopCtx); stopErr != nil {
			log.Error("error stopping engine", "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Engine:      eng,
			Catalog:     catalog,
			Registry:    deviceRegistry,
			MQTT:        mqttClient,
			DB:          db.DB,
			Audit:       audit.NewSQLiteRepository(db.DB),
			Gatherer:    promRegistry,
			ExternalHub: hub,
			Version:     version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"routines", len(catalog.List()),
		"allow_high_intensity", cfg.Engine.AllowHighIntensity,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, engine (ends any run while
	// the bus can still deliver its commands), hub, bus, InfluxDB, MQTT,
	// database, tracing.

	log.Info("routine-core stopped")
	return nil
}

// openDatabase opens SQLite and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// buildCatalog registers the built-in routines and applies the configured
// restriction.
func buildCatalog(cfg config.EngineConfig) (*routine.Catalog, error) {
	catalog, err := routines.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("building routine catalog: %w", err)
	}
	catalog.Restrict(cfg.Catalog)
	if len(catalog.List()) == 0 {
		return nil, fmt.Errorf("engine.catalog %v matches no built-in routine", cfg.Catalog)
	}
	return catalog, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
