// Keyway Core - Storage Facility Access Control
//
// This is the main entry point for the Keyway Core service. It carries
// the command queue, the revocation ledger and the signing subsystem
// that together keep facility gateways and smart locks consistent with
// the entitlement state of the resource service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/keyway-access/keyway-core/migrations"

	"github.com/keyway-access/keyway-core/internal/api"
	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/command"
	"github.com/keyway-access/keyway-core/internal/credential"
	"github.com/keyway-access/keyway-core/internal/denylist"
	"github.com/keyway-access/keyway-core/internal/entitlement"
	"github.com/keyway-access/keyway-core/internal/facility"
	"github.com/keyway-access/keyway-core/internal/gateway"
	"github.com/keyway-access/keyway-core/internal/infrastructure/config"
	"github.com/keyway-access/keyway-core/internal/infrastructure/database"
	"github.com/keyway-access/keyway-core/internal/infrastructure/influxdb"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/infrastructure/mqtt"
	"github.com/keyway-access/keyway-core/internal/signer"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,maintidx // linear wiring of every subsystem in dependency order
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Keyway Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker
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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional delivery telemetry)
	var influxClient *influxdb.Client
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Signing subsystem: monotonic counter, signer, verifier
	sgn, err := signer.New(cfg.Signing.OpsPrivateKey, cfg.Signing.RootPrivateKey, signer.NewCounter(db.DB))
	if err != nil {
		return fmt.Errorf("initialising signer: %w", err)
	}
	log.Info("signer initialised")

	// Repositories
	commandRepo := command.NewRepository(db.DB)
	denyRepo := denylist.NewRepository(db.DB)
	passRepo := credential.NewRepository(db.DB)
	deviceRepo := facility.NewRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Gateway transport and presence tracking
	presence := gateway.NewPresenceTracker(mqttClient, log)
	if presenceErr := presence.Start(); presenceErr != nil {
		return fmt.Errorf("starting presence tracker: %w", presenceErr)
	}

	rpcTimeout := time.Duration(cfg.Dispatcher.RPCTimeout) * time.Second
	transport := gateway.NewTransport(mqttClient, byte(cfg.MQTT.QoS), rpcTimeout, log)
	executor := gateway.NewExecutor(transport, presence, sgn, log)

	// Entitlement bus and revocation listener. The bus is fed by the
	// API's entitlement-events endpoint; listener errors stop at the bus.
	routePassTTL := time.Duration(cfg.Revocation.RoutePassTTL) * time.Hour
	bus := entitlement.NewBus(log)
	listenerOpts := []denylist.ListenerOption{denylist.WithAudit(auditRepo)}
	if influxClient != nil {
		listenerOpts = append(listenerOpts, denylist.WithTelemetry(influxClient))
	}
	listener := denylist.NewListener(denyRepo, deviceRepo, passRepo, sgn, transport, routePassTTL, log,
		listenerOpts...)
	bus.Subscribe(listener)
	log.Info("revocation listener subscribed", "route_pass_ttl_hours", cfg.Revocation.RoutePassTTL)

	commandSvc := command.NewService(commandRepo)

	// API server (created early: its hub is the dispatcher's notifier)
	apiServer, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Logger:       log,
		Commands:     commandSvc,
		Queue:        commandRepo,
		Denylist:     denyRepo,
		Passes:       passRepo,
		Signer:       sgn,
		Bus:          bus,
		AuditRepo:    auditRepo,
		MQTT:         mqttClient,
		Presence:     presence,
		DB:           db.DB,
		RoutePassTTL: routePassTTL,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Command dispatcher
	backoff := command.BackoffPolicy{
		Base:   time.Duration(cfg.Dispatcher.Backoff.BaseSeconds) * time.Second,
		Rate:   cfg.Dispatcher.Backoff.Rate,
		Cap:    time.Duration(cfg.Dispatcher.Backoff.CapSeconds) * time.Second,
		Jitter: cfg.Dispatcher.Backoff.JitterFraction,
	}
	activationGuard := denylist.NewActivationGuard(denyRepo, sgn, commandSvc, log)
	dispatcherOpts := []command.DispatcherOption{
		command.WithNotifier(apiServer.Hub()),
		command.WithSuccessHook(activationGuard.AfterSuccess),
		command.WithSuccessHook(func(ctx context.Context, cmd *command.Command, result *command.Result) {
			details := map[string]any{
				"command_type": string(cmd.Type),
				"gateway_id":   cmd.GatewayID,
				"attempts":     cmd.AttemptCount,
			}
			// Gateways return the assigned key code on ADD_KEY; keep it
			// with the audit row so operators can trace physical codes.
			if result != nil {
				if code, ok := result.Data["key_code"]; ok {
					details["key_code"] = code
				}
			}
			if err := auditRepo.Create(ctx, &audit.AuditLog{
				Action:     audit.ActionCommandDelivered,
				EntityType: audit.EntityCommand,
				EntityID:   cmd.ID,
				Source:     audit.SourceSystem,
				Details:    details,
			}); err != nil {
				log.Error("audit write failed", "command_id", cmd.ID, "error", err)
			}
		}),
	}
	if influxClient != nil {
		dispatcherOpts = append(dispatcherOpts, command.WithTelemetry(influxClient))
	}
	dispatcher := command.NewDispatcher(
		commandRepo, executor, backoff,
		time.Duration(cfg.Dispatcher.PollInterval)*time.Second,
		cfg.Dispatcher.BatchSize,
		log,
		dispatcherOpts...,
	)
	dispatcher.Start(ctx)
	defer func() {
		log.Info("stopping dispatcher")
		dispatcher.Stop()
	}()
	log.Info("dispatcher started",
		"poll_interval", cfg.Dispatcher.PollInterval,
		"batch_size", cfg.Dispatcher.BatchSize,
	)

	// Expired-row pruner (sweeps at startup, then on its interval)
	pruner := denylist.NewPruner(denyRepo, time.Duration(cfg.Revocation.PruneInterval)*time.Hour, log)
	pruner.Start(ctx)
	defer func() {
		log.Info("stopping pruner")
		pruner.Stop()
	}()

	// API server last: everything it depends on is live
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Pruner
	// 3. Dispatcher
	// 4. InfluxDB (if enabled)
	// 5. MQTT
	// 6. Database

	log.Info("Keyway Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses KEYWAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KEYWAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
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
