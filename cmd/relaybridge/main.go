// Package main is the entry point for the relay bridge service.
//
// The bridge connects Devantech relay modules (TCP or USB) to a switch
// namespace carried over MQTT. It also runs an optional switch journal in
// SQLite, optional InfluxDB telemetry and a read-only status API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/api"
	"github.com/nerrad567/gray-logic-relay/internal/bridges/relay"
	"github.com/nerrad567/gray-logic-relay/internal/history"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/mqtt"

	// Registers the embedded schema migrations.
	_ "github.com/nerrad567/gray-logic-relay/migrations"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// pruneInterval is how often the journal pruner runs.
	pruneInterval = time.Hour

	// startupCheckTimeout bounds the dependency checks run before the
	// service reports itself initialised.
	startupCheckTimeout = 5 * time.Second

	// moduleMeasurement is the InfluxDB measurement for module link telemetry.
	moduleMeasurement = "relay_module"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts every component and blocks until ctx is cancelled.
// Components are stopped by deferred calls in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("relay bridge starting",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "relay_config", cfg.Relay.ConfigFile)

	// Relay modules are loaded before any connection so a bad file fails fast.
	relayCfg, err := relay.LoadConfig(cfg.Relay.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading relay config: %w", err)
	}
	log.Info("relay config loaded",
		"path", cfg.Relay.ConfigFile,
		"modules", len(relayCfg.Modules),
	)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
	)

	var observers stateObservers
	checks := map[string]api.HealthChecker{"mqtt": mqttClient}

	var journal history.Repository
	if cfg.Database.Enabled {
		db, err := database.Open(database.ConfigFrom(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		schema, err := db.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		log.Info("database ready", "path", db.Path(), "schema_version", schema)
		checks["database"] = db

		repo := history.NewSQLiteRepository(db.DB)
		journal = repo

		recorder := history.NewRecorder(repo)
		recorder.SetLogger(log)
		observers = append(observers, recorder)

		pruner := history.NewPruner(repo, cfg.GetRetention(), pruneInterval)
		pruner.SetLogger(log)
		pruner.Start(ctx)
		defer pruner.Stop()
	} else {
		log.Info("switch journal disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		observers = append(observers, influxObserver{client: influxClient})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	adapter := &mqttBusAdapter{client: mqttClient}
	bus := relay.NewMQTTBus(adapter, relayCfg.Bus, log)

	bridge, err := relay.NewBridge(relay.BridgeOptions{
		Config:          relayCfg,
		Source:          bus,
		Sink:            bus,
		HealthPublisher: adapter,
		Observer:        observers.orNil(),
		Logger:          log,
		Version:         version,
	})
	if err != nil {
		return fmt.Errorf("creating relay bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting relay bridge: %w", err)
	}
	defer func() {
		log.Info("stopping relay bridge")
		bridge.Stop()
	}()

	if influxClient != nil {
		var telemetry sync.WaitGroup
		telemetry.Add(1)
		go func() {
			defer telemetry.Done()
			runModuleTelemetry(ctx, influxClient, bridge, relayCfg.GetHealthInterval())
		}()
		defer telemetry.Wait()
	}

	// The API reports the service checks; startup also verifies the API itself.
	startupChecks := make(map[string]api.HealthChecker, len(checks)+1)
	for name, c := range checks {
		startupChecks[name] = c
	}

	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Bridge:  bridge,
			MQTT:    mqttClient,
			History: journal,
			Checks:  checks,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server listening", "addr", server.Addr())
		startupChecks["api"] = server
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, startupChecks); err != nil {
		return err
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RELAYBRIDGE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("RELAYBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck runs every startup check in name order and returns the
// first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check: %w", name, err)
		}
	}
	return nil
}

// pointWriter is the telemetry side of *influxdb.Client.
type pointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// moduleStatusSource is the status side of *relay.Bridge.
type moduleStatusSource interface {
	ModuleStatuses() []relay.ModuleStatus
}

// runModuleTelemetry writes module link counters every interval until ctx
// is cancelled.
func runModuleTelemetry(ctx context.Context, w pointWriter, src moduleStatusSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeModuleTelemetry(w, src)
		}
	}
}

// writeModuleTelemetry writes one point per operating module.
func writeModuleTelemetry(w pointWriter, src moduleStatusSource) {
	for _, m := range src.ModuleStatuses() {
		if !m.Operating {
			continue
		}
		w.WritePoint(moduleMeasurement,
			map[string]string{"module": m.ID, "scheme": m.Scheme},
			map[string]interface{}{
				"connected":   m.Connected,
				"frames_rx":   int64(m.FramesRx),   //nolint:gosec // G115: counters stay far below MaxInt64
				"commands_tx": int64(m.CommandsTx), //nolint:gosec // G115: counters stay far below MaxInt64
				"failures":    int64(m.Failures),   //nolint:gosec // G115: counters stay far below MaxInt64
				"errors":      int64(m.Errors),     //nolint:gosec // G115: counters stay far below MaxInt64
			},
		)
	}
}

// stateObservers fans a switch state out to every observer in order.
type stateObservers []relay.StateObserver

// SwitchStateChanged implements relay.StateObserver.
func (o stateObservers) SwitchStateChanged(key string, state int, origin string) {
	for _, obs := range o {
		obs.SwitchStateChanged(key, state, origin)
	}
}

// orNil returns o, or nil when there is nothing to notify.
func (o stateObservers) orNil() relay.StateObserver {
	if len(o) == 0 {
		return nil
	}
	return o
}

// influxObserver records published switch states as InfluxDB points.
type influxObserver struct {
	client *influxdb.Client
}

// SwitchStateChanged implements relay.StateObserver.
func (o influxObserver) SwitchStateChanged(key string, state int, origin string) {
	o.client.WriteSwitchState(key, state, origin)
}

// mqttBusAdapter adapts the infrastructure MQTT client to relay.MQTTClient.
// The relay handlers do not return errors, so they are wrapped to return nil.
type mqttBusAdapter struct {
	client *mqtt.Client
}

// Publish implements relay.MQTTClient.
func (a *mqttBusAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements relay.MQTTClient.
func (a *mqttBusAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements relay.MQTTClient.
func (a *mqttBusAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements relay.MQTTClient.
func (a *mqttBusAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
