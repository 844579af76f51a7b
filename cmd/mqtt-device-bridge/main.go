package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-device-bridge/config"
	"mqtt-device-bridge/internal/device"
	"mqtt-device-bridge/internal/engine"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/metrics"
)

func main() {
	// Command line flags for config and device registry
	configPath := flag.String("config", "config/config.json", "path to config file")
	devicesPath := flag.String("devices", "", "override device registry path (empty = use config)")

	// Optional override flags
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(*devicesPath, *metricsAddrOverride, *metricsPathOverride)

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		// Setup metrics HTTP server
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Load the device registry
	registry, err := device.LoadRegistry(cfg.Bridge.DeviceRegistry, logger)
	if err != nil {
		logger.Fatal("failed to load device registry", "error", err)
	}

	// The in-memory provider stands in for a real device backend. Deployments
	// embedding the bridge supply their own device.Provider implementation.
	provider := newMemoryProvider(registry)

	bridge, err := engine.New(cfg, registry, provider, logger, metricsService)
	if err != nil {
		logger.Fatal("failed to create bridge engine", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Start(ctx); err != nil {
		logger.Fatal("failed to start bridge engine", "error", err)
	}

	logger.Info("mqtt-device-bridge started",
		"instance", cfg.Bridge.InstanceID,
		"broker", cfg.MQTT.Broker,
		"devices", registry.Len(),
		"metricsEnabled", cfg.Metrics.Enabled)

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	exitCode := 0
	for {
		select {
		case err := <-bridge.Done():
			logger.Error("bridge engine halted", "error", err)
			exitCode = 1
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if stats, err := bridge.Stats().GetStatsJSON(); err == nil {
					logger.Info("received SIGHUP", "stats", string(stats))
				}
				continue
			}
			logger.Info("shutting down...")
		}

		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown metrics server", "error", err)
			}
		}

		cancel()
		bridge.Stop(shutdownCtx)
		shutdownCancel()
		os.Exit(exitCode)
	}
}

// memoryProvider is a self-contained backend holding device values in memory.
// Reads return the current snapshot and writes merge into it.
type memoryProvider struct {
	mu     sync.Mutex
	values map[string]map[string]interface{}
}

func newMemoryProvider(registry *device.Registry) *memoryProvider {
	p := &memoryProvider{values: make(map[string]map[string]interface{})}
	for _, dev := range registry.Devices() {
		p.values[dev.ID] = map[string]interface{}{}
	}
	return p
}

func (p *memoryProvider) Read(deviceID string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make(map[string]interface{}, len(p.values[deviceID]))
	for k, v := range p.values[deviceID] {
		snapshot[k] = v
	}
	return snapshot, nil
}

func (p *memoryProvider) Write(deviceID string, values map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.values[deviceID]
	if !ok {
		current = make(map[string]interface{})
		p.values[deviceID] = current
	}
	for k, v := range values {
		current[k] = v
	}
	return nil
}
