package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-lock-hub/internal/coordinator"
	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/ncp"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/web"
	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
	"zigbee-lock-hub/internal/zha"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	NCP struct {
		Type    string          `yaml:"type"` // "sim"
		Devices []ncp.SimDevice `yaml:"devices"`
	} `yaml:"ncp"`
	Network struct {
		Channel  uint8  `yaml:"channel"`
		PanID    uint16 `yaml:"pan_id"`
		ExtPanID string `yaml:"extended_pan_id"`
	} `yaml:"network"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Availability struct {
		Mains             time.Duration `yaml:"mains"`
		Battery           time.Duration `yaml:"battery"`
		CheckInterval     time.Duration `yaml:"check_interval"`
		AutoEnableTraffic *bool         `yaml:"auto_enable_traffic"`
	} `yaml:"availability"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	DevicesDir string `yaml:"devices_dir"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.NCP.Type != "sim" {
		return fmt.Errorf("unknown NCP type: %q (supported: sim)", c.NCP.Type)
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	seen := make(map[string]bool, len(c.NCP.Devices))
	for i, d := range c.NCP.Devices {
		if len(d.IEEE) != 16 {
			return fmt.Errorf("ncp.devices[%d]: ieee must be 16 hex digits, got %q", i, d.IEEE)
		}
		key := strings.ToUpper(d.IEEE)
		if seen[key] {
			return fmt.Errorf("ncp.devices[%d]: duplicate ieee %s", i, d.IEEE)
		}
		seen[key] = true
	}
	return nil
}

func (c *Config) gatewayConfig() zha.Config {
	auto := true
	if c.Availability.AutoEnableTraffic != nil {
		auto = *c.Availability.AutoEnableTraffic
	}
	return zha.Config{
		ConsiderUnavailableMains:   c.Availability.Mains,
		ConsiderUnavailableBattery: c.Availability.Battery,
		CheckInterval:              c.Availability.CheckInterval,
		AutoEnableTraffic:          auto,
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-lock-hub starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	registry := zcl.NewRegistry(logger)
	for _, c := range clusters.Standard() {
		registry.Register(c)
	}

	// Device definitions may add custom clusters to the registry.
	deviceDB, err := coordinator.LoadDeviceDir(cfg.DevicesDir, registry, logger)
	if err != nil {
		return fmt.Errorf("load device definitions: %w", err)
	}
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()), "devices", deviceDB.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	backend, err := ncp.NewSimNCP(cfg.NCP.Devices, logger)
	if err != nil {
		return fmt.Errorf("create NCP backend: %w", err)
	}
	defer backend.Close()
	logger.Info("using simulated NCP", "devices", len(cfg.NCP.Devices))

	extPanID, err := coordinator.ParseExtPanID(cfg.Network.ExtPanID)
	if err != nil {
		return fmt.Errorf("parse ext pan id: %w", err)
	}

	bus := events.NewBus(logger)
	coord := coordinator.New(backend, db, registry, deviceDB, bus, coordinator.Config{
		Channel:  cfg.Network.Channel,
		PanID:    cfg.Network.PanID,
		ExtPanID: extPanID,
	}, coordinator.NCPConfig{Type: cfg.NCP.Type}, logger)

	hub := core.NewHub(bus, logger)
	gw := zha.NewGateway(hub, db, registry, zha.CoordinatorTransport{Coord: coord}, cfg.gatewayConfig(), logger)
	// The gateway restores stored devices and subscribes before the
	// network comes up so no join or report is missed.
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer gw.Stop()

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	// Automation is a no-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(hub, cfg, logger)
	defer auto.Stop()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(hub, gw, coord, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT is a no-op when built with the no_mqtt tag.
	mqtt := initMQTT(hub, gw, cfg, logger)
	defer mqtt.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	hub.BlockTillDone()
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.NCP.Type == "" {
		cfg.NCP.Type = "sim"
	}
	if cfg.Network.Channel == 0 {
		cfg.Network.Channel = 15
	}
	if cfg.Network.PanID == 0 {
		cfg.Network.PanID = 0x1A62
	}
	if cfg.Network.ExtPanID == "" {
		cfg.Network.ExtPanID = "DDDDDDDDDDDDDDDD"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-lock-hub.db"
	}
	if cfg.DevicesDir == "" {
		cfg.DevicesDir = "devices"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-lock-hub"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
