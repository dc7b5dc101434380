package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"eq3-go-home/internal/radio"
	"eq3-go-home/internal/store"
	"eq3-go-home/internal/telemetry"
	"eq3-go-home/internal/thermostat"
	"eq3-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Address           string        `yaml:"address"`
		Name              string        `yaml:"name"`
		ConnectionTimeout time.Duration `yaml:"connection_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		CacheTTL          time.Duration `yaml:"cache_ttl"`
		CommandTimeout    time.Duration `yaml:"command_timeout"`
	} `yaml:"device"`
	Radio struct {
		Type    string        `yaml:"type"` // "serial" or "sim"
		Port    string        `yaml:"port"`
		Baud    int           `yaml:"baud"`
		Latency time.Duration `yaml:"latency"` // sim only
	} `yaml:"radio"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled         bool          `yaml:"enabled"`
		Broker          string        `yaml:"broker"`
		Username        string        `yaml:"username"`
		Password        string        `yaml:"password"`
		TopicPrefix     string        `yaml:"topic_prefix"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		RemoveDiscovery bool          `yaml:"remove_discovery"`
	} `yaml:"mqtt"`
	Store struct {
		Path       string `yaml:"path"`
		MaxEntries int    `yaml:"max_entries"`
	} `yaml:"store"`
	InfluxDB telemetry.Config `yaml:"influxdb"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

var macRe = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func (c *Config) validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address is required")
	}
	if !macRe.MatchString(c.Device.Address) {
		return fmt.Errorf("device.address must look like 00:1A:22:XX:XX:XX, got %q", c.Device.Address)
	}
	switch c.Radio.Type {
	case "serial":
		if c.Radio.Port == "" {
			return fmt.Errorf("radio.port is required for radio.type serial")
		}
	case "sim":
	default:
		return fmt.Errorf("unknown radio.type %q (supported: serial, sim)", c.Radio.Type)
	}
	if c.Device.ConnectionTimeout < 0 || c.Device.IdleTimeout < 0 || c.Device.CacheTTL < 0 || c.Device.CommandTimeout < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	return nil
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
	logger.Info("eq3-go-home starting", "version", version, "device", cfg.Device.Address)

	// Open the event journal
	db, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.MaxEntries)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	driver, err := createDriver(cfg, logger)
	if err != nil {
		logger.Error("create radio driver", "err", err)
		os.Exit(1)
	}
	defer driver.Close()

	events := thermostat.NewEventBus(logger)
	unsubJournal := recordJournal(events, db, logger)

	thermo := thermostat.New(thermostat.Config{
		Address:           cfg.Device.Address,
		Name:              cfg.Device.Name,
		ConnectionTimeout: cfg.Device.ConnectionTimeout,
		IdleTimeout:       cfg.Device.IdleTimeout,
		CacheTTL:          cfg.Device.CacheTTL,
		CommandTimeout:    cfg.Device.CommandTimeout,
	}, driver, events, logger)

	// Telemetry is optional; a failed ping only disables it.
	var influx *telemetry.Influx
	var unsubInflux func()
	if in, err := telemetry.Connect(cfg.InfluxDB, logger.With("component", "influx")); err == nil {
		influx = in
		unsubInflux = influx.Subscribe(events)
		logger.Info("influxdb telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else if !errors.Is(err, telemetry.ErrDisabled) {
		logger.Warn("influxdb telemetry unavailable", "err", err)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(thermo, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithJournal(db), web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(thermo, logger.With("component", "web"), webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // a first read may wait for the BLE handshake
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(thermo, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	thermo.Close()
	if influx != nil {
		unsubInflux()
		influx.Close()
	}
	unsubJournal()

	logger.Info("goodbye")
}

func createDriver(cfg *Config, logger *slog.Logger) (radio.Driver, error) {
	switch cfg.Radio.Type {
	case "serial":
		logger.Info("using BLE co-processor", "port", cfg.Radio.Port, "baud", cfg.Radio.Baud)
		return radio.NewSerialDriver(cfg.Radio.Port, cfg.Radio.Baud, logger.With("component", "radio"))
	case "sim":
		logger.Warn("using simulated thermostat", "latency", cfg.Radio.Latency)
		return radio.NewSimDriver(cfg.Radio.Latency), nil
	default:
		return nil, fmt.Errorf("unknown radio type: %q (supported: serial, sim)", cfg.Radio.Type)
	}
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
	if cfg.Device.ConnectionTimeout == 0 {
		cfg.Device.ConnectionTimeout = thermostat.DefaultConnectionTimeout
	}
	if cfg.Device.CacheTTL == 0 {
		cfg.Device.CacheTTL = thermostat.DefaultCacheTTL
	}
	if cfg.Device.CommandTimeout == 0 {
		cfg.Device.CommandTimeout = thermostat.DefaultCommandTimeout
	}
	if cfg.Radio.Type == "" {
		cfg.Radio.Type = "serial"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "eq3-home.db"
	}
	if cfg.Store.MaxEntries == 0 {
		cfg.Store.MaxEntries = store.DefaultMaxEntries
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "eq3"
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
