package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"eq3-go-home/internal/radio"
	"eq3-go-home/internal/store"
	"eq3-go-home/internal/thermostat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "device:\n  address: 00:1A:22:0A:BB:CC\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Device.ConnectionTimeout != thermostat.DefaultConnectionTimeout {
		t.Errorf("connection_timeout = %v", cfg.Device.ConnectionTimeout)
	}
	if cfg.Device.CacheTTL != thermostat.DefaultCacheTTL {
		t.Errorf("cache_ttl = %v", cfg.Device.CacheTTL)
	}
	if cfg.Radio.Type != "serial" || cfg.Radio.Baud != 115200 {
		t.Errorf("radio = %+v", cfg.Radio)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("web.listen = %q", cfg.Web.Listen)
	}
	if cfg.MQTT.TopicPrefix != "eq3" {
		t.Errorf("mqtt.topic_prefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.Store.MaxEntries != store.DefaultMaxEntries {
		t.Errorf("store.max_entries = %d", cfg.Store.MaxEntries)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
device:
  address: 00:1A:22:0A:BB:CC
  connection_timeout: 90s
  idle_timeout: 1m
  cache_ttl: 500ms
radio:
  type: sim
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  poll_interval: 2m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.ConnectionTimeout != 90*time.Second || cfg.Device.IdleTimeout != time.Minute {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Device.CacheTTL != 500*time.Millisecond {
		t.Errorf("cache_ttl = %v", cfg.Device.CacheTTL)
	}
	if cfg.MQTT.PollInterval != 2*time.Minute {
		t.Errorf("poll_interval = %v", cfg.MQTT.PollInterval)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "device: [")); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Device.Address = "00:1A:22:0A:BB:CC"
		c.Radio.Type = "serial"
		c.Radio.Port = "/dev/ttyACM0"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"sim without port", func(c *Config) { c.Radio.Type = "sim"; c.Radio.Port = "" }, false},
		{"missing address", func(c *Config) { c.Device.Address = "" }, true},
		{"bad address", func(c *Config) { c.Device.Address = "thermostat" }, true},
		{"serial without port", func(c *Config) { c.Radio.Port = "" }, true},
		{"unknown radio", func(c *Config) { c.Radio.Type = "bluez" }, true},
		{"negative timeout", func(c *Config) { c.Device.IdleTimeout = -time.Second }, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateDriverSim(t *testing.T) {
	cfg := &Config{}
	cfg.Radio.Type = "sim"
	d, err := createDriver(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, ok := d.(*radio.SimDriver); !ok {
		t.Errorf("driver = %T, want *radio.SimDriver", d)
	}

	cfg.Radio.Type = "nope"
	if _, err := createDriver(cfg, testLogger()); err == nil {
		t.Error("expected error for unknown radio type")
	}
}

func TestRecordJournal(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "journal.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	events := thermostat.NewEventBus(testLogger())
	unsub := recordJournal(events, db, testLogger())

	th := thermostat.New(thermostat.Config{Address: "00:1A:22:0A:BB:CC"}, radio.NewSimDriver(0), events, testLogger())
	defer th.Close()

	ctx := context.Background()
	if err := th.Accessory().SetTargetTemperature(ctx, 21); err != nil {
		t.Fatal(err)
	}
	if err := th.Accessory().SetTargetHeatingCoolingState(ctx, thermostat.ModeHeat); err != nil {
		t.Fatal(err)
	}

	entries, err := db.List(0, "")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []string{thermostat.EventPropertySet, thermostat.EventPropertySet, thermostat.EventConnected}
	if len(types) != len(want) {
		t.Fatalf("journal types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("journal types = %v, want %v", types, want)
		}
	}
	if got := entries[0].Detail["value"]; got != "heat" {
		t.Errorf("mode detail = %v, want heat", got)
	}
	if got := entries[1].Detail["property"]; got != "target_temperature" {
		t.Errorf("property detail = %v", got)
	}

	unsub()
	if err := th.Accessory().SetTargetTemperature(ctx, 22); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.Count(); n != 3 {
		t.Errorf("count after unsubscribe = %d, want 3", n)
	}
}
