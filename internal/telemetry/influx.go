// Package telemetry writes thermostat readings and connection transitions to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"eq3-go-home/internal/radio"
	"eq3-go-home/internal/thermostat"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second
)

var (
	// ErrDisabled indicates InfluxDB output is disabled in configuration.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed indicates the initial ping failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config holds the InfluxDB output settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// pointWriter is the part of api.WriteAPI used here.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Influx records thermostat points through the non-blocking write API.
// Writes are batched by the client and never block the event bus.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect pings the server and sets up a batching writer.
func Connect(cfg Config, logger *slog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batch)).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	in := &Influx{client: client, writer: writeAPI, logger: logger}
	go func() {
		for err := range writeAPI.Errors() {
			in.logger.Warn("influx write failed", "err", err)
		}
	}()
	return in, nil
}

func newInflux(w pointWriter, logger *slog.Logger) *Influx {
	return &Influx{writer: w, logger: logger}
}

// Subscribe records snapshot and connection events from bus until the
// returned function is called.
func (in *Influx) Subscribe(bus *thermostat.EventBus) func() {
	unsubs := []func(){
		bus.On(thermostat.EventSnapshot, in.handleSnapshot),
		bus.On(thermostat.EventConnected, in.handleConnection),
		bus.On(thermostat.EventDisconnected, in.handleConnection),
		bus.On(thermostat.EventConnectionFailed, in.handleConnection),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (in *Influx) handleSnapshot(e thermostat.Event) {
	info, ok := thermostat.InfoFromEvent(e)
	if !ok {
		return
	}
	data := e.Data.(map[string]interface{})
	addr, _ := data["address"].(string)
	in.RecordSnapshot(addr, info, e.Time)
}

func (in *Influx) handleConnection(e thermostat.Event) {
	data, _ := e.Data.(map[string]interface{})
	addr, _ := data["address"].(string)
	in.RecordConnection(addr, e.Type, e.Time)
}

// RecordSnapshot writes one "thermostat" point.
func (in *Influx) RecordSnapshot(address string, info radio.Info, at time.Time) {
	in.write(write.NewPoint(
		"thermostat",
		map[string]string{"address": address},
		map[string]interface{}{
			"valve_position":     info.ValvePosition,
			"target_temperature": info.TargetTemperature,
			"mode":               thermostat.TargetHeatingMode(info).String(),
			"heating":            thermostat.CurrentHeatingState(info) == thermostat.HeatingHeat,
		},
		at,
	))
}

// RecordConnection writes one "connection" point for a lifecycle transition.
func (in *Influx) RecordConnection(address, state string, at time.Time) {
	in.write(write.NewPoint(
		"connection",
		map[string]string{"address": address},
		map[string]interface{}{
			"state":     state,
			"connected": state == thermostat.EventConnected,
		},
		at,
	))
}

func (in *Influx) write(p *write.Point) {
	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if closed {
		return
	}
	in.writer.WritePoint(p)
}

// Close flushes pending points and closes the client.
func (in *Influx) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()

	in.writer.Flush()
	if in.client != nil {
		in.client.Close()
	}
	return nil
}
