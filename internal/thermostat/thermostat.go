// Package thermostat manages the radio session to one eQ-3 thermostat and
// exposes its properties. Connections are opened lazily, shared between
// concurrent callers and closed again when idle.
package thermostat

import (
	"log/slog"
	"time"

	"eq3-go-home/internal/radio"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultConnectionTimeout = 3 * time.Minute
	DefaultCommandTimeout    = 30 * time.Second
)

// Config describes one managed thermostat.
type Config struct {
	Address           string
	Name              string
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration // defaults to ConnectionTimeout
	CacheTTL          time.Duration
	CommandTimeout    time.Duration
}

// Thermostat bundles the connection manager, read cache, dispatcher and
// accessory for one device.
type Thermostat struct {
	events    *EventBus
	conn      *ConnectionManager
	cache     *ReadCache
	disp      *Dispatcher
	accessory *Accessory
}

// New wires a thermostat over driver. Nothing touches the radio until the
// first property is read or written.
func New(cfg Config, driver radio.Driver, events *EventBus, logger *slog.Logger) *Thermostat {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.ConnectionTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "Thermostat"
	}
	if events == nil {
		events = NewEventBus(logger)
	}

	conn := NewConnectionManager(cfg.Address, driver, cfg.ConnectionTimeout, cfg.IdleTimeout, events, logger.With("component", "connection"))
	cache := NewReadCache(cfg.CacheTTL, cfg.CommandTimeout, events, logger.With("component", "cache"))
	disp := NewDispatcher(conn, cache, cfg.IdleTimeout, cfg.CommandTimeout, logger.With("component", "dispatcher"))

	return &Thermostat{
		events:    events,
		conn:      conn,
		cache:     cache,
		disp:      disp,
		accessory: NewAccessory(cfg.Name, disp, events, logger.With("component", "accessory")),
	}
}

// Events returns the event bus the thermostat emits on.
func (t *Thermostat) Events() *EventBus { return t.events }

// Connection returns the connection manager.
func (t *Thermostat) Connection() *ConnectionManager { return t.conn }

// Cache returns the read cache.
func (t *Thermostat) Cache() *ReadCache { return t.cache }

// Dispatcher returns the command dispatcher.
func (t *Thermostat) Dispatcher() *Dispatcher { return t.disp }

// Accessory returns the property layer.
func (t *Thermostat) Accessory() *Accessory { return t.accessory }

// Close tears down the session.
func (t *Thermostat) Close() {
	t.conn.Close()
	t.cache.Invalidate()
}
