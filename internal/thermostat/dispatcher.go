package thermostat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"eq3-go-home/internal/radio"
)

// Session is what an operation sees: the live device and the shared read cache.
type Session struct {
	Device radio.Device
	cache  *ReadCache
}

// Snapshot returns the current device state, served from the read cache when fresh.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.cache.Get(ctx, s.Device)
}

// Operation is a device operation run by a Dispatcher.
type Operation[T any] func(ctx context.Context, s *Session) (T, error)

// Dispatcher runs operations once a connection is confirmed and keeps the
// idle timer armed behind them.
type Dispatcher struct {
	conn           *ConnectionManager
	cache          *ReadCache
	idleTimeout    time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher wires a dispatcher over conn and cache. commandTimeout bounds
// each operation; zero leaves it to the caller's context.
func NewDispatcher(conn *ConnectionManager, cache *ReadCache, idleTimeout, commandTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		conn:           conn,
		cache:          cache,
		idleTimeout:    idleTimeout,
		commandTimeout: commandTimeout,
		logger:         logger,
	}
}

// Connection returns the underlying connection manager.
func (d *Dispatcher) Connection() *ConnectionManager { return d.conn }

// Cache returns the shared read cache.
func (d *Dispatcher) Cache() *ReadCache { return d.cache }

// Run connects if needed and invokes op. A connection failure comes back as a
// failed Result without op being called.
func Run[T any](ctx context.Context, d *Dispatcher, op Operation[T]) Result[T] {
	dev, err := d.conn.acquire(ctx)
	if err != nil {
		return Fail[T](err)
	}

	opCtx := ctx
	if d.commandTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, d.commandTimeout)
		defer cancel()
	}

	v, err := op(opCtx, &Session{Device: dev, cache: d.cache})
	d.conn.release(d.idleTimeout)
	if err != nil {
		if errors.Is(err, radio.ErrLinkLost) {
			// Drop the dead session so the next call reconnects.
			d.logger.Warn("radio link lost, dropping session", "err", err)
			d.conn.Disconnect()
		}
		return Fail[T](err)
	}
	return Ok(v)
}

// Then runs op with the value of prev, or forwards prev's error without
// connecting when prev failed.
func Then[A, B any](ctx context.Context, d *Dispatcher, prev Result[A], op func(ctx context.Context, s *Session, v A) (B, error)) Result[B] {
	if prev.Failed() {
		return Fail[B](prev.Err())
	}
	v := prev.Value()
	return Run(ctx, d, func(ctx context.Context, s *Session) (B, error) {
		return op(ctx, s, v)
	})
}
