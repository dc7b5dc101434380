package thermostat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"eq3-go-home/internal/radio"
)

// DefaultCacheTTL is how long one device read answers further reads.
const DefaultCacheTTL = 250 * time.Millisecond

// Snapshot is one full device read.
type Snapshot struct {
	Info      radio.Info `json:"info"`
	FetchedAt time.Time  `json:"fetched_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// ReadCache coalesces device reads. Concurrent reads share one Info call and
// a finished read is reused until its TTL runs out. Writes do not invalidate
// it, so a read within the TTL after a write may return the pre-write state.
type ReadCache struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	events       *EventBus
	logger       *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	snap   *Snapshot
	expiry *time.Timer
	gen    uint64
}

// NewReadCache creates an empty cache. fetchTimeout bounds each Info call
// independently of the caller that triggered it.
func NewReadCache(ttl, fetchTimeout time.Duration, events *EventBus, logger *slog.Logger) *ReadCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ReadCache{
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		events:       events,
		logger:       logger,
	}
}

// TTL returns the snapshot lifetime.
func (c *ReadCache) TTL() time.Duration { return c.ttl }

// Get returns the cached snapshot if still fresh, joins a read already in
// flight, or starts a new one on dev.
func (c *ReadCache) Get(ctx context.Context, dev radio.Device) (Snapshot, error) {
	if s, ok := c.Current(); ok {
		return s, nil
	}

	ch := c.group.DoChan("info", func() (interface{}, error) {
		return c.fetch(ctx, dev)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Current returns the stored snapshot when it has not expired.
func (c *ReadCache) Current() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil || !time.Now().Before(c.snap.ExpiresAt) {
		return Snapshot{}, false
	}
	return *c.snap, true
}

// Invalidate drops the stored snapshot.
func (c *ReadCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *ReadCache) fetch(ctx context.Context, dev radio.Device) (Snapshot, error) {
	// A read that finished between Current and DoChan already stored a result.
	if s, ok := c.Current(); ok {
		return s, nil
	}

	// The read is shared, so one waiter giving up must not abort it for the rest.
	fctx := context.WithoutCancel(ctx)
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, c.fetchTimeout)
		defer cancel()
	}

	c.logger.Debug("reading thermostat info", "addr", dev.Address())
	info, err := dev.Info(fctx)
	if err != nil {
		return Snapshot{}, &DeviceOperationError{Op: "get info", Err: err}
	}

	now := time.Now()
	s := Snapshot{Info: info, FetchedAt: now, ExpiresAt: now.Add(c.ttl)}

	c.mu.Lock()
	c.dropLocked()
	c.snap = &s
	gen := c.gen
	c.expiry = time.AfterFunc(c.ttl, func() { c.expire(gen) })
	c.mu.Unlock()

	c.events.Emit(Event{Type: EventSnapshot, Data: map[string]interface{}{
		"address":            dev.Address(),
		"valve_position":     info.ValvePosition,
		"target_temperature": info.TargetTemperature,
		"manual":             info.Status.Manual,
		"boost":              info.Status.Boost,
	}})
	return s, nil
}

func (c *ReadCache) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.snap = nil
	c.expiry = nil
}

func (c *ReadCache) dropLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	c.snap = nil
	c.gen++
}
