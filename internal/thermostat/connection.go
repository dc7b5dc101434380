package thermostat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"eq3-go-home/internal/radio"
)

// ConnState is the lifecycle state of the radio session.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// ConnectionManager owns the single radio session to one thermostat.
// Concurrent callers that need a connection share one in-flight attempt.
type ConnectionManager struct {
	address     string
	driver      radio.Driver
	timeout     time.Duration
	idleTimeout time.Duration
	events      *EventBus
	logger      *slog.Logger

	// ctx bounds driver calls; cancelled only by Close.
	ctx    context.Context
	cancel context.CancelFunc

	group singleflight.Group

	mu      sync.Mutex
	state   ConnState
	device  radio.Device
	idle    *time.Timer
	idleGen uint64
	busy    int
}

// NewConnectionManager creates a manager in the Disconnected state. timeout
// bounds each connect attempt; idleTimeout is how long a fresh session may
// sit unused before it is released.
func NewConnectionManager(address string, driver radio.Driver, timeout, idleTimeout time.Duration, events *EventBus, logger *slog.Logger) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		address:     address,
		driver:      driver,
		timeout:     timeout,
		idleTimeout: idleTimeout,
		events:      events,
		logger:      logger.With("addr", address),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Address returns the hardware address of the managed thermostat.
func (m *ConnectionManager) Address() string { return m.address }

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureConnected returns the live device handle, connecting first if needed.
// If an attempt is already in flight the caller waits on it instead of starting another.
// A pending idle firing is cancelled; the caller re-arms it with ArmIdleTimer.
// Returns *ConnectionTimeoutError or *ConnectionFailedError when the attempt fails,
// or ctx.Err() if the caller gives up first.
func (m *ConnectionManager) EnsureConnected(ctx context.Context) (radio.Device, error) {
	return m.ensure(ctx, false)
}

// acquire is EnsureConnected plus marking an operation as running, which
// holds off the idle timer until release.
func (m *ConnectionManager) acquire(ctx context.Context) (radio.Device, error) {
	return m.ensure(ctx, true)
}

// release ends an operation started with acquire and re-arms the idle timer.
func (m *ConnectionManager) release(idle time.Duration) {
	m.mu.Lock()
	if m.busy > 0 {
		m.busy--
	}
	m.armIdleLocked(idle)
	m.mu.Unlock()
}

func (m *ConnectionManager) ensure(ctx context.Context, hold bool) (radio.Device, error) {
	m.mu.Lock()
	if m.state == Connected && m.device != nil {
		m.stopIdleLocked()
		dev := m.device
		if hold {
			m.busy++
		}
		m.mu.Unlock()
		return dev, nil
	}
	m.mu.Unlock()

	ch := m.group.DoChan("connect", func() (interface{}, error) {
		return m.connect()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		dev := res.Val.(radio.Device)
		if hold {
			m.mu.Lock()
			m.busy++
			m.mu.Unlock()
		}
		return dev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type connectOutcome struct {
	dev radio.Device
	err error
}

// connect runs one attempt. It is only ever called through the singleflight group.
func (m *ConnectionManager) connect() (radio.Device, error) {
	m.mu.Lock()
	if m.state == Connected && m.device != nil {
		dev := m.device
		m.mu.Unlock()
		return dev, nil
	}
	m.state = Connecting
	m.mu.Unlock()

	m.logger.Info("connecting to thermostat")
	m.events.Emit(Event{Type: EventConnecting, Data: map[string]interface{}{"address": m.address}})

	done := make(chan connectOutcome, 1)
	go func() {
		dev, err := m.driver.Discover(m.ctx, m.address)
		if err == nil {
			if err = dev.Connect(m.ctx); err != nil {
				dev = nil
			}
		}
		done <- connectOutcome{dev: dev, err: err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, m.failed(&ConnectionFailedError{Address: m.address, Err: out.err})
		}
		m.mu.Lock()
		m.device = out.dev
		m.state = Connected
		// Reaps the session if every waiter gave up before it settled.
		m.armIdleLocked(m.idleTimeout)
		m.mu.Unlock()

		m.logger.Info("thermostat connected")
		m.events.Emit(Event{Type: EventConnected, Data: map[string]interface{}{"address": m.address}})
		return out.dev, nil

	case <-timer.C:
		// The driver call keeps running. A late success is released so the
		// device is not left holding an orphaned session.
		go func() {
			out := <-done
			if out.dev != nil {
				m.logger.Debug("releasing late connection after timeout")
				if err := out.dev.Disconnect(); err != nil {
					m.logger.Warn("release late connection", "err", err)
				}
			}
		}()
		return nil, m.failed(&ConnectionTimeoutError{Address: m.address, Timeout: m.timeout})
	}
}

func (m *ConnectionManager) failed(err error) error {
	m.mu.Lock()
	m.state = Disconnected
	m.device = nil
	m.mu.Unlock()

	m.logger.Warn("thermostat connection failed", "err", err)
	m.events.Emit(Event{Type: EventConnectionFailed, Data: map[string]interface{}{
		"address": m.address,
		"error":   err.Error(),
	}})
	return err
}

// ArmIdleTimer (re)starts the idle countdown. When it fires with no
// operation running, the session is torn down. A non-positive d only
// cancels a pending countdown.
func (m *ConnectionManager) ArmIdleTimer(d time.Duration) {
	m.mu.Lock()
	m.armIdleLocked(d)
	m.mu.Unlock()
}

func (m *ConnectionManager) armIdleLocked(d time.Duration) {
	m.stopIdleLocked()
	if d <= 0 {
		return
	}
	m.idleGen++
	gen := m.idleGen
	m.idle = time.AfterFunc(d, func() { m.idleFired(gen) })
}

func (m *ConnectionManager) stopIdleLocked() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	// A timer whose callback already started sees a stale generation and does nothing.
	m.idleGen++
}

func (m *ConnectionManager) idleFired(gen uint64) {
	m.mu.Lock()
	if gen != m.idleGen || m.busy > 0 {
		m.mu.Unlock()
		return
	}
	m.idle = nil
	dev, was := m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("idle timeout, disconnecting")
	m.finishDisconnect(dev, was)
}

// Disconnect tears down the session. It is idempotent: the driver handle is
// released at most once no matter how often this is called.
// An attempt already in flight is not cancelled. State reads Disconnected
// until it settles; a success then makes the session Connected for its
// waiters and the idle timer releases it.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	dev, was := m.teardownLocked()
	m.mu.Unlock()
	m.finishDisconnect(dev, was)
}

func (m *ConnectionManager) teardownLocked() (radio.Device, bool) {
	m.stopIdleLocked()
	dev := m.device
	was := m.state != Disconnected
	m.device = nil
	m.state = Disconnected
	return dev, was
}

func (m *ConnectionManager) finishDisconnect(dev radio.Device, was bool) {
	if dev != nil {
		if err := dev.Disconnect(); err != nil {
			m.logger.Warn("disconnect", "err", err)
		}
	}
	if dev != nil || was {
		m.logger.Info("thermostat disconnected")
		m.events.Emit(Event{Type: EventDisconnected, Data: map[string]interface{}{"address": m.address}})
	}
}

// Close disconnects and aborts any driver call still running.
func (m *ConnectionManager) Close() {
	m.Disconnect()
	m.cancel()
}
