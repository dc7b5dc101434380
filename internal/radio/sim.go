package radio

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SimStats counts calls made against a SimDriver.
type SimStats struct {
	Discovers   int
	Connects    int
	Infos       int
	Commands    int
	Disconnects int
}

// SimDriver is an in-memory thermostat used for development (radio.type: sim)
// and tests. The simulated valve follows the target temperature against a
// fixed room temperature.
type SimDriver struct {
	mu        sync.Mutex
	info      Info
	room      float64
	latency   time.Duration
	failNext  error
	stats     SimStats
	connected bool
}

// NewSimDriver returns a simulator in auto mode at 20 °C.
func NewSimDriver(latency time.Duration) *SimDriver {
	s := &SimDriver{
		info:    Info{TargetTemperature: 20},
		room:    19,
		latency: latency,
	}
	s.updateValve()
	return s
}

// FailNext makes the next device call (including Connect) return err.
func (s *SimDriver) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Stats returns a copy of the call counters.
func (s *SimDriver) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Connected reports whether a simulated session is open.
func (s *SimDriver) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *SimDriver) Discover(ctx context.Context, address string) (Device, error) {
	s.mu.Lock()
	s.stats.Discovers++
	s.mu.Unlock()
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &simDevice{sim: s, addr: strings.ToUpper(address)}, nil
}

func (s *SimDriver) Close() error { return nil }

func (s *SimDriver) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// takeFailure returns and clears the injected failure. Must hold mu.
func (s *SimDriver) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *SimDriver) updateValve() {
	switch {
	case s.info.TargetTemperature <= 4.5:
		s.info.ValvePosition = 0
	case s.info.TargetTemperature >= 30:
		s.info.ValvePosition = 100
	default:
		diff := s.info.TargetTemperature - s.room
		s.info.ValvePosition = min(max(int(diff*25), 0), 100)
	}
}

type simDevice struct {
	sim  *SimDriver
	addr string
}

func (d *simDevice) Address() string { return d.addr }

func (d *simDevice) Connect(ctx context.Context) error {
	if err := d.sim.wait(ctx); err != nil {
		return err
	}
	d.sim.mu.Lock()
	defer d.sim.mu.Unlock()
	d.sim.stats.Connects++
	if err := d.sim.takeFailure(); err != nil {
		return err
	}
	d.sim.connected = true
	return nil
}

func (d *simDevice) Info(ctx context.Context) (Info, error) {
	if err := d.sim.wait(ctx); err != nil {
		return Info{}, err
	}
	d.sim.mu.Lock()
	defer d.sim.mu.Unlock()
	d.sim.stats.Infos++
	if err := d.sim.takeFailure(); err != nil {
		return Info{}, err
	}
	if !d.sim.connected {
		return Info{}, ErrLinkLost
	}
	return d.sim.info, nil
}

func (d *simDevice) SetTemperature(ctx context.Context, celsius float64) error {
	return d.command(ctx, func(info *Info) {
		info.TargetTemperature = celsius
	})
}

// TurnOn switches to manual mode at the 30 °C "on" setpoint.
func (d *simDevice) TurnOn(ctx context.Context) error {
	return d.command(ctx, func(info *Info) {
		info.TargetTemperature = 30
		info.Status.Manual = true
	})
}

// TurnOff switches to manual mode at the 4.5 °C "off" setpoint.
func (d *simDevice) TurnOff(ctx context.Context) error {
	return d.command(ctx, func(info *Info) {
		info.TargetTemperature = 4.5
		info.Status.Manual = true
	})
}

func (d *simDevice) SetAutoMode(ctx context.Context) error {
	return d.command(ctx, func(info *Info) {
		info.Status.Manual = false
		info.Status.Boost = false
		if info.TargetTemperature <= 4.5 || info.TargetTemperature >= 30 {
			info.TargetTemperature = 20
		}
	})
}

func (d *simDevice) command(ctx context.Context, apply func(*Info)) error {
	if err := d.sim.wait(ctx); err != nil {
		return err
	}
	d.sim.mu.Lock()
	defer d.sim.mu.Unlock()
	d.sim.stats.Commands++
	if err := d.sim.takeFailure(); err != nil {
		return err
	}
	if !d.sim.connected {
		return ErrLinkLost
	}
	apply(&d.sim.info)
	d.sim.updateValve()
	return nil
}

func (d *simDevice) Disconnect() error {
	d.sim.mu.Lock()
	defer d.sim.mu.Unlock()
	d.sim.stats.Disconnects++
	d.sim.connected = false
	return nil
}
