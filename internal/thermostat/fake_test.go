package thermostat

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"eq3-go-home/internal/radio"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCounts struct {
	discovers   int
	connects    int
	infos       int
	commands    []string
	disconnects int
}

// fakeDriver records every call. Connect and Info can be held open with gates.
type fakeDriver struct {
	mu          sync.Mutex
	counts      fakeCounts
	info        radio.Info
	connectErr  error
	connectGate chan struct{}
	infoErr     error
	infoDelay   time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{info: radio.Info{ValvePosition: 30, TargetTemperature: 21}}
}

func (f *fakeDriver) snapshot() fakeCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.counts
	c.commands = append([]string(nil), f.counts.commands...)
	return c
}

func (f *fakeDriver) set(fn func(f *fakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDriver) Discover(ctx context.Context, address string) (radio.Device, error) {
	f.mu.Lock()
	f.counts.discovers++
	f.mu.Unlock()
	return &fakeDevice{f: f, addr: address}, nil
}

func (f *fakeDriver) Close() error { return nil }

type fakeDevice struct {
	f    *fakeDriver
	addr string
}

func (d *fakeDevice) Address() string { return d.addr }

func (d *fakeDevice) Connect(ctx context.Context) error {
	d.f.mu.Lock()
	d.f.counts.connects++
	gate, err := d.f.connectGate, d.f.connectErr
	d.f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *fakeDevice) Info(ctx context.Context) (radio.Info, error) {
	d.f.mu.Lock()
	d.f.counts.infos++
	info, err, delay := d.f.info, d.f.infoErr, d.f.infoDelay
	d.f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return radio.Info{}, ctx.Err()
		}
	}
	return info, err
}

func (d *fakeDevice) command(name string, apply func(*radio.Info)) error {
	d.f.mu.Lock()
	defer d.f.mu.Unlock()
	d.f.counts.commands = append(d.f.counts.commands, name)
	apply(&d.f.info)
	return nil
}

func (d *fakeDevice) SetTemperature(ctx context.Context, celsius float64) error {
	return d.command("temp", func(i *radio.Info) { i.TargetTemperature = celsius })
}

func (d *fakeDevice) TurnOn(ctx context.Context) error {
	return d.command("on", func(i *radio.Info) { i.TargetTemperature = OnTemperature })
}

func (d *fakeDevice) TurnOff(ctx context.Context) error {
	return d.command("off", func(i *radio.Info) { i.TargetTemperature = OffTemperature })
}

func (d *fakeDevice) SetAutoMode(ctx context.Context) error {
	return d.command("auto", func(i *radio.Info) { i.Status.Manual = false })
}

func (d *fakeDevice) Disconnect() error {
	d.f.mu.Lock()
	d.f.counts.disconnects++
	d.f.mu.Unlock()
	return nil
}

func newTestThermostat(t *testing.T, f *fakeDriver, cfg Config) *Thermostat {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "00:1A:22:0A:BB:CC"
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	th := New(cfg, f, nil, newTestLogger())
	t.Cleanup(th.Close)
	return th
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
