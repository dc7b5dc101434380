package thermostat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"eq3-go-home/internal/radio"
)

// Property names exposed to host surfaces.
const (
	PropCurrentHeatingState     = "current_heating_cooling_state"
	PropTargetHeatingState      = "target_heating_cooling_state"
	PropCurrentTemperature      = "current_temperature"
	PropTargetTemperature       = "target_temperature"
	PropHeatingThreshold        = "heating_threshold_temperature"
	PropTemperatureDisplayUnits = "temperature_display_units"
)

// AccessoryInfo identifies the accessory to host frameworks.
type AccessoryInfo struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Address      string `json:"address"`
}

// Property is one readable (and maybe settable) accessory characteristic.
// Set is nil for read-only properties.
type Property struct {
	Name string
	Get  func(ctx context.Context) (interface{}, error)
	Set  func(ctx context.Context, value interface{}) error
}

// StateView is a consistent picture of the thermostat for hosts that publish
// everything at once.
type StateView struct {
	CurrentHeatingState HeatingState `json:"current_heating_state"`
	Mode                TargetMode   `json:"mode"`
	TargetTemperature   float64      `json:"target_temperature"`
	CurrentTemperature  float64      `json:"current_temperature"`
	RawTarget           float64      `json:"raw_target_temperature"`
	ValvePosition       int          `json:"valve_position"`
	Manual              bool         `json:"manual"`
	Boost               bool         `json:"boost"`
	Units               DisplayUnits `json:"units"`
}

// Accessory maps thermostat properties onto dispatched device operations.
type Accessory struct {
	name   string
	disp   *Dispatcher
	events *EventBus
	logger *slog.Logger

	mu    sync.Mutex
	units DisplayUnits

	props map[string]Property
}

// NewAccessory creates the property layer for one thermostat.
func NewAccessory(name string, disp *Dispatcher, events *EventBus, logger *slog.Logger) *Accessory {
	a := &Accessory{
		name:   name,
		disp:   disp,
		events: events,
		logger: logger,
		units:  Celsius,
	}
	a.props = a.buildProperties()
	return a
}

// Info returns the accessory identification.
func (a *Accessory) Info() AccessoryInfo {
	return AccessoryInfo{
		Name:         a.name,
		Manufacturer: "eq-3",
		Model:        "CC-RT-BLE",
		Address:      a.disp.conn.Address(),
	}
}

// Dispatcher returns the dispatcher the accessory runs on.
func (a *Accessory) Dispatcher() *Dispatcher { return a.disp }

func (a *Accessory) snapshot(ctx context.Context, s *Session) (Snapshot, error) {
	return s.Snapshot(ctx)
}

// Snapshot reads the full device state through the read cache.
func (a *Accessory) Snapshot(ctx context.Context) (Snapshot, error) {
	return Run(ctx, a.disp, a.snapshot).Unwrap()
}

// CurrentHeatingCoolingState reports HEAT while the valve is open.
func (a *Accessory) CurrentHeatingCoolingState(ctx context.Context) (HeatingState, error) {
	return Run(ctx, a.disp, func(ctx context.Context, s *Session) (HeatingState, error) {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		return CurrentHeatingState(snap.Info), nil
	}).Unwrap()
}

// TargetHeatingCoolingState reports the mode derived from setpoint and flags.
func (a *Accessory) TargetHeatingCoolingState(ctx context.Context) (TargetMode, error) {
	return Run(ctx, a.disp, func(ctx context.Context, s *Session) (TargetMode, error) {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		return TargetHeatingMode(snap.Info), nil
	}).Unwrap()
}

// SetTargetHeatingCoolingState switches the valve mode. Modes other than
// OFF, HEAT and AUTO fail with *UnsupportedModeError before touching the device.
func (a *Accessory) SetTargetHeatingCoolingState(ctx context.Context, mode TargetMode) error {
	if !mode.Supported() {
		return &UnsupportedModeError{Mode: mode}
	}
	res := Run(ctx, a.disp, func(ctx context.Context, s *Session) (struct{}, error) {
		var err error
		switch mode {
		case ModeOff:
			err = s.Device.TurnOff(ctx)
		case ModeHeat:
			err = s.Device.TurnOn(ctx)
		case ModeAuto:
			err = s.Device.SetAutoMode(ctx)
		}
		if err != nil {
			return struct{}{}, &DeviceOperationError{Op: "set mode " + mode.String(), Err: err}
		}
		return struct{}{}, nil
	})
	if res.Failed() {
		return res.Err()
	}
	a.propertySet(PropTargetHeatingState, mode.String())
	return nil
}

// targetTemperature backs the three temperature properties; the device has no room sensor.
func (a *Accessory) targetTemperature(ctx context.Context) (float64, error) {
	return Run(ctx, a.disp, func(ctx context.Context, s *Session) (float64, error) {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		return DisplayTemperature(snap.Info), nil
	}).Unwrap()
}

// CurrentTemperature reports the displayed setpoint.
func (a *Accessory) CurrentTemperature(ctx context.Context) (float64, error) {
	return a.targetTemperature(ctx)
}

// TargetTemperature reports the displayed setpoint.
func (a *Accessory) TargetTemperature(ctx context.Context) (float64, error) {
	return a.targetTemperature(ctx)
}

// HeatingThresholdTemperature reports the displayed setpoint.
func (a *Accessory) HeatingThresholdTemperature(ctx context.Context) (float64, error) {
	return a.targetTemperature(ctx)
}

// SetTargetTemperature writes a new setpoint in °C.
func (a *Accessory) SetTargetTemperature(ctx context.Context, celsius float64) error {
	if !ValidTargetTemperature(celsius) {
		return &TemperatureRangeError{Value: celsius}
	}
	res := Run(ctx, a.disp, func(ctx context.Context, s *Session) (struct{}, error) {
		if err := s.Device.SetTemperature(ctx, celsius); err != nil {
			return struct{}{}, &DeviceOperationError{Op: "set temperature", Err: err}
		}
		return struct{}{}, nil
	})
	if res.Failed() {
		return res.Err()
	}
	a.propertySet(PropTargetTemperature, celsius)
	return nil
}

// TemperatureDisplayUnits returns the in-memory display unit.
func (a *Accessory) TemperatureDisplayUnits(ctx context.Context) (DisplayUnits, error) {
	return Run(ctx, a.disp, func(ctx context.Context, s *Session) (DisplayUnits, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.units, nil
	}).Unwrap()
}

// SetTemperatureDisplayUnits stores the display unit. The device does not keep it.
func (a *Accessory) SetTemperatureDisplayUnits(ctx context.Context, u DisplayUnits) error {
	if u != Celsius && u != Fahrenheit {
		return fmt.Errorf("%w: units %d", ErrInvalidValue, int(u))
	}
	res := Run(ctx, a.disp, func(ctx context.Context, s *Session) (struct{}, error) {
		a.mu.Lock()
		a.units = u
		a.mu.Unlock()
		return struct{}{}, nil
	})
	if res.Failed() {
		return res.Err()
	}
	a.propertySet(PropTemperatureDisplayUnits, u.String())
	return nil
}

// State reads every property concurrently. The reads share one device fetch.
func (a *Accessory) State(ctx context.Context) (StateView, error) {
	var (
		view    StateView
		snap    Snapshot
		heating HeatingState
		mode    TargetMode
		target  float64
		units   DisplayUnits
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { snap, err = a.Snapshot(gctx); return })
	g.Go(func() (err error) { heating, err = a.CurrentHeatingCoolingState(gctx); return })
	g.Go(func() (err error) { mode, err = a.TargetHeatingCoolingState(gctx); return })
	g.Go(func() (err error) { target, err = a.TargetTemperature(gctx); return })
	g.Go(func() (err error) { units, err = a.TemperatureDisplayUnits(gctx); return })
	if err := g.Wait(); err != nil {
		return StateView{}, err
	}

	view = StateView{
		CurrentHeatingState: heating,
		Mode:                mode,
		TargetTemperature:   target,
		CurrentTemperature:  target,
		RawTarget:           snap.Info.TargetTemperature,
		ValvePosition:       snap.Info.ValvePosition,
		Manual:              snap.Info.Status.Manual,
		Boost:               snap.Info.Status.Boost,
		Units:               units,
	}
	return view, nil
}

// ViewFromInfo derives a StateView from one device read without touching the device.
func ViewFromInfo(info radio.Info, units DisplayUnits) StateView {
	display := DisplayTemperature(info)
	return StateView{
		CurrentHeatingState: CurrentHeatingState(info),
		Mode:                TargetHeatingMode(info),
		TargetTemperature:   display,
		CurrentTemperature:  display,
		RawTarget:           info.TargetTemperature,
		ValvePosition:       info.ValvePosition,
		Manual:              info.Status.Manual,
		Boost:               info.Status.Boost,
		Units:               units,
	}
}

// InfoFromEvent recovers the device read carried by a snapshot event.
func InfoFromEvent(e Event) (radio.Info, bool) {
	data, ok := e.Data.(map[string]interface{})
	if !ok || e.Type != EventSnapshot {
		return radio.Info{}, false
	}
	valve, _ := data["valve_position"].(int)
	target, ok := data["target_temperature"].(float64)
	if !ok {
		return radio.Info{}, false
	}
	manual, _ := data["manual"].(bool)
	boost, _ := data["boost"].(bool)
	return radio.Info{
		ValvePosition:     valve,
		TargetTemperature: target,
		Status:            radio.Status{Manual: manual, Boost: boost},
	}, true
}

func (a *Accessory) propertySet(name string, value interface{}) {
	a.logger.Info("property set", "property", name, "value", value)
	a.events.Emit(Event{Type: EventPropertySet, Data: map[string]interface{}{
		"address":  a.disp.conn.Address(),
		"property": name,
		"value":    value,
	}})
}

// Properties returns the property table, sorted by name.
func (a *Accessory) Properties() []Property {
	out := make([]Property, 0, len(a.props))
	for _, p := range a.props {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Property looks up one property by name.
func (a *Accessory) Property(name string) (Property, bool) {
	p, ok := a.props[name]
	return p, ok
}

func (a *Accessory) buildProperties() map[string]Property {
	temp := func(ctx context.Context) (interface{}, error) { return a.targetTemperature(ctx) }
	props := []Property{
		{
			Name: PropCurrentHeatingState,
			Get:  func(ctx context.Context) (interface{}, error) { return a.CurrentHeatingCoolingState(ctx) },
		},
		{
			Name: PropTargetHeatingState,
			Get:  func(ctx context.Context) (interface{}, error) { return a.TargetHeatingCoolingState(ctx) },
			Set: func(ctx context.Context, v interface{}) error {
				mode, err := coerceMode(v)
				if err != nil {
					return err
				}
				return a.SetTargetHeatingCoolingState(ctx, mode)
			},
		},
		{Name: PropCurrentTemperature, Get: temp},
		{
			Name: PropTargetTemperature,
			Get:  temp,
			Set: func(ctx context.Context, v interface{}) error {
				f, err := coerceFloat(v)
				if err != nil {
					return err
				}
				return a.SetTargetTemperature(ctx, f)
			},
		},
		{Name: PropHeatingThreshold, Get: temp},
		{
			Name: PropTemperatureDisplayUnits,
			Get:  func(ctx context.Context) (interface{}, error) { return a.TemperatureDisplayUnits(ctx) },
			Set: func(ctx context.Context, v interface{}) error {
				u, err := coerceUnits(v)
				if err != nil {
					return err
				}
				return a.SetTemperatureDisplayUnits(ctx, u)
			},
		},
	}
	m := make(map[string]Property, len(props))
	for _, p := range props {
		m[p.Name] = p
	}
	return m
}

// Values arrive from JSON, YAML, MQTT payloads and Lua, so accept numbers and names.

func coerceFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidValue, v)
}

func coerceMode(v interface{}) (TargetMode, error) {
	switch m := v.(type) {
	case TargetMode:
		return m, nil
	case string:
		return ParseTargetMode(m)
	}
	f, err := coerceFloat(v)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%w: mode %v", ErrInvalidValue, f)
	}
	return TargetMode(int(f)), nil
}

func coerceUnits(v interface{}) (DisplayUnits, error) {
	switch u := v.(type) {
	case DisplayUnits:
		return u, nil
	case string:
		return ParseDisplayUnits(u)
	}
	f, err := coerceFloat(v)
	if err != nil {
		return 0, err
	}
	u := DisplayUnits(int(f))
	if f != float64(int(f)) || (u != Celsius && u != Fahrenheit) {
		return 0, fmt.Errorf("%w: units %v", ErrInvalidValue, f)
	}
	return u, nil
}
