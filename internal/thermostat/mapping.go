package thermostat

import (
	"fmt"
	"strings"

	"eq3-go-home/internal/radio"
)

// Temperature limits of the valve, in °C.
const (
	OffTemperature        = 4.5
	OnTemperature         = 30.0
	MinTargetTemperature  = OffTemperature
	MaxTargetTemperature  = OnTemperature
	MinDisplayTemperature = 10.0
)

// HeatingState is what the radiator is doing right now.
type HeatingState int

const (
	HeatingOff  HeatingState = 0
	HeatingHeat HeatingState = 1
)

func (h HeatingState) String() string {
	if h == HeatingHeat {
		return "heat"
	}
	return "off"
}

func (h HeatingState) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// TargetMode is the requested heating mode. Values follow the HomeKit
// TargetHeatingCoolingState characteristic; COOL exists there but the valve cannot do it.
type TargetMode int

const (
	ModeOff  TargetMode = 0
	ModeHeat TargetMode = 1
	ModeCool TargetMode = 2
	ModeAuto TargetMode = 3
)

var modeNames = map[TargetMode]string{
	ModeOff:  "off",
	ModeHeat: "heat",
	ModeCool: "cool",
	ModeAuto: "auto",
}

func (m TargetMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Supported reports whether the valve can be put into m.
func (m TargetMode) Supported() bool {
	return m == ModeOff || m == ModeHeat || m == ModeAuto
}

func (m TargetMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *TargetMode) UnmarshalText(b []byte) error {
	v, err := ParseTargetMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseTargetMode accepts a mode name (off, heat, cool, auto).
func ParseTargetMode(s string) (TargetMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: mode %q", ErrInvalidValue, s)
}

// DisplayUnits is the unit the host shows temperatures in.
type DisplayUnits int

const (
	Celsius    DisplayUnits = 0
	Fahrenheit DisplayUnits = 1
)

func (u DisplayUnits) String() string {
	if u == Fahrenheit {
		return "fahrenheit"
	}
	return "celsius"
}

func (u DisplayUnits) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *DisplayUnits) UnmarshalText(b []byte) error {
	v, err := ParseDisplayUnits(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// ParseDisplayUnits accepts celsius/fahrenheit or c/f.
func ParseDisplayUnits(s string) (DisplayUnits, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "celsius", "c":
		return Celsius, nil
	case "fahrenheit", "f":
		return Fahrenheit, nil
	}
	return 0, fmt.Errorf("%w: units %q", ErrInvalidValue, s)
}

// CurrentHeatingState is HEAT while the valve is open at all.
func CurrentHeatingState(info radio.Info) HeatingState {
	if info.ValvePosition > 0 {
		return HeatingHeat
	}
	return HeatingOff
}

// TargetHeatingMode derives the mode from the setpoint and status flags.
// The device has no mode register: 4.5 °C is its off sentinel and 30 °C its on sentinel.
func TargetHeatingMode(info radio.Info) TargetMode {
	switch {
	case info.TargetTemperature <= OffTemperature:
		return ModeOff
	case info.TargetTemperature >= OnTemperature, info.Status.Manual, info.Status.Boost:
		return ModeHeat
	default:
		return ModeAuto
	}
}

// DisplayTemperature is the setpoint as shown to the host, floored at 10 °C.
func DisplayTemperature(info radio.Info) float64 {
	if info.TargetTemperature < MinDisplayTemperature {
		return MinDisplayTemperature
	}
	return info.TargetTemperature
}

// ValidTargetTemperature reports whether v is a setpoint the valve accepts.
func ValidTargetTemperature(v float64) bool {
	return v >= MinTargetTemperature && v <= MaxTargetTemperature
}
