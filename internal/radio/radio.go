// Package radio defines the driver seam between the bridge and an eQ-3 BLE thermostat.
// Backends: a BLE co-processor dongle over a serial line, and an in-memory simulator.
package radio

import (
	"context"
	"errors"
)

// ErrLinkLost is returned by a Device whose radio link dropped since Connect.
var ErrLinkLost = errors.New("radio link lost")

// Driver discovers devices by hardware address.
type Driver interface {
	// Discover locates the device and returns an unconnected handle.
	Discover(ctx context.Context, address string) (Device, error)

	// Close releases the driver's transport.
	Close() error
}

// Device is a handle to one discovered thermostat.
type Device interface {
	Address() string

	// Connect performs the connection and setup handshake.
	Connect(ctx context.Context) error

	// Info reads the full device state.
	Info(ctx context.Context) (Info, error)

	// Commands
	SetTemperature(ctx context.Context, celsius float64) error
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetAutoMode(ctx context.Context) error

	// Disconnect tears down the session.
	Disconnect() error
}

// Status holds the device mode flags.
type Status struct {
	Manual bool `json:"manual"`
	Boost  bool `json:"boost"`
}

// Info is one full read of device state.
type Info struct {
	ValvePosition     int     `json:"valve_position"`     // percent open, 0-100
	TargetTemperature float64 `json:"target_temperature"` // °C, 4.5 means off
	Status            Status  `json:"status"`
}
