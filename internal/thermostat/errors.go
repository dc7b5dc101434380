package thermostat

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidValue is returned when a property value has the wrong type or format.
var ErrInvalidValue = errors.New("invalid property value")

// ErrReadOnly is returned when setting a property that has no setter.
var ErrReadOnly = errors.New("property is read-only")

// ErrUnknownProperty is returned for property names the accessory does not expose.
var ErrUnknownProperty = errors.New("unknown property")

// ConnectionTimeoutError means the handshake did not finish within the configured window.
type ConnectionTimeoutError struct {
	Address string
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("connect %s: timed out after %s", e.Address, e.Timeout)
}

// ConnectionFailedError means the driver reported an explicit connection failure.
type ConnectionFailedError struct {
	Address string
	Err     error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

// DeviceOperationError means a read or write failed on an established connection.
type DeviceOperationError struct {
	Op  string
	Err error
}

func (e *DeviceOperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeviceOperationError) Unwrap() error { return e.Err }

// UnsupportedModeError is returned for a target mode other than OFF, HEAT or AUTO.
type UnsupportedModeError struct {
	Mode TargetMode
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("unsupported mode %d", int(e.Mode))
}

// TemperatureRangeError is returned for a setpoint the valve cannot take.
type TemperatureRangeError struct {
	Value float64
}

func (e *TemperatureRangeError) Error() string {
	return fmt.Sprintf("target temperature %.1f outside %.1f-%.1f", e.Value, MinTargetTemperature, MaxTargetTemperature)
}

// IsConnectionError reports whether err is a connection timeout or failure.
func IsConnectionError(err error) bool {
	var timeout *ConnectionTimeoutError
	var failed *ConnectionFailedError
	return errors.As(err, &timeout) || errors.As(err, &failed)
}
