//go:build no_mqtt

package main

import (
	"log/slog"

	"eq3-go-home/internal/thermostat"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *thermostat.Thermostat, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
