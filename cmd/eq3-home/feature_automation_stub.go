//go:build no_automation

package main

import (
	"log/slog"

	"eq3-go-home/internal/thermostat"
	"eq3-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *thermostat.Thermostat, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
