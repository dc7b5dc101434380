//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "eq3-go-home/internal/mqtt"

	"eq3-go-home/internal/thermostat"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(thermo *thermostat.Thermostat, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(thermo.Accessory(), thermo.Events(), mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		PollInterval:    cfg.MQTT.PollInterval,
		RemoveDiscovery: cfg.MQTT.RemoveDiscovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
