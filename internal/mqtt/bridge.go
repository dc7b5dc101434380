//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"eq3-go-home/internal/thermostat"
)

// DefaultPollInterval is how often the bridge reads the thermostat on its own.
const DefaultPollInterval = 5 * time.Minute

// Config holds MQTT bridge configuration.
type Config struct {
	Broker       string
	Username     string
	Password     string
	TopicPrefix  string
	PollInterval time.Duration
	// RemoveDiscovery clears the retained HA discovery entries on Stop.
	RemoveDiscovery bool
}

// Bridge publishes the thermostat to MQTT with HA autodiscovery and applies
// commands from the set topics.
type Bridge struct {
	client pahomqtt.Client
	acc    *thermostat.Accessory
	events *thermostat.EventBus
	info   thermostat.AccessoryInfo
	prefix string
	base   string
	poll   time.Duration
	remove bool
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State accumulator published as one retained JSON document.
	mu    sync.Mutex
	state map[string]any
}

// commandMsg is the JSON accepted on <prefix>/<name>/set.
type commandMsg struct {
	Temperature *float64 `json:"temperature"`
	Mode        *string  `json:"mode"`
	Units       *string  `json:"units"`
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(acc *thermostat.Accessory, events *thermostat.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(acc, events, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("eq3-go-home-" + deviceIdentifier(b.info)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(acc *thermostat.Accessory, events *thermostat.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "eq3"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	info := acc.Info()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		acc:    acc,
		events: events,
		info:   info,
		prefix: prefix,
		base:   prefix + "/" + deviceTopicName(info),
		poll:   poll,
		remove: cfg.RemoveDiscovery,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		state:  map[string]any{"connection": thermostat.Disconnected.String()},
	}
}

// Start subscribes to thermostat events and begins polling.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.wg.Add(1)
	go b.pollLoop()
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "topic", b.base)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	if b.remove {
		for _, msg := range buildRemoveDiscovery(b.info) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishDiscovery()
	b.subscribeCommands()
	b.publishState()
}

func (b *Bridge) pollLoop() {
	defer b.wg.Done()
	b.refresh()

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.refresh()
		case <-b.ctx.Done():
			return
		}
	}
}

// refresh reads the whole thermostat and publishes it.
func (b *Bridge) refresh() {
	ctx, cancel := context.WithTimeout(b.ctx, time.Minute)
	defer cancel()
	view, err := b.acc.State(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.logger.Warn("poll thermostat", "err", err)
		}
		return
	}
	b.updateAndPublishState(stateFields(view))
}

func (b *Bridge) handleEvent(event thermostat.Event) {
	switch event.Type {
	case thermostat.EventSnapshot:
		info, ok := thermostat.InfoFromEvent(event)
		if !ok {
			return
		}
		b.mu.Lock()
		units, _ := thermostat.ParseDisplayUnits(fmt.Sprint(b.state["units"]))
		b.mu.Unlock()
		b.updateAndPublishState(stateFields(thermostat.ViewFromInfo(info, units)))
	case thermostat.EventPropertySet:
		b.handlePropertySet(event)
	case thermostat.EventConnected, thermostat.EventDisconnected:
		state := thermostat.Connected.String()
		if event.Type == thermostat.EventDisconnected {
			state = thermostat.Disconnected.String()
		}
		b.updateAndPublishState(map[string]any{"connection": state})
	}
}

// handlePropertySet reflects a write at once; the cached read would still
// report the old value until it expires.
func (b *Bridge) handlePropertySet(event thermostat.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	prop, _ := data["property"].(string)
	switch prop {
	case thermostat.PropTargetTemperature:
		v, ok := data["value"].(float64)
		if !ok {
			return
		}
		display := v
		if display < thermostat.MinDisplayTemperature {
			display = thermostat.MinDisplayTemperature
		}
		b.updateAndPublishState(map[string]any{
			"target_temperature":     display,
			"current_temperature":    display,
			"raw_target_temperature": v,
		})
	case thermostat.PropTargetHeatingState:
		b.updateAndPublishState(map[string]any{"mode": data["value"]})
	case thermostat.PropTemperatureDisplayUnits:
		b.updateAndPublishState(map[string]any{"units": data["value"]})
	}
}

// stateFields flattens a view into the published JSON keys.
func stateFields(view thermostat.StateView) map[string]any {
	action := "idle"
	switch {
	case view.Mode == thermostat.ModeOff:
		action = "off"
	case view.CurrentHeatingState == thermostat.HeatingHeat:
		action = "heating"
	}
	return map[string]any{
		"current_heating_state":  view.CurrentHeatingState.String(),
		"mode":                   view.Mode.String(),
		"target_temperature":     view.TargetTemperature,
		"current_temperature":    view.CurrentTemperature,
		"raw_target_temperature": view.RawTarget,
		"valve_position":         view.ValvePosition,
		"manual":                 view.Manual,
		"boost":                  view.Boost,
		"units":                  view.Units.String(),
		"hvac_action":            action,
	}
}

func (b *Bridge) updateAndPublishState(fields map[string]any) {
	b.mu.Lock()
	for k, v := range fields {
		b.state[k] = v
	}
	b.state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(b.state)
	b.mu.Unlock()

	b.publish(b.base, payload, true)
}

func (b *Bridge) publishState() {
	b.mu.Lock()
	payload := mustJSON(b.state)
	b.mu.Unlock()
	b.publish(b.base, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.info, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "addr", b.info.Address, "name", b.info.Name)
}

func (b *Bridge) subscribeCommands() {
	handlers := map[string]func(payload []byte) error{
		b.base + "/set":             b.handleCommand,
		b.base + "/temperature/set": b.handleTemperatureCommand,
		b.base + "/mode/set":        b.handleModeCommand,
	}
	for topic, h := range handlers {
		topic, h := topic, h
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			// Device writes can take seconds; keep the paho router free.
			go func() {
				if err := h(msg.Payload()); err != nil {
					b.logger.Warn("command failed", "topic", topic, "err", err)
				}
			}()
		})
	}
}

func (b *Bridge) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, time.Minute)
}

// handleCommand applies a JSON command. Mode is applied before temperature so
// {"mode":"heat","temperature":22} ends on the requested setpoint.
func (b *Bridge) handleCommand(payload []byte) error {
	var cmd commandMsg
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid command JSON: %w", err)
	}
	ctx, cancel := b.commandContext()
	defer cancel()

	if cmd.Units != nil {
		u, err := thermostat.ParseDisplayUnits(*cmd.Units)
		if err != nil {
			return err
		}
		if err := b.acc.SetTemperatureDisplayUnits(ctx, u); err != nil {
			return err
		}
	}
	if cmd.Mode != nil {
		mode, err := thermostat.ParseTargetMode(*cmd.Mode)
		if err != nil {
			return err
		}
		if err := b.acc.SetTargetHeatingCoolingState(ctx, mode); err != nil {
			return err
		}
	}
	if cmd.Temperature != nil {
		if err := b.acc.SetTargetTemperature(ctx, *cmd.Temperature); err != nil {
			return err
		}
	}
	return nil
}

// handleTemperatureCommand takes the bare number HA sends on temperature_command_topic.
func (b *Bridge) handleTemperatureCommand(payload []byte) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return fmt.Errorf("invalid temperature %q", payload)
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	return b.acc.SetTargetTemperature(ctx, v)
}

// handleModeCommand takes the bare mode name HA sends on mode_command_topic.
func (b *Bridge) handleModeCommand(payload []byte) error {
	mode, err := thermostat.ParseTargetMode(string(payload))
	if err != nil {
		return err
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	return b.acc.SetTargetHeatingCoolingState(ctx, mode)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
