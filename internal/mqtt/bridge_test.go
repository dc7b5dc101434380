//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"eq3-go-home/internal/radio"
	"eq3-go-home/internal/thermostat"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// doneToken is an already-completed paho token.
type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

// fakeClient records publishes and subscriptions. Methods the bridge does not
// call panic through the nil embedded interface.
type fakeClient struct {
	pahomqtt.Client

	mu        sync.Mutex
	published map[string][]byte
	subs      map[string]pahomqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: make(map[string][]byte),
		subs:      make(map[string]pahomqtt.MessageHandler),
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = payload.([]byte)
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {}

func (c *fakeClient) last(topic string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.published[topic]
	if !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func newTestBridge(t *testing.T) (*Bridge, *fakeClient, *radio.SimDriver, *thermostat.Thermostat) {
	t.Helper()
	sim := radio.NewSimDriver(0)
	th := thermostat.New(thermostat.Config{
		Address:  "00:1A:22:0A:BB:CC",
		Name:     "Living Room",
		CacheTTL: time.Millisecond,
	}, sim, nil, newTestLogger())
	t.Cleanup(th.Close)

	b := newBridge(th.Accessory(), th.Events(), Config{TopicPrefix: "eq3", PollInterval: time.Hour}, newTestLogger())
	fc := newFakeClient()
	b.client = fc
	return b, fc, sim, th
}

func TestDiscoveryClimate(t *testing.T) {
	info := thermostat.AccessoryInfo{
		Name:         "Living Room",
		Manufacturer: "eq-3",
		Model:        "CC-RT-BLE",
		Address:      "00:1a:22:0a:bb:cc",
	}
	msgs := buildDiscovery(info, "eq3")
	if len(msgs) != 3 {
		t.Fatalf("got %d discovery messages, want 3", len(msgs))
	}

	var climate *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/climate/eq3_001A220ABBCC/thermostat/config" {
			climate = &msgs[i]
		}
	}
	if climate == nil {
		t.Fatal("climate discovery not found")
	}

	var payload haClimate
	if err := json.Unmarshal(climate.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.UniqueID != "eq3_001A220ABBCC_climate" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.TemperatureCommandTopic != "eq3/living_room/temperature/set" {
		t.Errorf("temperature_command_topic = %q", payload.TemperatureCommandTopic)
	}
	if payload.ModeCommandTopic != "eq3/living_room/mode/set" {
		t.Errorf("mode_command_topic = %q", payload.ModeCommandTopic)
	}
	if payload.MinTemp != 4.5 || payload.MaxTemp != 30 || payload.TempStep != 0.5 {
		t.Errorf("range = %v-%v step %v", payload.MinTemp, payload.MaxTemp, payload.TempStep)
	}
	if len(payload.Modes) != 3 {
		t.Errorf("modes = %v", payload.Modes)
	}
	if payload.AvailabilityTopic != "eq3/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "eq-3" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}

	topics := extractTopics(msgs)
	if !topics["homeassistant/sensor/eq3_001A220ABBCC/valve/config"] {
		t.Error("valve discovery missing")
	}
	if !topics["homeassistant/binary_sensor/eq3_001A220ABBCC/connection/config"] {
		t.Error("connection discovery missing")
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		info thermostat.AccessoryInfo
		want string
	}{
		{"friendly", thermostat.AccessoryInfo{Name: "Living Room", Address: "00:1A"}, "living_room"},
		{"special chars", thermostat.AccessoryInfo{Name: "Bath/Room #2", Address: "00:1A"}, "bath_room__2"},
		{"no name", thermostat.AccessoryInfo{Address: "00:1a:22:0a:bb:cc"}, "eq3_001A220ABBCC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(tt.info); got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveDiscovery(t *testing.T) {
	info := thermostat.AccessoryInfo{Address: "00:1A:22:0A:BB:CC"}
	msgs := buildRemoveDiscovery(info)
	if len(msgs) != 3 {
		t.Fatalf("got %d remove messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("remove %s has payload", m.Topic)
		}
	}
}

func TestStateFields(t *testing.T) {
	tests := []struct {
		name   string
		info   radio.Info
		action string
		mode   string
	}{
		{"off", radio.Info{TargetTemperature: 4.5, Status: radio.Status{Manual: true}}, "off", "off"},
		{"heating", radio.Info{TargetTemperature: 22, ValvePosition: 40}, "heating", "auto"},
		{"idle", radio.Info{TargetTemperature: 18}, "idle", "auto"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := stateFields(thermostat.ViewFromInfo(tt.info, thermostat.Celsius))
			if f["hvac_action"] != tt.action {
				t.Errorf("hvac_action = %v, want %s", f["hvac_action"], tt.action)
			}
			if f["mode"] != tt.mode {
				t.Errorf("mode = %v, want %s", f["mode"], tt.mode)
			}
		})
	}
}

func TestHandleCommand(t *testing.T) {
	b, _, sim, th := newTestBridge(t)
	ctx := context.Background()

	if err := b.handleCommand([]byte(`{"mode":"off"}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if mode, _ := th.Accessory().TargetHeatingCoolingState(ctx); mode != thermostat.ModeOff {
		t.Errorf("mode = %v, want off", mode)
	}

	if err := b.handleCommand([]byte(`{"mode":"auto","temperature":22.5,"units":"fahrenheit"}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if v, _ := th.Accessory().TargetTemperature(ctx); v != 22.5 {
		t.Errorf("target = %v, want 22.5", v)
	}
	if u, _ := th.Accessory().TemperatureDisplayUnits(ctx); u != thermostat.Fahrenheit {
		t.Errorf("units = %v, want fahrenheit", u)
	}
	if st := sim.Stats(); st.Connects != 1 {
		t.Errorf("connects = %d, want 1 shared session", st.Connects)
	}
}

func TestHandleCommandErrors(t *testing.T) {
	b, _, sim, _ := newTestBridge(t)

	if err := b.handleCommand([]byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	err := b.handleCommand([]byte(`{"mode":"cool"}`))
	var unsupported *thermostat.UnsupportedModeError
	if !errors.As(err, &unsupported) {
		t.Errorf("cool err = %v, want *UnsupportedModeError", err)
	}
	if err := b.handleTemperatureCommand([]byte("40")); !errors.As(err, new(*thermostat.TemperatureRangeError)) {
		t.Errorf("40 °C err = %v, want *TemperatureRangeError", err)
	}
	if err := b.handleTemperatureCommand([]byte("warm")); err == nil {
		t.Error("expected error for non-numeric temperature")
	}
	if st := sim.Stats(); st.Commands != 0 {
		t.Errorf("rejected commands reached the device: %+v", st)
	}
}

func TestRawCommandTopics(t *testing.T) {
	b, _, _, th := newTestBridge(t)
	ctx := context.Background()

	if err := b.handleModeCommand([]byte("heat")); err != nil {
		t.Fatal(err)
	}
	if err := b.handleTemperatureCommand([]byte(" 19.5\n")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if v, _ := th.Accessory().TargetTemperature(ctx); v != 19.5 {
		t.Errorf("target = %v, want 19.5", v)
	}
}

func TestOnConnectPublishesAndSubscribes(t *testing.T) {
	b, fc, _, _ := newTestBridge(t)
	b.onConnect()

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if string(fc.published["eq3/bridge/state"]) != "online" {
		t.Errorf("bridge state = %q", fc.published["eq3/bridge/state"])
	}
	if _, ok := fc.published["homeassistant/climate/eq3_001A220ABBCC/thermostat/config"]; !ok {
		t.Error("climate discovery not published")
	}
	for _, topic := range []string{"eq3/living_room/set", "eq3/living_room/temperature/set", "eq3/living_room/mode/set"} {
		if _, ok := fc.subs[topic]; !ok {
			t.Errorf("not subscribed to %s", topic)
		}
	}
}

func TestEventsPublishState(t *testing.T) {
	b, fc, _, th := newTestBridge(t)
	b.unsub = th.Events().OnAll(b.handleEvent)
	ctx := context.Background()

	if err := th.Accessory().SetTargetTemperature(ctx, 23); err != nil {
		t.Fatal(err)
	}
	state, ok := fc.last("eq3/living_room")
	if !ok {
		t.Fatal("no state published")
	}
	if state["connection"] != "connected" {
		t.Errorf("connection = %v", state["connection"])
	}
	if state["target_temperature"] != 23.0 {
		t.Errorf("target_temperature = %v, want 23", state["target_temperature"])
	}

	if _, err := th.Accessory().Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	state, _ = fc.last("eq3/living_room")
	if state["mode"] != "auto" || state["valve_position"] != 100.0 {
		t.Errorf("snapshot state = %v", state)
	}

	th.Connection().Disconnect()
	state, _ = fc.last("eq3/living_room")
	if state["connection"] != "disconnected" {
		t.Errorf("connection = %v after disconnect", state["connection"])
	}
}

func TestMustJSON(t *testing.T) {
	got := string(mustJSON(map[string]int{"a": 1}))
	if got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("mustJSON(func) = %s, want {}", got)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
