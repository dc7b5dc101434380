//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"eq3-go-home/internal/thermostat"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/eq3_001A220ABBCC/thermostat/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
}

// haDiscovery is the payload for sensor and binary_sensor entities.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// haClimate is the payload for the climate entity.
type haClimate struct {
	Name                       string   `json:"name"`
	UniqueID                   string   `json:"unique_id"`
	AvailabilityTopic          string   `json:"availability_topic"`
	TemperatureCommandTopic    string   `json:"temperature_command_topic"`
	TemperatureStateTopic      string   `json:"temperature_state_topic"`
	TemperatureStateTemplate   string   `json:"temperature_state_template"`
	CurrentTemperatureTopic    string   `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string   `json:"current_temperature_template"`
	ModeCommandTopic           string   `json:"mode_command_topic"`
	ModeStateTopic             string   `json:"mode_state_topic"`
	ModeStateTemplate          string   `json:"mode_state_template"`
	Modes                      []string `json:"modes"`
	ActionTopic                string   `json:"action_topic"`
	ActionTemplate             string   `json:"action_template"`
	MinTemp                    float64  `json:"min_temp"`
	MaxTemp                    float64  `json:"max_temp"`
	TempStep                   float64  `json:"temp_step"`
	TemperatureUnit            string   `json:"temperature_unit"`
	Device                     haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(info thermostat.AccessoryInfo) string {
	return "eq3_" + strings.ReplaceAll(strings.ToUpper(info.Address), ":", "")
}

// deviceTopicName returns the topic name for the thermostat (sanitized name or address).
func deviceTopicName(info thermostat.AccessoryInfo) string {
	if info.Name != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(info.Name)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return deviceIdentifier(info)
}

// buildDiscovery generates HA discovery messages for the thermostat.
func buildDiscovery(info thermostat.AccessoryInfo, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	base := prefix + "/" + deviceTopicName(info)
	nodeID := deviceIdentifier(info)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Connections:  [][2]string{{"bluetooth", info.Address}},
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		Name:         info.Name,
	}

	return []discoveryMsg{
		buildClimate(nodeID, info.Name, base, avail, haDev),
		buildSensor(nodeID, info.Name, base, avail, haDev,
			"valve", "Valve", "", "%", "measurement",
			"{{ value_json.valve_position }}"),
		buildBinarySensor(nodeID, info.Name, base, avail, haDev,
			"connection", "Connection", "connectivity",
			"{{ 'ON' if value_json.connection == 'connected' else 'OFF' }}"),
	}
}

func buildClimate(nodeID, displayName, base, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/climate/%s/thermostat/config", nodeID)
	payload := haClimate{
		Name:                       displayName,
		UniqueID:                   nodeID + "_climate",
		AvailabilityTopic:          avail,
		TemperatureCommandTopic:    base + "/temperature/set",
		TemperatureStateTopic:      base,
		TemperatureStateTemplate:   "{{ value_json.target_temperature }}",
		CurrentTemperatureTopic:    base,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",
		ModeCommandTopic:           base + "/mode/set",
		ModeStateTopic:             base,
		ModeStateTemplate:          "{{ value_json.mode }}",
		Modes:                      []string{"off", "heat", "auto"},
		ActionTopic:                base,
		ActionTemplate:             "{{ value_json.hvac_action }}",
		MinTemp:                    thermostat.MinTargetTemperature,
		MaxTemp:                    thermostat.MaxTargetTemperature,
		TempStep:                   0.5,
		TemperatureUnit:            "C",
		Device:                     haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		EntityCategory:    "diagnostic",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove the thermostat from HA.
func buildRemoveDiscovery(info thermostat.AccessoryInfo) []discoveryMsg {
	nodeID := deviceIdentifier(info)
	components := []struct{ comp, obj string }{
		{"climate", "thermostat"},
		{"sensor", "valve"},
		{"binary_sensor", "connection"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
