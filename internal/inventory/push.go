package inventory

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoStation marks a push without a stationSN; such pushes are ignored.
var ErrNoStation = errors.New("push without stationSN")

// Push is a decoded real-time shadow update for one station.
type Push struct {
	Topic    string
	Station  string
	Reported map[string]any // without the device map
	Devices  map[string]any
}

// ParsePacket decodes a transport packet of the form {Topic, Payload} or
// {topic, payload}. The payload may be a JSON string or an inline object.
func ParsePacket(raw []byte) (Push, error) {
	var pkt map[string]json.RawMessage
	if err := json.Unmarshal(raw, &pkt); err != nil {
		// Some transports wrap the packet in a JSON string.
		var inner string
		if json.Unmarshal(raw, &inner) != nil {
			return Push{}, fmt.Errorf("decode packet: %w", err)
		}
		if err := json.Unmarshal([]byte(inner), &pkt); err != nil {
			return Push{}, fmt.Errorf("decode packet: %w", err)
		}
	}

	topicRaw, payload := pkt["Topic"], pkt["Payload"]
	if topicRaw == nil || payload == nil {
		topicRaw, payload = pkt["topic"], pkt["payload"]
	}
	if topicRaw == nil || payload == nil {
		return Push{}, fmt.Errorf("packet has no topic/payload")
	}
	var topic string
	if err := json.Unmarshal(topicRaw, &topic); err != nil {
		return Push{}, fmt.Errorf("decode topic: %w", err)
	}

	var s string
	if json.Unmarshal(payload, &s) == nil {
		payload = json.RawMessage(s)
	}
	return ParseMessage(topic, payload)
}

// ParseMessage decodes a shadow update payload {state:{reported:{...}}}.
func ParseMessage(topic string, payload []byte) (Push, error) {
	var msg struct {
		State struct {
			Reported map[string]any `json:"reported"`
		} `json:"state"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Push{}, fmt.Errorf("decode payload: %w", err)
	}
	reported := msg.State.Reported
	sn, _ := reported["stationSN"].(string)
	if sn == "" {
		return Push{Topic: topic}, ErrNoStation
	}

	p := Push{Topic: topic, Station: sn, Reported: reported}
	if devs, ok := reported[devicesKey].(map[string]any); ok {
		p.Devices = devs
	}
	delete(reported, devicesKey)
	return p, nil
}
