package store

import "time"

// Diagnostics are the cloud and broker health counters.
type Diagnostics struct {
	APIErrors          int       `json:"apiErrors"`
	LastAPIError       string    `json:"lastApiError,omitempty"`
	LastAPIErrorTime   time.Time `json:"lastApiErrorTime,omitzero"`
	LastAPISuccess     time.Time `json:"lastApiSuccess,omitzero"`
	MQTTErrors         int       `json:"mqttErrors"`
	LastMQTTError      string    `json:"lastMqttError,omitempty"`
	LastMQTTErrorTime  time.Time `json:"lastMqttErrorTime,omitzero"`
	LastMQTTSuccess    time.Time `json:"lastMqttSuccess,omitzero"`
	LastMQTTStatus     string    `json:"lastMqttStatus,omitempty"`
	LastMQTTStatusTime time.Time `json:"lastMqttStatusTime,omitzero"`
}

// cooldownStorage is the on-disk form of one cooldown entry.
type cooldownStorage struct {
	At time.Time `json:"at"`
}
