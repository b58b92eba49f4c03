package gateway

import (
	"math"
	"strconv"
	"time"

	"xsense-go-home/internal/inventory"
)

// MinSensorReportInterval is the shortest cooldown between two long-term
// sensor report requests for one station.
const MinSensorReportInterval = 300 * time.Second

// Features toggles value groups and background work.
type Features struct {
	Environment     bool // temperature, humidity, coPpm
	Diagnostics     bool // rssi, firmware, rf level
	Binary          bool // alarm flag
	Devices         bool // sub-device values
	Actions         bool // available action list per station
	LongtermSensors bool // periodic sensor report requests
}

// AllFeatures returns a Features with every group enabled.
func AllFeatures() Features {
	return Features{
		Environment:     true,
		Diagnostics:     true,
		Binary:          true,
		Devices:         true,
		Actions:         true,
		LongtermSensors: true,
	}
}

// Config holds gateway configuration.
type Config struct {
	Username string
	Password string

	Preference           inventory.Preference
	SensorReportInterval time.Duration

	// StationFilter maps a station serial to enabled. Empty enables all.
	StationFilter map[string]bool

	Features Features
}

// StationEnabled reports whether sn passes the station filter.
func (c Config) StationEnabled(sn string) bool {
	if len(c.StationFilter) == 0 {
		return true
	}
	return c.StationFilter[sn]
}

func (c Config) hasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// sensorCooldown is max(MinSensorReportInterval, SensorReportInterval).
func (c Config) sensorCooldown() time.Duration {
	return max(MinSensorReportInterval, c.SensorReportInterval)
}

// timeoutMinutes is the report window, in whole minutes, for a cooldown.
func timeoutMinutes(cooldown time.Duration) string {
	m := int(math.Ceil(cooldown.Minutes()))
	return strconv.Itoa(max(1, m))
}
