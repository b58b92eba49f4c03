package gateway

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/tree"
)

// Group is the feature group a sensor belongs to.
type Group string

const (
	GroupCore        Group = "core"
	GroupDiagnostic  Group = "diagnostic"
	GroupEnvironment Group = "environment"
)

// SensorDefinition maps one reported key to a typed value.
type SensorDefinition struct {
	Key   string
	Label string
	Kind  tree.Kind
	Group Group
	// Format replaces the default conversion when set.
	Format func(v any) any
}

var (
	wifiRSSI    = SensorDefinition{Key: "wifiRSSI", Label: "Wi-Fi RSSI", Kind: tree.KindInt, Group: GroupDiagnostic}
	wifiSSID    = SensorDefinition{Key: "ssid", Label: "Wi-Fi SSID", Kind: tree.KindString, Group: GroupDiagnostic}
	swVersion   = SensorDefinition{Key: "sw", Label: "Firmware", Kind: tree.KindString, Group: GroupDiagnostic}
	wifiFirm    = SensorDefinition{Key: "wifi_sw", Label: "Wi-Fi firmware", Kind: tree.KindString, Group: GroupDiagnostic}
	ipAddress   = SensorDefinition{Key: "ip", Label: "IP address", Kind: tree.KindString, Group: GroupDiagnostic}
	alarmVolume = SensorDefinition{Key: "alarmVol", Label: "Alarm volume", Kind: tree.KindInt, Group: GroupCore}
	voiceVolume = SensorDefinition{Key: "voiceVol", Label: "Voice volume", Kind: tree.KindInt, Group: GroupCore}
	alarmFlag   = SensorDefinition{Key: "alarm", Label: "Alarm active", Kind: tree.KindBool, Group: GroupCore}
	coPPM       = SensorDefinition{Key: "coPpm", Label: "CO (ppm)", Kind: tree.KindFloat, Group: GroupEnvironment}
	temperature = SensorDefinition{Key: "temperature", Label: "Temperature", Kind: tree.KindFloat, Group: GroupEnvironment}
	humidity    = SensorDefinition{Key: "humidity", Label: "Humidity", Kind: tree.KindFloat, Group: GroupEnvironment}
	battery     = SensorDefinition{Key: "batInfo", Label: "Battery", Kind: tree.KindFloat, Group: GroupCore, Format: batteryPercent}
	rfLevel     = SensorDefinition{Key: "rfLevel", Label: "RF level", Kind: tree.KindInt, Group: GroupDiagnostic, Format: clampRFLevel}
)

// StationSensors are projected for every enabled station.
func StationSensors() []SensorDefinition {
	return []SensorDefinition{
		wifiRSSI, wifiSSID, swVersion, wifiFirm, ipAddress,
		alarmVolume, voiceVolume, alarmFlag,
		coPPM, temperature, humidity, battery, rfLevel,
	}
}

// DeviceSensors are projected for sub-devices when device values are on.
func DeviceSensors() []SensorDefinition {
	return []SensorDefinition{temperature, humidity, coPPM, battery, rfLevel}
}

// batteryPercent converts the 0..3 battery level to a percentage.
func batteryPercent(v any) any {
	f, ok := inventory.ToFloat(v)
	if !ok {
		return 0.0
	}
	return math.Round(f*100/3*10) / 10
}

func clampRFLevel(v any) any {
	f, ok := inventory.ToFloat(v)
	if !ok {
		return int64(0)
	}
	return min(max(int64(f), 0), 3)
}

// enabled reports whether a definition passes the feature flags.
func (f Features) enabled(d SensorDefinition) bool {
	switch {
	case d.Group == GroupDiagnostic && !f.Diagnostics:
		return false
	case d.Group == GroupEnvironment && !f.Environment:
		return false
	case d.Kind == tree.KindBool && !f.Binary:
		return false
	}
	return true
}

// convert turns a decoded JSON value into the definition's kind. ok is
// false when the value cannot be represented.
func (d SensorDefinition) convert(v any) (any, bool) {
	if d.Format != nil {
		v = d.Format(v)
	}
	switch d.Kind {
	case tree.KindBool:
		return toBool(v), true
	case tree.KindInt:
		f, ok := inventory.ToFloat(v)
		return int64(f), ok
	case tree.KindFloat:
		return inventory.ToFloat(v)
	case tree.KindString:
		return toString(v), true
	}
	return nil, false
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "off":
			return false
		}
		return true
	case nil:
		return false
	}
	f, ok := inventory.ToFloat(v)
	return ok && f != 0
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// Value paths.
func housePath(id string) string            { return "house_" + id }
func stationPath(houseID, sn string) string { return tree.Join(housePath(houseID), "station_"+sn) }
func devicePath(houseID, sn, dsn string) string {
	return tree.Join(stationPath(houseID, sn), "device_"+dsn)
}
func actionPath(houseID, sn, action string) string {
	return tree.Join(stationPath(houseID, sn), "action_"+action)
}

// Project writes the whole inventory into the value tree. Disabled
// stations are skipped.
func (g *Gateway) Project() error {
	houses := g.inv.Snapshot()
	ids := make([]string, 0, len(houses))
	for id := range houses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		h := houses[id]
		errs = append(errs, g.projectHouse(h))
		for _, sn := range sortedKeys(h.Stations) {
			if !g.config.StationEnabled(sn) {
				continue
			}
			errs = append(errs, g.projectStation(h, h.Stations[sn]))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) projectHouse(h *inventory.House) error {
	online := true
	if v, ok := h.Definition["online"]; ok {
		online = toBool(v)
	}
	p := housePath(h.ID)
	return errors.Join(
		g.values.UpsertValue(tree.Join(p, "name"), tree.KindString, h.Name()),
		g.values.UpsertValue(tree.Join(p, "online"), tree.KindBool, online),
	)
}

func (g *Gateway) projectStation(h *inventory.House, st *inventory.Station) error {
	p := stationPath(h.ID, st.Serial)
	errs := []error{
		g.values.UpsertValue(tree.Join(p, "name"), tree.KindString, st.Name()),
		g.values.UpsertValue(tree.Join(p, "online"), tree.KindBool, st.Online()),
	}

	for _, d := range StationSensors() {
		if !g.config.Features.enabled(d) {
			continue
		}
		raw, ok := inventory.ResolveField(st, d.Key, g.config.Preference)
		if !ok || raw == nil {
			continue
		}
		if v, ok := d.convert(raw); ok {
			errs = append(errs, g.values.UpsertValue(tree.Join(p, d.Key), d.Kind, v))
		}
	}

	if g.config.Features.Actions {
		var names []string
		for _, a := range g.actions.Actions(st.Type()) {
			names = append(names, a.Action)
		}
		if len(names) > 0 {
			errs = append(errs, g.values.UpsertValue(tree.Join(p, "actions"), tree.KindString, strings.Join(names, ",")))
		}
	}

	if g.config.Features.Devices {
		for _, dsn := range sortedKeys(st.Devices) {
			errs = append(errs, g.projectDevice(h.ID, st.Serial, st.Devices[dsn]))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) projectDevice(houseID, sn string, dev inventory.DeviceSnapshot) error {
	p := devicePath(houseID, sn, dev.Serial)
	name := dev.Name
	if name == "" {
		name = dev.Serial
	}
	errs := []error{
		g.values.UpsertValue(tree.Join(p, "name"), tree.KindString, name),
		g.values.UpsertValue(tree.Join(p, "type"), tree.KindString, dev.Type()),
		g.values.UpsertValue(tree.Join(p, "online"), tree.KindBool, dev.Online),
	}
	for _, d := range DeviceSensors() {
		if !g.config.Features.enabled(d) {
			continue
		}
		raw, ok := inventory.ResolveDeviceValue(dev, d.Key)
		if !ok || raw == nil {
			continue
		}
		if v, ok := d.convert(raw); ok {
			errs = append(errs, g.values.UpsertValue(tree.Join(p, d.Key), d.Kind, v))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
