// Package inventory holds the house → station → device tree built from
// cloud shadows, and the merge rules that keep it current between syncs.
package inventory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Shadow page names as stored on a station.
const (
	PagePrimary       = "mainpage"
	PageSecondary     = "2nd_mainpage"
	PageInfo          = "info"
	PageSecondaryInfo = "2nd_info"
	PagePush          = "mqtt"
)

// ShadowDocument is one named shadow's state.
type ShadowDocument struct {
	Reported  map[string]any `json:"reported"`
	Desired   map[string]any `json:"desired,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// DeviceSnapshot is a sub-device reported inside a station shadow.
type DeviceSnapshot struct {
	Serial string         `json:"serial"`
	Name   string         `json:"name,omitempty"`
	Online bool           `json:"online"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Type returns the device model.
func (d DeviceSnapshot) Type() string {
	for _, k := range []string{"type", "deviceType"} {
		if s := stringOf(d.Fields[k]); s != "" {
			return s
		}
	}
	return ""
}

// Station is a base station or a standalone Wi-Fi detector.
type Station struct {
	Serial     string                    `json:"serial"`
	HouseID    string                    `json:"houseId"`
	Definition map[string]any            `json:"definition,omitempty"`
	Shadows    map[string]ShadowDocument `json:"shadows,omitempty"`
	Latest     map[string]any            `json:"latest,omitempty"`
	Devices    map[string]DeviceSnapshot `json:"devices,omitempty"`
}

// Type returns the station model, e.g. SBS10.
func (s *Station) Type() string {
	return StationType(s.Definition)
}

// Name returns the user-assigned name, falling back to the serial.
func (s *Station) Name() string {
	for _, k := range []string{"stationName", "name"} {
		if v := stringOf(s.Definition[k]); v != "" {
			return v
		}
	}
	return s.Serial
}

// Online reports the station's online flag; unknown counts as online.
func (s *Station) Online() bool {
	if v, ok := s.Latest["online"]; ok {
		return truthy(v)
	}
	if v, ok := s.Definition["onLine"]; ok {
		return truthy(v)
	}
	if v, ok := s.Definition["online"]; ok {
		return truthy(v)
	}
	return true
}

// House groups stations.
type House struct {
	ID         string                    `json:"id"`
	Definition map[string]any            `json:"definition,omitempty"`
	Shadows    map[string]ShadowDocument `json:"shadows,omitempty"`
	Stations   map[string]*Station       `json:"stations,omitempty"`
}

// Name returns the house name, falling back to the id.
func (h *House) Name() string {
	if v := stringOf(h.Definition["houseName"]); v != "" {
		return v
	}
	return h.ID
}

// Region returns the house's MQTT region, or "" when unset.
func (h *House) Region() string {
	return stringOf(h.Definition["mqttRegion"])
}

// StationSerial extracts a station serial from a raw definition.
func StationSerial(def map[string]any) string {
	for _, k := range []string{"sn", "stationSN", "stationId", "deviceSN"} {
		if s := stringOf(def[k]); s != "" {
			return s
		}
	}
	return ""
}

// StationType extracts a station model from a raw definition.
func StationType(def map[string]any) string {
	for _, k := range []string{"stationType", "type"} {
		if s := stringOf(def[k]); s != "" {
			return s
		}
	}
	return ""
}

// Inventory is the cached tree. The zero value is not usable; use New.
// Readers get deep copies, so they never observe a half-applied mutation.
type Inventory struct {
	mu     sync.RWMutex
	houses map[string]*House
	// station serial → house id
	index map[string]string
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{houses: map[string]*House{}, index: map[string]string{}}
}

// Replace swaps the whole tree.
func (inv *Inventory) Replace(houses map[string]*House) {
	cp := cloneHouses(houses)
	idx := make(map[string]string)
	for id, h := range cp {
		for sn := range h.Stations {
			idx[sn] = id
		}
	}
	inv.mu.Lock()
	inv.houses = cp
	inv.index = idx
	inv.mu.Unlock()
}

// Snapshot returns a deep copy of all houses.
func (inv *Inventory) Snapshot() map[string]*House {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return cloneHouses(inv.houses)
}

// House returns a copy of one house.
func (inv *Inventory) House(id string) (*House, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	h, ok := inv.houses[id]
	if !ok {
		return nil, false
	}
	return cloneHouse(h), true
}

// Station returns copies of a station and its house.
func (inv *Inventory) Station(serial string) (*Station, *House, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	hid, ok := inv.index[serial]
	if !ok {
		return nil, nil, false
	}
	h := inv.houses[hid]
	st, ok := h.Stations[serial]
	if !ok {
		return nil, nil, false
	}
	return cloneStation(st), cloneHouse(h), true
}

// Serials returns all station serials, sorted.
func (inv *Inventory) Serials() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]string, 0, len(inv.index))
	for sn := range inv.index {
		out = append(out, sn)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stations.
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.index)
}

// Export serializes the tree.
func (inv *Inventory) Export() ([]byte, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return json.Marshal(inv.houses)
}

// Restore replaces the tree with a previously exported one.
func (inv *Inventory) Restore(data []byte) error {
	var houses map[string]*House
	if err := json.Unmarshal(data, &houses); err != nil {
		return fmt.Errorf("restore inventory: %w", err)
	}
	for id, h := range houses {
		if h == nil {
			delete(houses, id)
			continue
		}
		for sn, st := range h.Stations {
			if st == nil {
				delete(h.Stations, sn)
			}
		}
	}
	inv.Replace(houses)
	return nil
}

func cloneHouses(in map[string]*House) map[string]*House {
	out := make(map[string]*House, len(in))
	for id, h := range in {
		out[id] = cloneHouse(h)
	}
	return out
}

func cloneHouse(h *House) *House {
	cp := &House{
		ID:         h.ID,
		Definition: cloneMap(h.Definition),
		Shadows:    cloneShadows(h.Shadows),
		Stations:   make(map[string]*Station, len(h.Stations)),
	}
	for sn, st := range h.Stations {
		cp.Stations[sn] = cloneStation(st)
	}
	return cp
}

func cloneStation(s *Station) *Station {
	cp := &Station{
		Serial:     s.Serial,
		HouseID:    s.HouseID,
		Definition: cloneMap(s.Definition),
		Shadows:    cloneShadows(s.Shadows),
		Latest:     cloneMap(s.Latest),
		Devices:    make(map[string]DeviceSnapshot, len(s.Devices)),
	}
	for sn, d := range s.Devices {
		d.Fields = cloneMap(d.Fields)
		cp.Devices[sn] = d
	}
	return cp
}

func cloneShadows(in map[string]ShadowDocument) map[string]ShadowDocument {
	out := make(map[string]ShadowDocument, len(in))
	for k, d := range in {
		out[k] = ShadowDocument{
			Reported:  cloneMap(d.Reported),
			Desired:   cloneMap(d.Desired),
			Version:   d.Version,
			Timestamp: d.Timestamp,
		}
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	}
	return v
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch t {
		case "", "0", "false", "offline", "off":
			return false
		}
		return true
	}
	return v != nil
}
