package inventory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field sources besides shadow pages.
const (
	SourceLatest     = "latest"
	SourceDefinition = "definition"
)

// Preference selects the order in which field sources are consulted.
type Preference string

const (
	PreferAuto      Preference = "auto"
	PreferPrimary   Preference = "primary"
	PreferSecondary Preference = "secondary"
)

// ParsePreference accepts "auto", "primary", "secondary" and the
// "prefer-" spellings. Empty means auto.
func ParsePreference(s string) (Preference, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "prefer-") {
	case "", "auto":
		return PreferAuto, nil
	case "primary":
		return PreferPrimary, nil
	case "secondary":
		return PreferSecondary, nil
	}
	return "", fmt.Errorf("unknown shadow preference %q", s)
}

// Order returns the source order for p. Unknown values behave like auto.
func (p Preference) Order() []string {
	switch p {
	case PreferPrimary:
		return []string{SourceLatest, PagePrimary, PageInfo, PageSecondary, PageSecondaryInfo, SourceDefinition}
	case PreferSecondary:
		return []string{SourceLatest, PageSecondary, PageSecondaryInfo, PagePrimary, PageInfo, SourceDefinition}
	}
	return []string{SourceLatest, PagePrimary, PageSecondary, PageInfo, PageSecondaryInfo, SourceDefinition}
}

// ResolveField returns the first value for key in p's source order, then
// falls back to every other shadow page in name order.
func ResolveField(st *Station, key string, p Preference) (any, bool) {
	order := p.Order()
	tried := make(map[string]bool, len(order))
	for _, src := range order {
		tried[src] = true
		switch src {
		case SourceLatest:
			if v, ok := st.Latest[key]; ok && v != nil {
				return v, true
			}
		case SourceDefinition:
			if v, ok := st.Definition[key]; ok && v != nil {
				return v, true
			}
		default:
			if doc, ok := st.Shadows[src]; ok {
				if v, ok := doc.Reported[key]; ok {
					return v, true
				}
			}
		}
	}

	rest := make([]string, 0, len(st.Shadows))
	for page := range st.Shadows {
		if !tried[page] {
			rest = append(rest, page)
		}
	}
	sort.Strings(rest)
	for _, page := range rest {
		if v, ok := st.Shadows[page].Reported[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// ResolveDeviceValue looks key up on the device, then in its "data" map.
func ResolveDeviceValue(d DeviceSnapshot, key string) (any, bool) {
	if v, ok := d.Fields[key]; ok {
		return v, true
	}
	if data, ok := d.Fields["data"].(map[string]any); ok {
		if v, ok := data[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// StringField resolves key as a string.
func StringField(st *Station, key string, p Preference) (string, bool) {
	v, ok := ResolveField(st, key, p)
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	if s := stringOf(v); s != "" {
		return s, true
	}
	return fmt.Sprint(v), true
}

// FloatField resolves key as a number. Numeric strings are accepted.
func FloatField(st *Station, key string, p Preference) (float64, bool) {
	v, ok := ResolveField(st, key, p)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat converts JSON-decoded scalars to float64.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// ApplyPush merges a real-time update into a cached station. It reports
// false, and changes nothing, when the station is unknown.
func (inv *Inventory) ApplyPush(serial string, reported map[string]any, devices map[string]any) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	hid, ok := inv.index[serial]
	if !ok {
		return false
	}
	st, ok := inv.houses[hid].Stations[serial]
	if !ok {
		return false
	}

	if st.Shadows == nil {
		st.Shadows = make(map[string]ShadowDocument)
	}
	st.Shadows[PagePush] = ShadowDocument{Reported: cloneMap(reported)}
	if st.Latest == nil {
		st.Latest = make(map[string]any, len(reported))
	}
	for k, v := range reported {
		st.Latest[k] = cloneValue(v)
	}
	if len(devices) > 0 {
		if st.Devices == nil {
			st.Devices = make(map[string]DeviceSnapshot)
		}
		mergeDevices(st.Devices, devices)
	}
	return true
}
