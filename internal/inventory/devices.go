package inventory

import "sort"

// devicesKey is the reported field carrying embedded sub-devices.
const devicesKey = "devs"

// fetchOrder is the fixed order station pages are fetched and scanned in.
var fetchOrder = []string{PagePrimary, PageSecondary, PageInfo, PageSecondaryInfo}

// NormalizeDevice turns one entry of a device map into a snapshot.
// Non-object payloads are kept under "value".
func NormalizeDevice(serial string, payload any) DeviceSnapshot {
	fields, ok := payload.(map[string]any)
	if ok {
		fields = cloneMap(fields)
	} else {
		fields = map[string]any{"value": payload}
	}
	fields["sn"] = serial

	d := DeviceSnapshot{Serial: serial, Online: true, Fields: fields}
	if name := stringOf(fields["name"]); name != "" {
		d.Name = name
	} else if name := stringOf(fields["deviceName"]); name != "" {
		d.Name = name
		fields["name"] = name
	}

	if v, ok := fields["online"]; ok {
		d.Online = truthy(v)
	} else if state, ok := fields["state"]; ok {
		d.Online = stringOf(state) != "offline"
		fields["online"] = d.Online
	}
	return d
}

// ExtractDevices scans every shadow of st for an embedded device map.
// Pages are scanned in fetch order, then any other pages sorted by name;
// later pages overwrite earlier ones for the same serial.
func ExtractDevices(st *Station) map[string]DeviceSnapshot {
	out := make(map[string]DeviceSnapshot)
	for _, page := range scanOrder(st.Shadows) {
		mergeDevices(out, st.Shadows[page].Reported[devicesKey])
	}
	return out
}

func mergeDevices(into map[string]DeviceSnapshot, raw any) {
	devs, ok := raw.(map[string]any)
	if !ok {
		return
	}
	serials := make([]string, 0, len(devs))
	for sn := range devs {
		if sn != "" {
			serials = append(serials, sn)
		}
	}
	sort.Strings(serials)
	for _, sn := range serials {
		into[sn] = NormalizeDevice(sn, devs[sn])
	}
}

func scanOrder(shadows map[string]ShadowDocument) []string {
	seen := make(map[string]bool, len(fetchOrder))
	var order []string
	for _, p := range fetchOrder {
		seen[p] = true
		if _, ok := shadows[p]; ok {
			order = append(order, p)
		}
	}
	var rest []string
	for p := range shadows {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
