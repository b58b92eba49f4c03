package cloud

// ThingName maps a station to its shadow thing name. Base stations use the
// bare serial; a few Wi-Fi detectors join type and serial with a dash.
func ThingName(stationType, serial string) string {
	switch stationType {
	case "SBS10":
		return serial
	case "XC04-WX", "SC07-WX":
		return stationType + "-" + serial
	}
	return stationType + serial
}
