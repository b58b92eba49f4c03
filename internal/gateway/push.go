package gateway

import (
	"errors"
	"sort"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/inventory"
)

// Alarm types carried by alarm events.
const (
	AlarmCO    = "co"
	AlarmSmoke = "smoke"
	AlarmWater = "water"
)

// AlarmType classifies pushed fields. It returns "" when nothing is alarming.
func AlarmType(fields map[string]any) string {
	if f, ok := inventory.ToFloat(fields["coPpm"]); ok && f > 0 {
		return AlarmCO
	}
	if toBool(fields["alarm"]) {
		return AlarmSmoke
	}
	if toBool(fields["water"]) {
		return AlarmWater
	}
	return ""
}

// HandlePacket applies a transport packet {Topic, Payload}.
func (g *Gateway) HandlePacket(raw []byte) error {
	p, err := inventory.ParsePacket(raw)
	return g.handlePush(p, err)
}

// HandleMessage applies a broker message.
func (g *Gateway) HandleMessage(topic string, payload []byte) error {
	p, err := inventory.ParseMessage(topic, payload)
	return g.handlePush(p, err)
}

func (g *Gateway) handlePush(p inventory.Push, err error) error {
	if errors.Is(err, inventory.ErrNoStation) {
		g.logger.Debug("push without station ignored", "topic", p.Topic)
		return nil
	}
	if err != nil {
		return err
	}
	if !g.config.StationEnabled(p.Station) {
		g.logger.Debug("push for disabled station ignored", "station", p.Station)
		return nil
	}
	if !g.inv.ApplyPush(p.Station, p.Reported, p.Devices) {
		g.logger.Debug("push for unknown station ignored", "station", p.Station, "topic", p.Topic)
		return nil
	}

	g.recordPush()
	g.saveInventory()

	st, h, ok := g.inv.Station(p.Station)
	if !ok {
		return nil
	}
	if err := g.projectStation(h, st); err != nil {
		g.logger.Warn("project station", "station", st.Serial, "err", err)
	}
	g.logger.Debug("push applied", "station", st.Serial, "topic", p.Topic, "devices", len(p.Devices))

	now := g.now()
	g.events.Emit(inventory.Event{
		Type:    inventory.EventStationUpdate,
		Station: st.Serial,
		Time:    now,
		Data:    p.Reported,
	})

	serials := make([]string, 0, len(p.Devices))
	for dsn := range p.Devices {
		if dsn != "" {
			serials = append(serials, dsn)
		}
	}
	sort.Strings(serials)
	for _, dsn := range serials {
		state, ok := p.Devices[dsn].(map[string]any)
		if !ok {
			state = map[string]any{"value": p.Devices[dsn]}
		}
		g.events.Emit(inventory.Event{
			Type:    inventory.EventDeviceUpdate,
			Station: st.Serial,
			Device:  dsn,
			Time:    now,
			Data:    state,
		})
	}

	if kind := AlarmType(p.Reported); kind != "" {
		g.logger.Warn("alarm reported", "station", st.Serial, "type", kind)
		g.events.Emit(inventory.Event{
			Type:    inventory.EventAlarm,
			Station: st.Serial,
			Time:    now,
			Data: map[string]any{
				"type":       kind,
				"deviceType": st.Type(),
				"thing":      cloud.ThingName(st.Type(), st.Serial),
				"fields":     p.Reported,
			},
		})
	}
	return nil
}
