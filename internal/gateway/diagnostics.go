package gateway

import (
	"errors"

	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/store"
	"xsense-go-home/internal/tree"
)

// Diagnostics returns the persisted health counters.
func (g *Gateway) Diagnostics() (store.Diagnostics, error) {
	d, err := g.store.GetDiagnostics()
	if errors.Is(err, store.ErrNotFound) {
		return store.Diagnostics{}, nil
	}
	if err != nil {
		return store.Diagnostics{}, err
	}
	return *d, nil
}

func (g *Gateway) updateDiagnostics(fn func(d *store.Diagnostics)) {
	err := g.store.UpdateDiagnostics(func(d *store.Diagnostics) error {
		fn(d)
		return nil
	})
	if err != nil {
		g.logger.Error("save diagnostics", "err", err)
	}
}

func (g *Gateway) recordAPISuccess() {
	now := g.now()
	g.updateDiagnostics(func(d *store.Diagnostics) {
		d.LastAPISuccess = now
	})
}

func (g *Gateway) recordAPIError(msg string) {
	now := g.now()
	g.updateDiagnostics(func(d *store.Diagnostics) {
		d.APIErrors++
		d.LastAPIError = msg
		d.LastAPIErrorTime = now
	})
}

// ReportMQTT records a broker status change.
func (g *Gateway) ReportMQTT(connected bool, msg string) {
	now := g.now()
	g.updateDiagnostics(func(d *store.Diagnostics) {
		if connected {
			d.LastMQTTSuccess = now
		} else {
			d.MQTTErrors++
			d.LastMQTTError = msg
			d.LastMQTTErrorTime = now
		}
		d.LastMQTTStatus = msg
		d.LastMQTTStatusTime = now
	})
	if err := g.values.UpsertValue("mqtt_connected", tree.KindBool, connected); err != nil {
		g.logger.Warn("project mqtt status", "err", err)
	}
	g.events.Emit(inventory.Event{
		Type: inventory.EventMQTTStatus,
		Time: now,
		Data: map[string]any{"connected": connected, "message": msg},
	})
}

func (g *Gateway) recordPush() {
	now := g.now()
	g.updateDiagnostics(func(d *store.Diagnostics) {
		d.LastMQTTSuccess = now
	})
}
