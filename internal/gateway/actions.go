package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/tree"
)

// Sub-device models that support long-term sensor reports.
var longtermTypes = map[string]bool{"STH51": true, "STH0A": true}

var (
	// ErrCoolingDown is returned when a sensor report was requested too
	// recently for the station.
	ErrCoolingDown = errors.New("sensor report cooling down")
	// ErrNoSensors is returned when a station has no long-term sensors.
	ErrNoSensors = errors.New("no long-term sensors")
)

// lookupStation returns an enabled station or a wrapped cloud.ErrNotFound.
func (g *Gateway) lookupStation(sn string) (*inventory.Station, *inventory.House, error) {
	st, h, ok := g.inv.Station(sn)
	if !ok || !g.config.StationEnabled(sn) {
		return nil, nil, fmt.Errorf("station %s: %w", sn, cloud.ErrNotFound)
	}
	return st, h, nil
}

// TriggerAction runs a catalog action on a station and records the outcome
// at the station's action_<name> value.
func (g *Gateway) TriggerAction(ctx context.Context, sn, action string) (map[string]any, error) {
	st, h, err := g.lookupStation(sn)
	if err != nil {
		return nil, err
	}
	def, ok := g.actions.Lookup(st.Type(), action)
	if !ok {
		return nil, fmt.Errorf("action %q for %s: %w", action, st.Type(), cloud.ErrNotFound)
	}

	desired, err := g.cloud.TriggerAction(ctx, h, st, def)
	now := g.now()
	status := "Success " + now.Format(time.RFC3339)
	if err != nil {
		status = "Error: " + cloud.Message(err)
	}
	if uerr := g.values.UpsertValue(actionPath(h.ID, sn, action), tree.KindString, status); uerr != nil {
		g.logger.Warn("project action status", "station", sn, "err", uerr)
	}

	data := map[string]any{"action": action, "success": err == nil}
	if err != nil {
		data["error"] = cloud.Message(err)
	} else {
		data["desired"] = desired
	}
	g.events.Emit(inventory.Event{Type: inventory.EventActionResult, Station: sn, Time: now, Data: data})

	if err != nil {
		g.logger.Error("action failed", "station", sn, "action", action, "err", err)
		g.recordAPIError(fmt.Sprintf("action %s %s: %s", action, sn, cloud.Message(err)))
		return nil, fmt.Errorf("action %s on %s: %w", action, sn, err)
	}
	g.logger.Info("action triggered", "station", sn, "action", action)
	g.recordAPISuccess()
	return desired, nil
}

// RequestSensorReport asks a station to push fresh long-term sensor
// readings. It honours the per-station cooldown.
func (g *Gateway) RequestSensorReport(ctx context.Context, sn string) error {
	st, h, err := g.lookupStation(sn)
	if err != nil {
		return err
	}
	err = g.requestReport(ctx, h, st)
	if err == nil || errors.Is(err, ErrCoolingDown) || errors.Is(err, ErrNoSensors) {
		return err
	}
	g.recordAPIError(fmt.Sprintf("sensor request %s: %s", sn, cloud.Message(err)))
	return fmt.Errorf("sensor report %s: %w", sn, err)
}

func (g *Gateway) requestLongtermSensors(ctx context.Context) {
	houses := g.inv.Snapshot()
	for _, id := range sortedKeys(houses) {
		h := houses[id]
		for _, sn := range sortedKeys(h.Stations) {
			if !g.config.StationEnabled(sn) {
				continue
			}
			err := g.requestReport(ctx, h, h.Stations[sn])
			if err == nil || errors.Is(err, ErrCoolingDown) || errors.Is(err, ErrNoSensors) {
				continue
			}
			g.logger.Warn("sensor report request failed", "station", sn, "err", err)
			g.recordAPIError(fmt.Sprintf("sensor request %s: %s", sn, cloud.Message(err)))
		}
	}
}

func (g *Gateway) requestReport(ctx context.Context, h *inventory.House, st *inventory.Station) error {
	serials := longtermSerials(st)
	if len(serials) == 0 {
		return fmt.Errorf("station %s: %w", st.Serial, ErrNoSensors)
	}

	g.reportMu.Lock()
	defer g.reportMu.Unlock()
	cooldown := g.config.sensorCooldown()
	now := g.now()
	g.mu.Lock()
	last, ok := g.cooldowns[st.Serial]
	g.mu.Unlock()
	if ok && now.Sub(last) < cooldown {
		return fmt.Errorf("station %s until %s: %w", st.Serial, last.Add(cooldown).Format(time.RFC3339), ErrCoolingDown)
	}

	opts := cloud.SensorReportOptions{TimeoutM: timeoutMinutes(cooldown)}
	if _, err := g.cloud.RequestSensorReport(ctx, h, st, serials, opts); err != nil {
		return err
	}

	g.mu.Lock()
	g.cooldowns[st.Serial] = now
	g.mu.Unlock()
	if err := g.store.SaveCooldown(st.Serial, now); err != nil {
		g.logger.Error("save cooldown", "station", st.Serial, "err", err)
	}
	g.logger.Info("sensor report requested", "station", st.Serial, "devices", len(serials))
	return nil
}

// longtermSerials returns the sorted serials of st's long-term sensors.
func longtermSerials(st *inventory.Station) []string {
	var out []string
	for _, dsn := range sortedKeys(st.Devices) {
		if longtermTypes[st.Devices[dsn].Type()] {
			out = append(out, dsn)
		}
	}
	return out
}
