// Package gateway keeps the cloud inventory in sync, projects it into a
// value tree and dispatches pushes, actions and sensor report requests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/store"
	"xsense-go-home/internal/tree"
)

// Cloud is the account side the gateway drives. *cloud.Client implements it.
type Cloud interface {
	inventory.Source
	Login(ctx context.Context, username, password string) error
	SessionState() cloud.State
	ExportSession() cloud.PersistedSession
	RestoreSession(p cloud.PersistedSession) error
	TriggerAction(ctx context.Context, house *inventory.House, station *inventory.Station, def cloud.ActionDefinition) (map[string]any, error)
	RequestSensorReport(ctx context.Context, house *inventory.House, station *inventory.Station, serials []string, opts cloud.SensorReportOptions) (map[string]any, error)
}

// Subscriber receives the desired push topic set.
type Subscriber interface {
	SetTopics(topics []string)
}

// Gateway orchestrates sync, projection and dispatch.
type Gateway struct {
	cloud   Cloud
	actions *cloud.ActionCatalog
	inv     *inventory.Inventory
	sync    *inventory.Synchronizer
	memory  *tree.Memory
	values  tree.ValueTree
	store   store.Store
	events  *inventory.EventBus
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	updateMu sync.Mutex // one update cycle at a time
	reportMu sync.Mutex // cooldown check and request are one step

	mu         sync.Mutex
	subscriber Subscriber
	topics     []string
	cooldowns  map[string]time.Time
}

// New creates a gateway. Values are always kept in memory; extra sinks
// receive every write as well.
func New(c Cloud, actions *cloud.ActionCatalog, st store.Store, events *inventory.EventBus, cfg Config, logger *slog.Logger, sinks ...tree.ValueTree) *Gateway {
	if actions == nil {
		actions = cloud.DefaultActions()
	}
	logger = logger.With("component", "gateway")
	inv := inventory.New()
	mem := tree.NewMemory()
	var values tree.ValueTree = mem
	if len(sinks) > 0 {
		values = tree.Tee(append([]tree.ValueTree{mem}, sinks...)...)
	}
	return &Gateway{
		cloud:     c,
		actions:   actions,
		inv:       inv,
		sync:      inventory.NewSynchronizer(c, inv, logger),
		memory:    mem,
		values:    values,
		store:     st,
		events:    events,
		logger:    logger,
		config:    cfg,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// Inventory returns the cached inventory.
func (g *Gateway) Inventory() *inventory.Inventory { return g.inv }

// Values returns the in-memory value tree.
func (g *Gateway) Values() *tree.Memory { return g.memory }

// Events returns the event bus.
func (g *Gateway) Events() *inventory.EventBus { return g.events }

// Actions returns the action catalog.
func (g *Gateway) Actions() *cloud.ActionCatalog { return g.actions }

// Config returns the gateway configuration.
func (g *Gateway) Config() Config { return g.config }

// SessionState reports the cloud session state.
func (g *Gateway) SessionState() cloud.State { return g.cloud.SessionState() }

// Restore loads the persisted session, inventory and cooldowns. Missing
// records are not an error.
func (g *Gateway) Restore() error {
	var errs []error

	if p, err := g.store.GetSession(); err == nil {
		if err := g.cloud.RestoreSession(*p); err != nil {
			g.logger.Warn("restore session", "err", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, fmt.Errorf("load session: %w", err))
	}

	if data, err := g.store.GetInventory(); err == nil {
		if err := g.inv.Restore(data); err != nil {
			g.logger.Warn("restore inventory", "err", err)
		} else if err := g.Project(); err != nil {
			g.logger.Warn("project restored inventory", "err", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		errs = append(errs, fmt.Errorf("load inventory: %w", err))
	}

	if list, err := g.store.ListCooldowns(); err == nil {
		g.mu.Lock()
		for sn, at := range list {
			g.cooldowns[sn] = at
		}
		g.mu.Unlock()
	} else {
		errs = append(errs, fmt.Errorf("load cooldowns: %w", err))
	}

	g.logger.Info("state restored", "stations", g.inv.Len(), "session", g.cloud.SessionState().String())
	return errors.Join(errs...)
}

// Update runs one cycle: login when needed, sync, persist, project,
// refresh subscriptions and request long-term sensor reports.
func (g *Gateway) Update(ctx context.Context) error {
	g.updateMu.Lock()
	defer g.updateMu.Unlock()

	if err := g.update(ctx); err != nil {
		g.logger.Error("update failed", "err", err)
		g.recordAPIError(cloud.Message(err))
		g.events.Emit(inventory.Event{
			Type: inventory.EventSyncFailed,
			Time: g.now(),
			Data: map[string]any{"error": err.Error(), "kind": string(cloud.KindOf(err))},
		})
		return err
	}

	g.recordAPISuccess()
	g.events.Emit(inventory.Event{
		Type: inventory.EventSyncCompleted,
		Time: g.now(),
		Data: map[string]any{"stations": g.inv.Len()},
	})
	return nil
}

func (g *Gateway) update(ctx context.Context) error {
	if g.config.hasCredentials() && g.cloud.SessionState() == cloud.StateUnauthenticated {
		if err := g.cloud.Login(ctx, g.config.Username, g.config.Password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		g.saveSession()
	}

	if _, err := g.sync.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	g.saveSession()
	g.saveInventory()

	if err := g.Project(); err != nil {
		g.logger.Warn("project values", "err", err)
	}
	g.applyTopics()

	if g.config.Features.LongtermSensors {
		g.requestLongtermSensors(ctx)
	}
	return nil
}

func (g *Gateway) saveSession() {
	p := g.cloud.ExportSession()
	if err := g.store.SaveSession(&p); err != nil {
		g.logger.Error("save session", "err", err)
	}
}

func (g *Gateway) saveInventory() {
	data, err := g.inv.Export()
	if err == nil {
		err = g.store.SaveInventory(data)
	}
	if err != nil {
		g.logger.Error("save inventory", "err", err)
	}
}

// StationInfo is a station summary for API callers and scripts.
type StationInfo struct {
	Serial  string   `json:"serial"`
	HouseID string   `json:"houseId"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Thing   string   `json:"thing"`
	Online  bool     `json:"online"`
	Enabled bool     `json:"enabled"`
	Devices int      `json:"devices"`
	Actions []string `json:"actions,omitempty"`
}

// Stations lists every cached station, sorted by serial.
func (g *Gateway) Stations() []StationInfo {
	var out []StationInfo
	for _, sn := range g.inv.Serials() {
		if info, ok := g.Station(sn); ok {
			out = append(out, info)
		}
	}
	return out
}

// Station returns one station summary.
func (g *Gateway) Station(sn string) (StationInfo, bool) {
	st, h, ok := g.inv.Station(sn)
	if !ok {
		return StationInfo{}, false
	}
	info := StationInfo{
		Serial:  st.Serial,
		HouseID: h.ID,
		Name:    st.Name(),
		Type:    st.Type(),
		Thing:   cloud.ThingName(st.Type(), st.Serial),
		Online:  st.Online(),
		Enabled: g.config.StationEnabled(st.Serial),
		Devices: len(st.Devices),
	}
	for _, a := range g.actions.Actions(st.Type()) {
		info.Actions = append(info.Actions, a.Action)
	}
	return info, true
}

// StationValue returns a projected value of a station, e.g. "batInfo".
func (g *Gateway) StationValue(sn, key string) (tree.Value, bool) {
	_, h, ok := g.inv.Station(sn)
	if !ok {
		return tree.Value{}, false
	}
	return g.memory.Value(tree.Join(stationPath(h.ID, sn), key))
}

// StationValues returns every projected value of a station keyed by path
// relative to the station, e.g. "device_D1/temperature".
func (g *Gateway) StationValues(sn string) map[string]tree.Value {
	_, h, ok := g.inv.Station(sn)
	if !ok {
		return nil
	}
	prefix := stationPath(h.ID, sn) + "/"
	out := make(map[string]tree.Value)
	for p, v := range g.memory.Snapshot(stationPath(h.ID, sn)) {
		if rel, found := strings.CutPrefix(p, prefix); found {
			out[rel] = v
		}
	}
	return out
}
