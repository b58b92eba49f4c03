package inventory

import (
	"context"
	"fmt"
	"log/slog"
)

// Source is the cloud side of a sync.
type Source interface {
	EnsureReady(ctx context.Context) error
	ListHouses(ctx context.Context) ([]map[string]any, error)
	ListStations(ctx context.Context, houseID string) ([]map[string]any, error)
	// FetchHouseShadow and FetchStationShadow report ok=false when the page
	// does not exist.
	FetchHouseShadow(ctx context.Context, house map[string]any, page string) (ShadowDocument, bool, error)
	FetchStationShadow(ctx context.Context, house, station map[string]any, page string) (ShadowDocument, bool, error)
}

// Synchronizer rebuilds the inventory from a Source.
type Synchronizer struct {
	src    Source
	inv    *Inventory
	logger *slog.Logger
}

// NewSynchronizer returns a Synchronizer writing into inv.
func NewSynchronizer(src Source, inv *Inventory, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{src: src, inv: inv, logger: logger.With("component", "sync")}
}

// Sync fetches the whole tree and replaces the inventory with it. On error
// the inventory is left as it was.
func (s *Synchronizer) Sync(ctx context.Context) (map[string]*House, error) {
	if err := s.src.EnsureReady(ctx); err != nil {
		return nil, err
	}
	houses, err := s.src.ListHouses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list houses: %w", err)
	}

	out := make(map[string]*House, len(houses))
	for _, def := range houses {
		id := stringOf(def["houseId"])
		if id == "" {
			continue
		}
		h, err := s.syncHouse(ctx, id, def)
		if err != nil {
			return nil, fmt.Errorf("house %s: %w", id, err)
		}
		out[id] = h
	}

	s.inv.Replace(out)
	s.logger.Info("inventory synced", "houses", len(out), "stations", s.inv.Len())
	return s.inv.Snapshot(), nil
}

func (s *Synchronizer) syncHouse(ctx context.Context, id string, def map[string]any) (*House, error) {
	h := &House{
		ID:         id,
		Definition: def,
		Shadows:    make(map[string]ShadowDocument),
		Stations:   make(map[string]*Station),
	}
	for _, page := range []string{PagePrimary, PageSecondary} {
		doc, ok, err := s.src.FetchHouseShadow(ctx, def, page)
		if err != nil {
			return nil, fmt.Errorf("house shadow %s: %w", page, err)
		}
		if ok {
			h.Shadows[page] = doc
		}
	}

	stations, err := s.src.ListStations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	for _, sdef := range stations {
		sn := StationSerial(sdef)
		if sn == "" {
			continue
		}
		st, err := s.syncStation(ctx, def, sdef, id, sn)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", sn, err)
		}
		h.Stations[sn] = st
	}
	return h, nil
}

func (s *Synchronizer) syncStation(ctx context.Context, house, def map[string]any, houseID, sn string) (*Station, error) {
	st := &Station{
		Serial:     sn,
		HouseID:    houseID,
		Definition: def,
		Shadows:    make(map[string]ShadowDocument),
		Latest:     make(map[string]any),
	}
	pages := []struct{ fetch, store string }{
		{PagePrimary, PagePrimary},
		{PageSecondary, PageSecondary},
		{PageInfo + "_" + sn, PageInfo},
		{PageSecondaryInfo + "_" + sn, PageSecondaryInfo},
	}
	for _, p := range pages {
		doc, ok, err := s.src.FetchStationShadow(ctx, house, def, p.fetch)
		if err != nil {
			return nil, fmt.Errorf("shadow %s: %w", p.fetch, err)
		}
		if ok {
			st.Shadows[p.store] = doc
		}
	}
	st.Devices = ExtractDevices(st)
	return st, nil
}
