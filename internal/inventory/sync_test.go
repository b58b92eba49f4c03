package inventory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	houses   []map[string]any
	stations map[string][]map[string]any
	// keyed by thing id + "/" + page
	shadows  map[string]map[string]any
	fail     string // page name that returns an error
	readyErr error
	fetched  []string
}

func (f *fakeSource) EnsureReady(context.Context) error { return f.readyErr }

func (f *fakeSource) ListHouses(context.Context) ([]map[string]any, error) {
	return f.houses, nil
}

func (f *fakeSource) ListStations(_ context.Context, houseID string) ([]map[string]any, error) {
	return f.stations[houseID], nil
}

func (f *fakeSource) lookup(id, page string) (ShadowDocument, bool, error) {
	f.fetched = append(f.fetched, id+"/"+page)
	if page == f.fail {
		return ShadowDocument{}, false, errors.New("boom")
	}
	rep, ok := f.shadows[id+"/"+page]
	if !ok {
		return ShadowDocument{}, false, nil
	}
	return ShadowDocument{Reported: rep}, true, nil
}

func (f *fakeSource) FetchHouseShadow(_ context.Context, house map[string]any, page string) (ShadowDocument, bool, error) {
	return f.lookup(house["houseId"].(string), page)
}

func (f *fakeSource) FetchStationShadow(_ context.Context, _, station map[string]any, page string) (ShadowDocument, bool, error) {
	return f.lookup(StationSerial(station), page)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		houses: []map[string]any{
			{"houseId": "H1", "houseName": "Home", "mqttRegion": "eu-central-1"},
			{"houseName": "no id"},
		},
		stations: map[string][]map[string]any{
			"H1": {
				{"stationSN": "ST1", "stationType": "SBS10", "stationName": "Hall"},
				{"stationName": "no serial"},
			},
		},
		shadows: map[string]map[string]any{
			"H1/mainpage":      {"houseVol": 1.0},
			"ST1/mainpage":     {"wifiRSSI": -50.0, "devs": map[string]any{"D1": map[string]any{"type": "STH51"}}},
			"ST1/info_ST1":     {"sw": "v1"},
			"ST1/2nd_info_ST1": {"ip": "10.0.0.2"},
		},
	}
}

func TestSyncBuildsTree(t *testing.T) {
	src := newFakeSource()
	inv := New()
	houses, err := NewSynchronizer(src, inv, testLogger()).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(houses) != 1 {
		t.Fatalf("houses = %d, want 1", len(houses))
	}
	h := houses["H1"]
	if h.Name() != "Home" || h.Region() != "eu-central-1" {
		t.Errorf("house = %s/%s", h.Name(), h.Region())
	}
	if _, ok := h.Shadows[PageSecondary]; ok {
		t.Error("absent house page stored")
	}

	st, _, ok := inv.Station("ST1")
	if !ok {
		t.Fatal("station missing from inventory")
	}
	if st.Name() != "Hall" || st.Type() != "SBS10" || st.HouseID != "H1" {
		t.Errorf("station = %s %s %s", st.Name(), st.Type(), st.HouseID)
	}
	if st.Shadows[PageInfo].Reported["sw"] != "v1" {
		t.Errorf("info page not stored under %q", PageInfo)
	}
	if st.Shadows[PageSecondaryInfo].Reported["ip"] != "10.0.0.2" {
		t.Errorf("2nd_info page not stored under %q", PageSecondaryInfo)
	}
	if _, ok := st.Shadows[PageSecondary]; ok {
		t.Error("absent station page stored")
	}
	if d, ok := st.Devices["D1"]; !ok || d.Type() != "STH51" {
		t.Errorf("devices = %v", st.Devices)
	}
	if inv.Len() != 1 {
		t.Errorf("len = %d, want 1", inv.Len())
	}
}

func TestSyncFailureKeepsInventory(t *testing.T) {
	inv := New()
	if _, err := NewSynchronizer(newFakeSource(), inv, testLogger()).Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad := newFakeSource()
	bad.stations["H1"][0]["stationSN"] = "ST2"
	bad.fail = PageSecondary
	if _, err := NewSynchronizer(bad, inv, testLogger()).Sync(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	if _, _, ok := inv.Station("ST1"); !ok {
		t.Error("previous inventory lost on failed sync")
	}
	if _, _, ok := inv.Station("ST2"); ok {
		t.Error("partial result visible after failed sync")
	}
}

func TestSyncNotReady(t *testing.T) {
	src := newFakeSource()
	src.readyErr = errors.New("no session")
	if _, err := NewSynchronizer(src, New(), testLogger()).Sync(context.Background()); !errors.Is(err, src.readyErr) {
		t.Errorf("err = %v", err)
	}
	if len(src.fetched) != 0 {
		t.Errorf("fetched %v before session was ready", src.fetched)
	}
}
