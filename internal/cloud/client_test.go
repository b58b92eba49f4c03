package cloud

import (
	"net/url"
	"strings"
	"testing"

	"xsense-go-home/internal/inventory"
)

func TestClientSync(t *testing.T) {
	c, fake, _ := loggedInClient(t)
	fake.set(func(f *fakeCloud) {
		f.houses = []map[string]any{{"houseId": "H1", "houseName": "Home", "mqttRegion": "us-west-2"}}
		f.stations["H1"] = []map[string]any{
			{"stationSN": "B1", "stationType": "SBS10"},
			{"stationSN": "W1", "stationType": "XC04-WX"},
		}
		f.shadows["H1/mainpage"] = map[string]any{"houseVol": 2.0}
		f.shadows["B1/mainpage"] = map[string]any{"devs": map[string]any{"D1": map[string]any{"type": "STH51"}}}
		f.shadows["XC04-WX-W1/info_W1"] = map[string]any{"sw": "1.0"}
	})

	inv := inventory.New()
	houses, err := inventory.NewSynchronizer(c, inv, testLogger()).Sync(t.Context())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	h := houses["H1"]
	if h == nil || h.Shadows[inventory.PagePrimary].Reported["houseVol"] != 2.0 {
		t.Fatalf("house = %+v", h)
	}
	b1 := h.Stations["B1"]
	if _, ok := b1.Devices["D1"]; !ok {
		t.Errorf("B1 devices = %v", b1.Devices)
	}
	w1 := h.Stations["W1"]
	if w1.Shadows[inventory.PageInfo].Reported["sw"] != "1.0" {
		t.Errorf("W1 shadows = %v", w1.Shadows)
	}
	if got := fake.payload(bizStations)["houseId"]; got != "H1" {
		t.Errorf("stations houseId = %v", got)
	}

	for _, r := range fake.requests() {
		if r.Region != "us-west-2" {
			t.Errorf("%s/%s fetched from %s", r.Thing, r.Page, r.Region)
		}
	}
}

func TestPresignedBrokerURL(t *testing.T) {
	c, _, _ := loggedInClient(t)
	raw, err := c.PresignedBrokerURL(t.Context(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "wss://eu-west-1.broker.test/mqtt?") {
		t.Fatalf("url = %s", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "60" || q.Get("X-Amz-SignedHeaders") != "host" {
		t.Errorf("query = %v", q)
	}
	if !strings.HasPrefix(q.Get("X-Amz-Credential"), "AKID/20240305/eu-west-1/iotdata/aws4_request") {
		t.Errorf("credential = %s", q.Get("X-Amz-Credential"))
	}
	if !strings.HasSuffix(raw, "&X-Amz-Security-Token=TOKEN") {
		t.Errorf("token not appended last: %s", raw)
	}
}

func TestPresignRequiresSession(t *testing.T) {
	c, _, _ := newTestClient(t)
	if _, err := c.PresignedBrokerURL(t.Context(), "us-east-1"); err == nil {
		t.Error("expected error without session")
	}
}
