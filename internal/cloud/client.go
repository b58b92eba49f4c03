package cloud

import (
	"context"
	"time"

	"xsense-go-home/internal/inventory"
)

// Client combines the session and telemetry clients into the surface the
// gateway uses. It implements inventory.Source.
type Client struct {
	Session   *SessionManager
	Telemetry *TelemetryClient
	Actions   *ActionCatalog
}

// NewClient builds a client with the built-in action catalog.
func NewClient(opts ...SessionOption) *Client {
	m := NewSessionManager(opts...)
	return &Client{
		Session:   m,
		Telemetry: NewTelemetryClient(m),
		Actions:   DefaultActions(),
	}
}

// EnsureReady implements inventory.Source.
func (c *Client) EnsureReady(ctx context.Context) error {
	return c.Session.EnsureReady(ctx)
}

// ListHouses returns the raw house definitions.
func (c *Client) ListHouses(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.Session.appCall(ctx, bizHouses, []field{{"utctimestamp", "0"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStations returns the raw station definitions of one house.
func (c *Client) ListStations(ctx context.Context, houseID string) ([]map[string]any, error) {
	var out []map[string]any
	payload := []field{{"houseId", houseID}, {"utctimestamp", "0"}}
	if err := c.Session.appCall(ctx, bizStations, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHouseShadow reads a house page; the house id is the thing name.
func (c *Client) FetchHouseShadow(ctx context.Context, house map[string]any, page string) (inventory.ShadowDocument, bool, error) {
	h := &inventory.House{Definition: house}
	id, _ := house["houseId"].(string)
	if id == "" {
		return inventory.ShadowDocument{}, false, newError(KindProtocol, "fetch shadow "+page, nil, "house id missing")
	}
	return c.Telemetry.FetchShadow(ctx, c.Telemetry.Region(h), id, page)
}

// FetchStationShadow reads a station page under the station's thing name.
func (c *Client) FetchStationShadow(ctx context.Context, house, station map[string]any, page string) (inventory.ShadowDocument, bool, error) {
	sn := inventory.StationSerial(station)
	if sn == "" {
		return inventory.ShadowDocument{}, false, nil
	}
	thing := ThingName(inventory.StationType(station), sn)
	h := &inventory.House{Definition: house}
	return c.Telemetry.FetchShadow(ctx, c.Telemetry.Region(h), thing, page)
}

// PresignedBrokerURL returns a websocket URL for the push broker, signed
// with the current delegated credentials. An empty region falls back like
// shadow requests do.
func (c *Client) PresignedBrokerURL(ctx context.Context, region string) (string, error) {
	const op = "presign broker"
	if err := c.Session.EnsureReady(ctx); err != nil {
		return "", err
	}
	if region == "" {
		region = c.Telemetry.Region(nil)
	}
	del := c.Session.Delegated()
	u, err := c.Telemetry.signer.Presign(del.Signing(), c.Session.endpoints.Broker(region), region, c.Session.now())
	if err != nil {
		return "", newError(KindProtocol, op, err, "presign")
	}
	return u, nil
}

// Login is a convenience wrapper around Session.Login.
func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.Session.Login(ctx, username, password)
}

// DelegatedExpiry reports when the delegated credentials expire.
func (c *Client) DelegatedExpiry() time.Time {
	return c.Session.Delegated().Expiry
}

// SessionState reports the session life-cycle state.
func (c *Client) SessionState() State {
	return c.Session.State()
}

// ExportSession snapshots the session for persistence.
func (c *Client) ExportSession() PersistedSession {
	return c.Session.Export()
}

// RestoreSession loads a persisted session.
func (c *Client) RestoreSession(p PersistedSession) error {
	return c.Session.Restore(p)
}

// TriggerAction makes sure the session is usable, then posts the action.
func (c *Client) TriggerAction(ctx context.Context, house *inventory.House, station *inventory.Station, def ActionDefinition) (map[string]any, error) {
	if err := c.Session.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return c.Telemetry.TriggerAction(ctx, house, station, def)
}

// RequestSensorReport makes sure the session is usable, then asks the
// station for fresh readings.
func (c *Client) RequestSensorReport(ctx context.Context, house *inventory.House, station *inventory.Station, serials []string, opts SensorReportOptions) (map[string]any, error) {
	if err := c.Session.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return c.Telemetry.RequestSensorReport(ctx, house, station, serials, opts)
}

// Region picks the telemetry region for a house.
func (c *Client) Region(house *inventory.House) string {
	return c.Telemetry.Region(house)
}
