package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/sigv4"
)

const (
	// DefaultRegion is used when neither the house nor the session names one.
	DefaultRegion = "us-east-1"

	shadowContentType = "application/x-amz-json-1.0"
	shadowUserAgent   = "xsense-go-home/1 (aws-sigv4)"
	desiredTimeLayout = "20060102150405"
)

// Sensor report defaults.
const (
	SensorReportShadow   = "appTempData"
	SensorReportPage     = "2nd_apptempdata"
	SensorReportTimeoutM = "10"
)

// SensorReportOptions overrides the sensor report request. Zero fields take
// the package defaults.
type SensorReportOptions struct {
	Shadow   string
	Page     string
	TimeoutM string
	Extra    map[string]any
}

// TelemetryClient reads and writes named shadows with the session's
// delegated credentials.
type TelemetryClient struct {
	session   *SessionManager
	http      Doer
	endpoints Endpoints
	signer    *sigv4.Signer
	now       func() time.Time
}

// NewTelemetryClient shares the session manager's transport, endpoints
// and clock.
func NewTelemetryClient(m *SessionManager) *TelemetryClient {
	s := sigv4.New(sigv4.DefaultService)
	s.Now = m.now
	return &TelemetryClient{
		session:   m,
		http:      m.http,
		endpoints: m.endpoints,
		signer:    s,
		now:       m.now,
	}
}

type shadowResponse struct {
	State struct {
		Reported map[string]any `json:"reported"`
		Desired  map[string]any `json:"desired"`
	} `json:"state"`
	Version   int64 `json:"version"`
	Timestamp int64 `json:"timestamp"`
}

// FetchShadow reads one named shadow. A missing page is ok=false, not an
// error.
func (t *TelemetryClient) FetchShadow(ctx context.Context, region, thing, page string) (inventory.ShadowDocument, bool, error) {
	op := "fetch shadow " + page
	resp, err := t.send(ctx, op, http.MethodGet, region, thing, page, nil)
	if err != nil {
		return inventory.ShadowDocument{}, false, err
	}
	if resp.status == http.StatusNotFound || (resp.status/100 == 2 && len(resp.body) == 0) {
		return inventory.ShadowDocument{}, false, nil
	}
	if resp.status/100 != 2 {
		return inventory.ShadowDocument{}, false, newError(KindProtocol, op, nil, "http status %d", resp.status)
	}

	var sr shadowResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return inventory.ShadowDocument{}, false, newError(KindProtocol, op, err, "decode shadow")
	}
	doc := inventory.ShadowDocument{
		Reported:  sr.State.Reported,
		Desired:   sr.State.Desired,
		Version:   sr.Version,
		Timestamp: sr.Timestamp,
	}
	if doc.Reported == nil {
		doc.Reported = map[string]any{}
	}
	return doc, true, nil
}

// PostDesiredState writes {"state":{"desired":desired}} and returns the
// echoed desired document.
func (t *TelemetryClient) PostDesiredState(ctx context.Context, region, thing, page string, desired map[string]any) (map[string]any, error) {
	op := "post shadow " + page
	body, err := marshalPlain(map[string]any{"state": map[string]any{"desired": desired}})
	if err != nil {
		return nil, newError(KindProtocol, op, err, "encode desired state")
	}
	resp, err := t.send(ctx, op, http.MethodPost, region, thing, page, body)
	if err != nil {
		return nil, err
	}
	if resp.status/100 != 2 {
		return nil, newError(KindProtocol, op, nil, "http status %d", resp.status)
	}

	var sr shadowResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return nil, newError(KindProtocol, op, err, "decode response")
	}
	if sr.State.Desired == nil {
		return nil, newError(KindProtocol, op, nil, "response has no desired state")
	}
	return sr.State.Desired, nil
}

func (t *TelemetryClient) send(ctx context.Context, op, method, region, thing, page string, body []byte) (*response, error) {
	del := t.session.Delegated()
	if del.AccessKeyID == "" {
		return nil, newError(KindRefresh, op, nil, "no delegated credentials")
	}
	rawURL := t.endpoints.Telemetry(region) + "/things/" + url.PathEscape(thing) +
		"/shadow?name=" + url.QueryEscape(page)

	headers := map[string]string{
		"Content-Type": shadowContentType,
		"User-Agent":   shadowUserAgent,
	}
	signed, err := t.signer.Sign(del.Signing(), method, rawURL, region, headers, body)
	if err != nil {
		return nil, newError(KindProtocol, op, err, "sign request")
	}
	for k, v := range signed {
		headers[k] = v
	}
	return do(ctx, t.http, op, method, rawURL, headers, body)
}

// TriggerAction posts an action's desired document to the station.
func (t *TelemetryClient) TriggerAction(ctx context.Context, house *inventory.House, station *inventory.Station, def ActionDefinition) (map[string]any, error) {
	op := "action " + def.Action
	if station.Serial == "" {
		return nil, newError(KindProtocol, op, nil, "station serial missing")
	}
	if def.Shadow == "" {
		return nil, newError(KindProtocol, op, nil, "action shadow missing")
	}
	thing := ThingName(station.Type(), station.Serial)
	page, err := def.ResolveTopic(TopicData{Serial: station.Serial, Type: station.Type(), Thing: thing})
	if err != nil {
		return nil, newError(KindProtocol, op, err, "resolve topic")
	}

	desired := map[string]any{
		"deviceSN":  station.Serial,
		"shadow":    def.Shadow,
		"stationSN": station.Serial,
		"time":      t.now().UTC().Format(desiredTimeLayout),
		"userId":    t.session.ActingUser(),
	}
	for k, v := range def.Extra {
		desired[k] = v
	}
	return t.PostDesiredState(ctx, t.Region(house), thing, page, desired)
}

// RequestSensorReport asks a station to push fresh readings for serials.
// Duplicates are dropped; an empty list makes no call.
func (t *TelemetryClient) RequestSensorReport(ctx context.Context, house *inventory.House, station *inventory.Station, serials []string, opts SensorReportOptions) (map[string]any, error) {
	serials = dedupe(serials)
	if len(serials) == 0 {
		return nil, nil
	}
	if station.Serial == "" {
		return nil, newError(KindProtocol, "sensor report", nil, "station serial missing")
	}
	shadow := firstNonEmpty(opts.Shadow, SensorReportShadow)
	page := firstNonEmpty(opts.Page, SensorReportPage)
	timeout := firstNonEmpty(opts.TimeoutM, SensorReportTimeoutM)

	devs := make([]any, len(serials))
	for i, s := range serials {
		devs[i] = s
	}
	desired := map[string]any{
		"shadow":    shadow,
		"deviceSN":  devs,
		"source":    "1",
		"report":    "1",
		"reportDst": "1",
		"timeoutM":  timeout,
		"userId":    t.session.ActingUser(),
		"time":      t.now().UTC().Format(desiredTimeLayout),
		"stationSN": station.Serial,
	}
	for k, v := range opts.Extra {
		desired[k] = v
	}
	thing := ThingName(station.Type(), station.Serial)
	return t.PostDesiredState(ctx, t.Region(house), thing, page, desired)
}

// Region picks the shadow region for a house: its MQTT region, then the
// session region, then DefaultRegion.
func (t *TelemetryClient) Region(house *inventory.House) string {
	if house != nil {
		if r := house.Region(); r != "" {
			return r
		}
	}
	if r := t.session.Region(); r != "" {
		return r
	}
	return DefaultRegion
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
