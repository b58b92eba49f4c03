package cloud

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type shadowRequest struct {
	Method string
	Region string
	Thing  string
	Page   string
	Header http.Header
	Host   string
	URI    string
	Body   []byte
}

// fakeCloud serves the application API, the identity provider and the
// shadow service from one httptest server.
type fakeCloud struct {
	t   *testing.T
	srv *httptest.Server
	now func() time.Time

	mu          sync.Mutex
	calls       map[string]int // bizCode or auth flow
	lastPayload map[string]map[string]any
	shadows     map[string]map[string]any // thing/page → reported
	shadowReqs  []shadowRequest
	houses      []map[string]any
	stations    map[string][]map[string]any
	loginFail   string // provider error type returned from the challenge step
	shadowCode  int    // overrides the shadow status when set
	noDesired   bool
}

func newFakeCloud(t *testing.T, now func() time.Time) *fakeCloud {
	t.Helper()
	f := &fakeCloud{
		t:           t,
		now:         now,
		calls:       map[string]int{},
		lastPayload: map[string]map[string]any{},
		shadows:     map[string]map[string]any{},
		stations:    map[string][]map[string]any{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app", f.handleApp)
	mux.HandleFunc("POST /idp/{region}", f.handleIdentity)
	mux.HandleFunc("/{region}/things/{thing}/shadow", f.handleShadow)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) endpoints() Endpoints {
	return Endpoints{
		API:       f.srv.URL + "/app",
		Identity:  func(region string) string { return f.srv.URL + "/idp/" + region },
		Telemetry: func(region string) string { return f.srv.URL + "/" + region },
		Broker:    func(region string) string { return "wss://" + region + ".broker.test/mqtt" },
	}
}

// set mutates the fake under its lock.
func (f *fakeCloud) set(fn func(f *fakeCloud)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeCloud) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeCloud) payload(bizCode string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPayload[bizCode]
}

func (f *fakeCloud) requests() []shadowRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shadowRequest(nil), f.shadowReqs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func okEnvelope(data any) map[string]any {
	return map[string]any{"reCode": 200, "reMsg": "success", "reData": data}
}

func (f *fakeCloud) handleApp(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	code, _ := body["bizCode"].(string)
	f.mu.Lock()
	f.calls[code]++
	f.lastPayload[code] = body
	houses := f.houses
	id, _ := body["houseId"].(string)
	stations := f.stations[id]
	f.mu.Unlock()

	if code != bizBootstrap && r.Header.Get("Authorization") == "" {
		writeJSON(w, http.StatusOK, map[string]any{"reCode": 401, "reMsg": "no token"})
		return
	}
	switch code {
	case bizBootstrap:
		secret := base64.StdEncoding.EncodeToString([]byte("XXXXsecretY"))
		writeJSON(w, http.StatusOK, okEnvelope(map[string]any{
			"clientId":     "client-1",
			"clientSecret": secret,
			"cgtRegion":    "eu-west-1",
			"userPoolId":   "eu-west-1_pool",
		}))
	case bizCredentials:
		writeJSON(w, http.StatusOK, okEnvelope(map[string]any{
			"accessKeyId":     "AKID",
			"secretAccessKey": "SECRET",
			"sessionToken":    "TOKEN",
			"expiration":      f.now().Add(time.Hour).Format(time.RFC3339),
		}))
	case bizHouses:
		writeJSON(w, http.StatusOK, okEnvelope(houses))
	case bizStations:
		writeJSON(w, http.StatusOK, okEnvelope(stations))
	default:
		writeJSON(w, http.StatusOK, map[string]any{"reCode": 500, "reMsg": "unknown bizCode"})
	}
}

func (f *fakeCloud) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	target := r.Header.Get("X-Amz-Target")

	key := target
	if flow, _ := req["AuthFlow"].(string); flow != "" {
		key = flow
	}
	f.mu.Lock()
	f.calls[key]++
	loginFail := f.loginFail
	f.mu.Unlock()

	switch key {
	case "USER_SRP_AUTH":
		writeJSON(w, http.StatusOK, map[string]any{
			"ChallengeName": "PASSWORD_VERIFIER",
			"ChallengeParameters": map[string]string{
				"SRP_B":           "2",
				"SALT":            "abcdef",
				"SECRET_BLOCK":    base64.StdEncoding.EncodeToString([]byte("block")),
				"USER_ID_FOR_SRP": "uid-1",
			},
		})
	case targetRespondChallenge:
		if loginFail != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"__type":  "com.amazonaws#" + loginFail,
				"message": "Incorrect username or password.",
			})
			return
		}
		resp, _ := req["ChallengeResponses"].(map[string]any)
		if resp["USERNAME"] != "uid-1" || resp["PASSWORD_CLAIM_SIGNATURE"] == "" || resp["SECRET_HASH"] == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"__type": "InvalidParameterException"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"AuthenticationResult": map[string]any{
			"AccessToken": "access-1", "RefreshToken": "refresh-1", "ExpiresIn": 3600,
		}})
	case "REFRESH_TOKEN_AUTH":
		writeJSON(w, http.StatusOK, map[string]any{"AuthenticationResult": map[string]any{
			"AccessToken": "access-2", "ExpiresIn": 3600,
		}})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"__type": "UnknownOperationException"})
	}
}

func (f *fakeCloud) handleShadow(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := shadowRequest{
		Method: r.Method,
		Region: r.PathValue("region"),
		Thing:  r.PathValue("thing"),
		Page:   r.URL.Query().Get("name"),
		Header: r.Header.Clone(),
		Host:   r.Host,
		URI:    r.URL.RequestURI(),
		Body:   body,
	}
	f.mu.Lock()
	f.shadowReqs = append(f.shadowReqs, req)
	code := f.shadowCode
	rep, found := f.shadows[req.Thing+"/"+req.Page]
	noDesired := f.noDesired
	f.mu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 Credential=AKID/") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "No shadow exists with name"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   map[string]any{"reported": rep},
			"version": 7,
		})
	case http.MethodPost:
		if noDesired {
			writeJSON(w, http.StatusOK, map[string]any{"state": map[string]any{}})
			return
		}
		var in map[string]any
		_ = json.NewDecoder(bytes.NewReader(body)).Decode(&in)
		writeJSON(w, http.StatusOK, map[string]any{"state": in["state"], "version": 8})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fixedRandom feeds SRP a deterministic ephemeral.
type fixedRandom struct{}

func (fixedRandom) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return len(p), nil
}

func newTestClient(t *testing.T) (*Client, *fakeCloud, *clock) {
	t.Helper()
	clk := &clock{t: testEpoch}
	fake := newFakeCloud(t, clk.Now)
	c := NewClient(
		WithEndpoints(fake.endpoints()),
		WithHTTPClient(fake.srv.Client()),
		WithClock(clk.Now),
		WithLogger(testLogger()),
		WithRandom(fixedRandom{}),
	)
	return c, fake, clk
}

func loggedInClient(t *testing.T) (*Client, *fakeCloud, *clock) {
	t.Helper()
	c, fake, clk := newTestClient(t)
	if err := c.Login(t.Context(), "user@example.com", "hunter2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c, fake, clk
}
