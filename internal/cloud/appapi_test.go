package cloud

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestComputeMAC(t *testing.T) {
	tests := []struct {
		name    string
		payload []field
		want    string
	}{
		{"empty", nil, md5Hex("s3")},
		{"strings in order", []field{{"houseId", "H1"}, {"utctimestamp", "0"}}, md5Hex("H10s3")},
		{"non-string json", []field{{"ids", []string{"a", "b"}}, {"n", 5}}, md5Hex(`["a","b"]5s3`)},
	}
	for _, tt := range tests {
		got, err := computeMAC(tt.payload, "s3")
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: mac = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestEncodeOrdered(t *testing.T) {
	got, err := encodeOrdered([]field{{"b", 1}, {"a", "<x>"}, {"c", map[string]any{"k": true}}})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"b":1,"a":"<x>","c":{"k":true}}`; string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestDecodeClientSecret(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("abcdREALz"))
	got, err := decodeClientSecret(enc)
	if err != nil || got != "REAL" {
		t.Errorf("decode = %q, %v", got, err)
	}
	if _, err := decodeClientSecret(base64.StdEncoding.EncodeToString([]byte("abc"))); err == nil {
		t.Error("expected error for short secret")
	}
	if _, err := decodeClientSecret("%%%"); err == nil {
		t.Error("expected error for bad base64")
	}
}

func TestAppCallEnvelope(t *testing.T) {
	c, fake, _ := loggedInClient(t)
	if _, err := c.ListHouses(t.Context()); err != nil {
		t.Fatal(err)
	}
	body := fake.payload(bizHouses)
	want := map[string]any{
		"utctimestamp": "0",
		"clientType":   "1",
		"appVersion":   appVersion,
		"bizCode":      bizHouses,
		"appCode":      "1220",
		"mac":          md5Hex("0" + "secret"),
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	if got := fake.payload(bizBootstrap)["mac"]; got != bootstrapMAC {
		t.Errorf("bootstrap mac = %v", got)
	}
}

func TestAppCallErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"reCode", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"reCode": 500, "reMsg": "bad mac"})
		}, ErrProtocol},
		{"http status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, ErrProtocol},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}, ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			api := &appAPI{client: srv.Client(), url: srv.URL}
			err := api.call(t.Context(), bizHouses, nil, "s", "tok", nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAppCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	api := &appAPI{client: http.DefaultClient, url: url}
	err := api.call(t.Context(), bizBootstrap, nil, "", "", nil)
	if !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestBootstrapMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"reCode": 10001, "reMsg": "maintenance"})
	}))
	defer srv.Close()

	m := NewSessionManager(WithEndpoints(Endpoints{API: srv.URL}), WithHTTPClient(srv.Client()), WithLogger(testLogger()))
	err := m.Login(t.Context(), "u", "p")
	if !errors.Is(err, ErrBootstrap) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want bootstrap wrapping protocol", err)
	}
	if KindOf(err) != KindBootstrap {
		t.Errorf("kind = %s", KindOf(err))
	}
	if Message(err) != "reCode 10001: maintenance" {
		t.Errorf("message = %q", Message(err))
	}
	if m.State() != StateUnauthenticated {
		t.Errorf("state = %s", m.State())
	}
}
