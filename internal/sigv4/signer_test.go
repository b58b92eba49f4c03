package sigv4

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

var exampleCreds = Credentials{
	AccessKeyID:     "AKIDEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
}

func TestSigningKeyKnownAnswer(t *testing.T) {
	key := SigningKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam")
	want := "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d"
	if got := hex.EncodeToString(key); got != want {
		t.Errorf("signing key = %s, want %s", got, want)
	}
}

func TestSignGetVanilla(t *testing.T) {
	s := New("service")
	ts := time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)

	got, err := s.SignAt(exampleCreds, "GET", "https://example.amazonaws.com/", "us-east-1", nil, nil, ts)
	if err != nil {
		t.Fatalf("SignAt: %v", err)
	}
	want := "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20150830/us-east-1/service/aws4_request, " +
		"SignedHeaders=host;x-amz-date, " +
		"Signature=5fa00fa31553b73ebf1942676e86291e8372ff2a2260956d9b8aae1d763fbf31"
	if got["Authorization"] != want {
		t.Errorf("Authorization = %q\nwant %q", got["Authorization"], want)
	}
	if got["X-Amz-Date"] != "20150830T123600Z" {
		t.Errorf("X-Amz-Date = %q", got["X-Amz-Date"])
	}
	if _, ok := got["X-Amz-Security-Token"]; ok {
		t.Error("security token header set without a session token")
	}
}

func TestSignDeterministic(t *testing.T) {
	s := New("")
	ts := time.Date(2024, 9, 14, 8, 0, 0, 0, time.UTC)
	creds := exampleCreds
	creds.SessionToken = "token/with+chars"
	body := []byte(`{"state":{"desired":{"shadow":"appSelfTest"}}}`)
	hdrs := map[string]string{"Content-Type": "application/x-amz-json-1.0"}

	first, err := s.SignAt(creds, "POST", "https://eu-central-1.x-sense-iot.com/things/SBS10X/shadow?name=2nd_selftest_X", "eu-central-1", hdrs, body, ts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := s.SignAt(creds, "POST", "https://eu-central-1.x-sense-iot.com/things/SBS10X/shadow?name=2nd_selftest_X", "eu-central-1", hdrs, body, ts)
		if err != nil {
			t.Fatal(err)
		}
		if again["Authorization"] != first["Authorization"] {
			t.Fatalf("signature changed between calls:\n%s\n%s", first["Authorization"], again["Authorization"])
		}
	}
	if first["X-Amz-Security-Token"] != creds.SessionToken {
		t.Errorf("X-Amz-Security-Token = %q", first["X-Amz-Security-Token"])
	}
	if !strings.Contains(first["Authorization"], "SignedHeaders=content-type;host;x-amz-date;x-amz-security-token,") {
		t.Errorf("unexpected signed headers: %s", first["Authorization"])
	}

	other, _ := s.SignAt(creds, "POST", "https://eu-central-1.x-sense-iot.com/things/SBS10X/shadow?name=2nd_selftest_X", "eu-central-1", hdrs, []byte(`{}`), ts)
	if other["Authorization"] == first["Authorization"] {
		t.Error("body change did not change signature")
	}
}

func TestSignQueryOrderIndependent(t *testing.T) {
	s := New("")
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := s.SignAt(exampleCreds, "GET", "https://h.example.com/p?b=2&a=1", "us-east-1", nil, nil, ts)
	b, _ := s.SignAt(exampleCreds, "GET", "https://h.example.com/p?a=1&b=2", "us-east-1", nil, nil, ts)
	if a["Authorization"] != b["Authorization"] {
		t.Error("query parameter order changed the signature")
	}
}

func TestCanonicalQuery(t *testing.T) {
	tests := []struct {
		in   url.Values
		want string
	}{
		{nil, ""},
		{url.Values{"name": {"mainpage"}}, "name=mainpage"},
		{url.Values{"b": {"2"}, "a": {"z", "y"}}, "a=y&a=z&b=2"},
		{url.Values{"k": {"a b~c/d"}}, "k=a%20b~c%2Fd"},
	}
	for _, tt := range tests {
		if got := CanonicalQuery(tt.in); got != tt.want {
			t.Errorf("CanonicalQuery(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSignRejectsBadURL(t *testing.T) {
	s := New("")
	if _, err := s.SignAt(exampleCreds, "GET", "/no/host", "us-east-1", nil, nil, time.Now()); err == nil {
		t.Error("expected error for URL without host")
	}
	if _, err := s.Presign(exampleCreds, "://bad", "us-east-1", time.Now()); err == nil {
		t.Error("expected error for unparsable URL")
	}
}

func TestPresign(t *testing.T) {
	s := New("")
	ts := time.Date(2024, 9, 14, 8, 0, 0, 0, time.UTC)
	creds := exampleCreds
	creds.SessionToken = "tok+en"

	raw, err := s.Presign(creds, "wss://eu-central-1.x-sense-iot.com/mqtt", "eu-central-1", ts)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if !strings.HasPrefix(raw, "wss://eu-central-1.x-sense-iot.com/mqtt?X-Amz-Algorithm=AWS4-HMAC-SHA256&") {
		t.Errorf("unexpected prefix: %s", raw)
	}
	if !strings.HasSuffix(raw, "&X-Amz-Security-Token=tok%2Ben") {
		t.Errorf("token not appended last: %s", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("X-Amz-Expires") != "60" || q.Get("X-Amz-SignedHeaders") != "host" {
		t.Errorf("query = %v", q)
	}
	if q.Get("X-Amz-Credential") != "AKIDEXAMPLE/20240914/eu-central-1/iotdata/aws4_request" {
		t.Errorf("credential = %q", q.Get("X-Amz-Credential"))
	}

	// Recompute the signature from the unsigned parameters.
	sig := q.Get("X-Amz-Signature")
	q.Del("X-Amz-Signature")
	q.Del("X-Amz-Security-Token")
	creq := "GET\n/mqtt\n" + CanonicalQuery(q) + "\nhost:eu-central-1.x-sense-iot.com\n\nhost\n" + hashHex(nil)
	key := SigningKey(creds.SecretAccessKey, "20240914", "eu-central-1", "iotdata")
	want := hex.EncodeToString(hmacSHA256(key, stringToSign("20240914T080000Z", "20240914/eu-central-1/iotdata/aws4_request", creq)))
	if sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}
}

// The SDK signer serves as an independent oracle for header signing.
func TestSignMatchesSDK(t *testing.T) {
	ts := time.Date(2024, 9, 14, 8, 30, 15, 0, time.UTC)
	target := "https://eu-central-1.x-sense-iot.com/things/XS01-M0012/shadow?name=mainpage"
	creds := Credentials{AccessKeyID: "ASIAEXAMPLE", SecretAccessKey: "secret", SessionToken: "session"}

	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	sdkCreds := aws.Credentials{AccessKeyID: creds.AccessKeyID, SecretAccessKey: creds.SecretAccessKey, SessionToken: creds.SessionToken}
	if err := v4.NewSigner().SignHTTP(context.Background(), sdkCreds, req, hashHex(nil), "iotdata", "eu-central-1", ts); err != nil {
		t.Fatalf("sdk sign: %v", err)
	}

	got, err := New("").SignAt(creds, http.MethodGet, target, "eu-central-1",
		map[string]string{"Content-Type": "application/x-amz-json-1.0"}, nil, ts)
	if err != nil {
		t.Fatal(err)
	}
	if got["Authorization"] != req.Header.Get("Authorization") {
		t.Errorf("Authorization mismatch:\n got %s\nwant %s", got["Authorization"], req.Header.Get("Authorization"))
	}
}
