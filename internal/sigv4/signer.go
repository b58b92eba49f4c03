// Package sigv4 implements AWS Signature Version 4 request signing for the
// X-Sense telemetry endpoints (IoT data plane shadows and the MQTT websocket).
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// Algorithm is the signing algorithm tag.
	Algorithm = "AWS4-HMAC-SHA256"
	// DefaultService is the service name used for shadow and MQTT calls.
	DefaultService = "iotdata"
	// PresignExpiry is the validity window of presigned URLs, in seconds.
	PresignExpiry = 60

	timeFormat  = "20060102T150405Z"
	shortFormat = "20060102"
	terminator  = "aws4_request"
)

// Credentials is the short-lived signing material.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Signer signs requests for a single service.
type Signer struct {
	Service string
	Now     func() time.Time
}

// New returns a Signer for service. An empty service selects DefaultService.
func New(service string) *Signer {
	if service == "" {
		service = DefaultService
	}
	return &Signer{Service: service, Now: time.Now}
}

// Sign returns the headers to add to the request: Authorization, X-Amz-Date
// and, when the credentials carry one, X-Amz-Security-Token.
func (s *Signer) Sign(creds Credentials, method, rawURL, region string, headers map[string]string, body []byte) (map[string]string, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.SignAt(creds, method, rawURL, region, headers, body, now())
}

// SignAt is Sign with an explicit signing time. It performs no I/O.
func (s *Signer) SignAt(creds Credentials, method, rawURL, region string, headers map[string]string, body []byte, t time.Time) (map[string]string, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	amzDate := t.Format(timeFormat)

	hdrs := make(map[string]string, len(headers)+3)
	for k, v := range headers {
		hdrs[strings.ToLower(k)] = canonicalValue(v)
	}
	hdrs["host"] = u.Host
	hdrs["x-amz-date"] = amzDate
	if creds.SessionToken != "" {
		hdrs["x-amz-security-token"] = creds.SessionToken
	}
	canonHeaders, signed := canonicalHeaders(hdrs)

	creq := strings.Join([]string{
		strings.ToUpper(method),
		canonicalPath(u),
		CanonicalQuery(u.Query()),
		canonHeaders,
		signed,
		hashHex(body),
	}, "\n")

	scope := s.scope(t, region)
	sig := s.signature(creds.SecretAccessKey, t, region, stringToSign(amzDate, scope, creq))

	out := map[string]string{
		"Authorization": fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			Algorithm, creds.AccessKeyID, scope, signed, sig),
		"X-Amz-Date": amzDate,
	}
	if creds.SessionToken != "" {
		out["X-Amz-Security-Token"] = creds.SessionToken
	}
	return out, nil
}

// Presign builds a GET URL carrying the signature in its query string.
// The session token is appended after the signature, as the IoT websocket
// endpoint expects.
func (s *Signer) Presign(creds Credentials, rawURL, region string, t time.Time) (string, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return "", err
	}
	t = t.UTC()
	amzDate := t.Format(timeFormat)
	scope := s.scope(t, region)

	q := u.Query()
	q.Set("X-Amz-Algorithm", Algorithm)
	q.Set("X-Amz-Credential", creds.AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprint(PresignExpiry))
	q.Set("X-Amz-SignedHeaders", "host")
	query := CanonicalQuery(q)

	creq := strings.Join([]string{
		"GET",
		canonicalPath(u),
		query,
		"host:" + u.Host + "\n",
		"host",
		hashHex(nil),
	}, "\n")
	sig := s.signature(creds.SecretAccessKey, t, region, stringToSign(amzDate, scope, creq))

	query += "&X-Amz-Signature=" + sig
	if creds.SessionToken != "" {
		query += "&X-Amz-Security-Token=" + encode(creds.SessionToken)
	}
	return u.Scheme + "://" + u.Host + canonicalPath(u) + "?" + query, nil
}

// SigningKey derives the per-day signing key.
func SigningKey(secret, date, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), date)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, terminator)
}

// CanonicalQuery sorts parameters by key then value and percent-encodes them
// per RFC 3986.
func CanonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, encode(k)+"="+encode(v))
		}
	}
	return strings.Join(parts, "&")
}

func (s *Signer) service() string {
	if s.Service == "" {
		return DefaultService
	}
	return s.Service
}

func (s *Signer) scope(t time.Time, region string) string {
	return strings.Join([]string{t.Format(shortFormat), region, s.service(), terminator}, "/")
}

func (s *Signer) signature(secret string, t time.Time, region, sts string) string {
	key := SigningKey(secret, t.Format(shortFormat), region, s.service())
	return hex.EncodeToString(hmacSHA256(key, sts))
}

func stringToSign(amzDate, scope, canonicalRequest string) string {
	return strings.Join([]string{Algorithm, amzDate, scope, hashHex([]byte(canonicalRequest))}, "\n")
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sigv4: parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sigv4: url %q has no host", rawURL)
	}
	return u, nil
}

func canonicalPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

// canonicalHeaders returns the "name:value\n" block and the signed header list.
func canonicalHeaders(hdrs map[string]string) (string, string) {
	names := make([]string, 0, len(hdrs))
	for k := range hdrs {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(hdrs[n])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

func canonicalValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return m.Sum(nil)
}
