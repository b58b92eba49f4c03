package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound HTTP call.
const DefaultTimeout = 5 * time.Second

const maxResponseBytes = 4 << 20

// Doer is the subset of *http.Client used by this package.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoints are the cloud base URLs. Tests point them at httptest servers.
type Endpoints struct {
	// API is the application API endpoint.
	API string
	// Identity returns the identity-provider endpoint for a region.
	Identity func(region string) string
	// Telemetry returns the shadow service base URL (scheme and host) for a region.
	Telemetry func(region string) string
	// Broker returns the MQTT websocket URL for a region.
	Broker func(region string) string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		API: "https://api.x-sense-iot.com/app",
		Identity: func(region string) string {
			return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", region)
		},
		Telemetry: func(region string) string {
			return fmt.Sprintf("https://%s.x-sense-iot.com", region)
		},
		Broker: func(region string) string {
			return fmt.Sprintf("wss://%s.x-sense-iot.com/mqtt", region)
		},
	}
}

// response is a fully read HTTP response.
type response struct {
	status int
	body   []byte
}

// do sends one request and reads the body. Only failures to reach the
// server are reported as transport errors; status handling is the caller's.
func do(ctx context.Context, client Doer, op, method, url string, headers map[string]string, body []byte) (*response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, newError(KindTransport, op, err, "build request")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, newError(KindTransport, op, err, "%s %s failed", method, req.URL.Host)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(KindTransport, op, err, "read response")
	}
	return &response{status: resp.StatusCode, body: data}, nil
}
