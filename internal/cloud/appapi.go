package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Application API business codes.
const (
	bizBootstrap   = "101001"
	bizCredentials = "101003"
	bizHouses      = "102007"
	bizStations    = "103007"
)

const (
	appClientType = "1"
	appVersion    = "v1.22.0_20240914.1"
	appCode       = "1220"
	bootstrapMAC  = "abcdefg"
)

// field is one ordered payload entry. Order matters: the mac covers the
// values in the order they are sent.
type field struct {
	Key   string
	Value any
}

type apiEnvelope struct {
	ReCode int             `json:"reCode"`
	ReMsg  string          `json:"reMsg"`
	ReData json.RawMessage `json:"reData"`
}

type bootstrapData struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Region       string `json:"cgtRegion"`
	UserPoolID   string `json:"userPoolId"`
}

type credentialsData struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expiration      string `json:"expiration"`
}

// appAPI is the JSON application endpoint.
type appAPI struct {
	client Doer
	url    string
}

// call posts payload under bizCode. An empty clientSecret selects the
// unauthenticated bootstrap mac; accessToken, when set, is sent as the
// Authorization header. reData is decoded into out when out is non-nil.
func (a *appAPI) call(ctx context.Context, bizCode string, payload []field, clientSecret, accessToken string, out any) error {
	op := "api " + bizCode
	mac := bootstrapMAC
	if clientSecret != "" {
		var err error
		if mac, err = computeMAC(payload, clientSecret); err != nil {
			return newError(KindProtocol, op, err, "compute mac")
		}
	}

	fields := append(append([]field(nil), payload...),
		field{"clientType", appClientType},
		field{"mac", mac},
		field{"appVersion", appVersion},
		field{"bizCode", bizCode},
		field{"appCode", appCode},
	)
	body, err := encodeOrdered(fields)
	if err != nil {
		return newError(KindProtocol, op, err, "encode request")
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if accessToken != "" {
		headers["Authorization"] = accessToken
	}

	resp, err := do(ctx, a.client, op, http.MethodPost, a.url, headers, body)
	if err != nil {
		return err
	}
	if resp.status/100 != 2 {
		return newError(KindProtocol, op, nil, "http status %d", resp.status)
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return newError(KindProtocol, op, err, "decode response")
	}
	if env.ReCode != 200 {
		msg := env.ReMsg
		if msg == "" {
			msg = "unknown"
		}
		return newError(KindProtocol, op, nil, "reCode %d: %s", env.ReCode, msg)
	}
	if out == nil || len(env.ReData) == 0 || string(env.ReData) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.ReData, out); err != nil {
		return newError(KindProtocol, op, err, "decode reData")
	}
	return nil
}

// computeMAC is md5 over the concatenated payload values and the client
// secret. Non-string values are JSON encoded.
func computeMAC(payload []field, clientSecret string) (string, error) {
	var b strings.Builder
	for _, f := range payload {
		switch v := f.Value.(type) {
		case string:
			b.WriteString(v)
		case fmt.Stringer:
			b.WriteString(v.String())
		default:
			enc, err := marshalPlain(v)
			if err != nil {
				return "", err
			}
			b.Write(enc)
		}
	}
	b.WriteString(clientSecret)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// encodeOrdered writes fields as a JSON object, keeping their order.
func encodeOrdered(fields []field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalPlain(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := marshalPlain(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalPlain is json.Marshal without HTML escaping.
func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeClientSecret strips the 4-byte prefix and 1-byte suffix the
// bootstrap call wraps around the real secret.
func decodeClientSecret(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode client secret: %w", err)
	}
	if len(raw) < 5 {
		return "", fmt.Errorf("client secret too short (%d bytes)", len(raw))
	}
	return string(raw[4 : len(raw)-1]), nil
}
