// Package srp implements the client side of the SRP-6a variant used by the
// Cognito user pool that fronts the X-Sense cloud (USER_SRP_AUTH flow).
package srp

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	nHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
		"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D7" +
		"88719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6" +
		"287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA9" +
		"93B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF"

	derivedKeyInfo = "Caldera Derived Key"
	derivedKeySize = 16
	ephemeralBytes = 128

	// TimestampLayout is the claim timestamp format: day of month unpadded.
	TimestampLayout = "Mon Jan 2 15:04:05 UTC 2006"
)

var (
	// ErrInvalidServerValue is returned when B mod N == 0.
	ErrInvalidServerValue = errors.New("srp: invalid server public value")
	// ErrZeroHash is returned when the scrambling parameter u is zero.
	ErrZeroHash = errors.New("srp: scrambling parameter is zero")
)

var (
	bigN = mustHex(nHex)
	bigG = big.NewInt(2)
	bigK = hashInt(PadHex(bigN), PadHex(bigG))
)

// Challenge is the PASSWORD_VERIFIER challenge returned by the provider.
type Challenge struct {
	ServerPublic string // SRP_B, hex
	Salt         string // SALT, hex
	SecretBlock  string // SECRET_BLOCK, base64
	UserID       string // USER_ID_FOR_SRP
}

// Client holds one login attempt's ephemeral key pair.
type Client struct {
	poolID       string
	poolName     string
	clientID     string
	clientSecret string

	a   *big.Int
	pub *big.Int
	now func() time.Time
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	random io.Reader
	now    func() time.Time
}

// WithRandom sets the entropy source for the ephemeral secret.
func WithRandom(r io.Reader) Option {
	return func(o *clientOptions) { o.random = r }
}

// WithClock sets the clock used for claim timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// NewClient generates a fresh ephemeral pair for the given pool and app client.
func NewClient(poolID, clientID, clientSecret string, opts ...Option) (*Client, error) {
	o := clientOptions{random: rand.Reader, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	_, poolName, ok := strings.Cut(poolID, "_")
	if !ok || poolName == "" {
		return nil, fmt.Errorf("srp: malformed user pool id %q", poolID)
	}

	buf := make([]byte, ephemeralBytes)
	if _, err := io.ReadFull(o.random, buf); err != nil {
		return nil, fmt.Errorf("srp: read random: %w", err)
	}
	a := new(big.Int).SetBytes(buf)
	a.Mod(a, bigN)
	pub := new(big.Int).Exp(bigG, a, bigN)
	if pub.Sign() == 0 {
		return nil, fmt.Errorf("srp: degenerate ephemeral value")
	}

	return &Client{
		poolID:       poolID,
		poolName:     poolName,
		clientID:     clientID,
		clientSecret: clientSecret,
		a:            a,
		pub:          pub,
		now:          o.now,
	}, nil
}

// PublicHex returns A as hex.
func (c *Client) PublicHex() string {
	return c.pub.Text(16)
}

// AuthParameters returns the InitiateAuth parameters for username.
func (c *Client) AuthParameters(username string) map[string]string {
	p := map[string]string{
		"USERNAME": username,
		"SRP_A":    c.PublicHex(),
	}
	if c.clientSecret != "" {
		p["SECRET_HASH"] = SecretHash(username, c.clientID, c.clientSecret)
	}
	return p
}

// ProcessChallenge computes the PASSWORD_VERIFIER responses. No state is
// kept on failure.
func (c *Client) ProcessChallenge(password string, ch Challenge) (map[string]string, error) {
	b, ok := new(big.Int).SetString(ch.ServerPublic, 16)
	if !ok {
		return nil, fmt.Errorf("srp: server public value is not hex")
	}
	secretBlock, err := base64.StdEncoding.DecodeString(ch.SecretBlock)
	if err != nil {
		return nil, fmt.Errorf("srp: decode secret block: %w", err)
	}

	key, err := c.PasswordKey(ch.UserID, password, ch.Salt, b)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().UTC().Format(TimestampLayout)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(c.poolName))
	mac.Write([]byte(ch.UserID))
	mac.Write(secretBlock)
	mac.Write([]byte(timestamp))

	resp := map[string]string{
		"PASSWORD_CLAIM_SECRET_BLOCK": ch.SecretBlock,
		"PASSWORD_CLAIM_SIGNATURE":    base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		"TIMESTAMP":                   timestamp,
		"USERNAME":                    ch.UserID,
	}
	if c.clientSecret != "" {
		resp["SECRET_HASH"] = SecretHash(ch.UserID, c.clientID, c.clientSecret)
	}
	return resp, nil
}

// PasswordKey derives the 16-byte HKDF key shared with the provider.
func (c *Client) PasswordKey(userID, password, saltHex string, b *big.Int) ([]byte, error) {
	if new(big.Int).Mod(b, bigN).Sign() == 0 {
		return nil, ErrInvalidServerValue
	}
	if _, err := hex.DecodeString(padHexString(saltHex)); err != nil {
		return nil, fmt.Errorf("srp: salt is not hex: %w", err)
	}
	u := hashInt(PadHex(c.pub), PadHex(b))

	inner := sha256.Sum256([]byte(c.poolName + userID + ":" + password))
	x := hashInt(padHexString(saltHex), hex.EncodeToString(inner[:]))

	return c.sharedKey(b, u, x)
}

// sharedKey computes S = (B - k*g^x)^(a + u*x) mod N and runs it through HKDF.
func (c *Client) sharedKey(b, u, x *big.Int) ([]byte, error) {
	if new(big.Int).Mod(b, bigN).Sign() == 0 {
		return nil, ErrInvalidServerValue
	}
	if u.Sign() == 0 {
		return nil, ErrZeroHash
	}

	gx := new(big.Int).Exp(bigG, x, bigN)
	base := new(big.Int).Mul(bigK, gx)
	base.Sub(b, base)
	base.Mod(base, bigN)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	s := new(big.Int).Exp(base, exp, bigN)

	return deriveKey(s, u)
}

func deriveKey(s, u *big.Int) ([]byte, error) {
	ikm, _ := hex.DecodeString(PadHex(s))
	salt, _ := hex.DecodeString(PadHex(u))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(derivedKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("srp: hkdf: %w", err)
	}
	return key, nil
}

// SecretHash is base64(HMAC-SHA256(clientSecret, username+clientID)).
func SecretHash(username, clientID, clientSecret string) string {
	m := hmac.New(sha256.New, []byte(clientSecret))
	m.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// PadHex encodes v as unsigned hex that decodes to a non-negative
// two's-complement value: even length, with a leading zero byte when the
// high bit would otherwise be set.
func PadHex(v *big.Int) string {
	return padHexString(v.Text(16))
}

func padHexString(h string) string {
	h = strings.ToLower(h)
	switch {
	case len(h)%2 == 1:
		return "0" + h
	case h == "":
		return "00"
	case strings.ContainsRune("89abcdef", rune(h[0])):
		return "00" + h
	}
	return h
}

// hashInt hashes the decoded bytes of the concatenated hex strings.
func hashInt(parts ...string) *big.Int {
	var buf bytes.Buffer
	for _, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			panic(fmt.Sprintf("srp: invalid hex %q", p))
		}
		buf.Write(b)
	}
	sum := sha256.Sum256(buf.Bytes())
	return new(big.Int).SetBytes(sum[:])
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad constant")
	}
	return v
}
