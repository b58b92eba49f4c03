package srp

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"
)

const testPool = "eu-central-1_AbCdEf123"

func fixedRandom(seed byte) *bytes.Reader {
	buf := make([]byte, ephemeralBytes)
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
	return bytes.NewReader(buf)
}

func TestPadHex(t *testing.T) {
	tests := []struct {
		name string
		in   *big.Int
		want string
	}{
		{"zero", big.NewInt(0), "00"},
		{"small", big.NewInt(0x7f), "7f"},
		{"high bit set", big.NewInt(0x80), "0080"},
		{"odd length", big.NewInt(0xabc), "0abc"},
		{"odd length high nibble", big.NewInt(0x8ab), "08ab"},
		{"two bytes high bit", big.NewInt(0xff01), "00ff01"},
		{"two bytes", big.NewInt(0x1234), "1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PadHex(tt.in); got != tt.want {
				t.Errorf("PadHex(%s) = %q, want %q", tt.in.Text(16), got, tt.want)
			}
		})
	}
}

func TestPadHexStringKeepsLeadingZeros(t *testing.T) {
	if got := padHexString("0012"); got != "0012" {
		t.Errorf("padHexString(0012) = %q", got)
	}
	if got := padHexString("ABCD"); got != "00abcd" {
		t.Errorf("padHexString(ABCD) = %q", got)
	}
}

func TestPadHexAlwaysEvenAndNonNegative(t *testing.T) {
	for _, v := range []*big.Int{bigN, bigG, bigK, new(big.Int).Lsh(big.NewInt(1), 255)} {
		h := PadHex(v)
		if len(h)%2 != 0 {
			t.Fatalf("odd length for %s", v.Text(16))
		}
		b, err := hex.DecodeString(h)
		if err != nil {
			t.Fatal(err)
		}
		if b[0]&0x80 != 0 {
			t.Errorf("high bit set in %q", h)
		}
	}
}

func TestNewClientRejectsMalformedPool(t *testing.T) {
	if _, err := NewClient("nounderscore", "cid", ""); err == nil {
		t.Error("expected error for pool id without region prefix")
	}
}

func TestNewClientDeterministicWithFixedRandom(t *testing.T) {
	a, err := NewClient(testPool, "cid", "", WithRandom(fixedRandom(1)))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewClient(testPool, "cid", "", WithRandom(fixedRandom(1)))
	if err != nil {
		t.Fatal(err)
	}
	if a.PublicHex() != b.PublicHex() {
		t.Error("same entropy produced different A")
	}
}

func TestAuthParameters(t *testing.T) {
	c, err := NewClient(testPool, "client-id", "s3cret", WithRandom(fixedRandom(2)))
	if err != nil {
		t.Fatal(err)
	}
	p := c.AuthParameters("user@example.com")
	if p["USERNAME"] != "user@example.com" {
		t.Errorf("USERNAME = %q", p["USERNAME"])
	}
	if p["SRP_A"] != c.PublicHex() {
		t.Errorf("SRP_A mismatch")
	}
	if p["SECRET_HASH"] != SecretHash("user@example.com", "client-id", "s3cret") {
		t.Errorf("SECRET_HASH = %q", p["SECRET_HASH"])
	}

	noSecret, _ := NewClient(testPool, "client-id", "", WithRandom(fixedRandom(2)))
	if _, ok := noSecret.AuthParameters("u")["SECRET_HASH"]; ok {
		t.Error("SECRET_HASH sent without a client secret")
	}
}

func TestSecretHash(t *testing.T) {
	m := hmac.New(sha256.New, []byte("key"))
	m.Write([]byte("alicecid"))
	want := base64.StdEncoding.EncodeToString(m.Sum(nil))
	if got := SecretHash("alice", "cid", "key"); got != want {
		t.Errorf("SecretHash = %q, want %q", got, want)
	}
}

func TestRejectsServerValueMultipleOfN(t *testing.T) {
	c, err := NewClient(testPool, "cid", "", WithRandom(fixedRandom(3)))
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range []string{"0", nHex, new(big.Int).Lsh(bigN, 1).Text(16)} {
		_, err := c.ProcessChallenge("pw", Challenge{ServerPublic: b, Salt: "ab", SecretBlock: "AAAA", UserID: "uid"})
		if !errors.Is(err, ErrInvalidServerValue) {
			t.Errorf("B=%.8s...: err = %v, want ErrInvalidServerValue", b, err)
		}
	}
}

func TestRejectsZeroScrambler(t *testing.T) {
	c, err := NewClient(testPool, "cid", "", WithRandom(fixedRandom(4)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.sharedKey(big.NewInt(12345), big.NewInt(0), big.NewInt(7)); !errors.Is(err, ErrZeroHash) {
		t.Errorf("err = %v, want ErrZeroHash", err)
	}
}

func TestProcessChallengeRejectsBadInput(t *testing.T) {
	c, _ := NewClient(testPool, "cid", "", WithRandom(fixedRandom(5)))
	if _, err := c.ProcessChallenge("pw", Challenge{ServerPublic: "zz", Salt: "ab", SecretBlock: "AAAA"}); err == nil {
		t.Error("expected error for non-hex B")
	}
	if _, err := c.ProcessChallenge("pw", Challenge{ServerPublic: "1234", Salt: "ab", SecretBlock: "***"}); err == nil {
		t.Error("expected error for bad secret block")
	}
	if _, err := c.ProcessChallenge("pw", Challenge{ServerPublic: "1234", Salt: "xyz", SecretBlock: "AAAA"}); err == nil {
		t.Error("expected error for non-hex salt")
	}
}

// TestHandshakeAgainstVerifier plays the provider side with a password
// verifier and checks that both sides derive the same key and signature.
func TestHandshakeAgainstVerifier(t *testing.T) {
	const (
		userID   = "8c1f-user-id"
		password = "correct horse"
		saltHex  = "9f3a5c0e11d2"
	)
	secretBlock := base64.StdEncoding.EncodeToString([]byte("opaque secret block bytes"))
	clock := func() time.Time { return time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC) }

	c, err := NewClient(testPool, "cid", "csecret", WithRandom(fixedRandom(9)), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	// Provider: v = g^x, B = k*v + g^b.
	inner := sha256.Sum256([]byte("AbCdEf123" + userID + ":" + password))
	x := hashInt(padHexString(saltHex), hex.EncodeToString(inner[:]))
	v := new(big.Int).Exp(bigG, x, bigN)
	b := big.NewInt(0).SetBytes(bytes.Repeat([]byte{0x5a}, 64))
	B := new(big.Int).Mul(bigK, v)
	B.Add(B, new(big.Int).Exp(bigG, b, bigN))
	B.Mod(B, bigN)

	resp, err := c.ProcessChallenge(password, Challenge{
		ServerPublic: B.Text(16),
		Salt:         saltHex,
		SecretBlock:  secretBlock,
		UserID:       userID,
	})
	if err != nil {
		t.Fatalf("ProcessChallenge: %v", err)
	}

	// Provider: S = (A * v^u)^b.
	u := hashInt(PadHex(c.pub), PadHex(B))
	s := new(big.Int).Exp(v, u, bigN)
	s.Mul(s, c.pub)
	s.Mod(s, bigN)
	s.Exp(s, b, bigN)
	key, err := deriveKey(s, u)
	if err != nil {
		t.Fatal(err)
	}

	if resp["TIMESTAMP"] != "Tue Mar 5 07:08:09 UTC 2024" {
		t.Errorf("TIMESTAMP = %q", resp["TIMESTAMP"])
	}
	blockBytes, _ := base64.StdEncoding.DecodeString(secretBlock)
	m := hmac.New(sha256.New, key)
	m.Write([]byte("AbCdEf123" + userID))
	m.Write(blockBytes)
	m.Write([]byte(resp["TIMESTAMP"]))
	if want := base64.StdEncoding.EncodeToString(m.Sum(nil)); resp["PASSWORD_CLAIM_SIGNATURE"] != want {
		t.Errorf("signature = %q, want %q", resp["PASSWORD_CLAIM_SIGNATURE"], want)
	}
	if resp["USERNAME"] != userID || resp["PASSWORD_CLAIM_SECRET_BLOCK"] != secretBlock {
		t.Errorf("resp = %v", resp)
	}
	if resp["SECRET_HASH"] != SecretHash(userID, "cid", "csecret") {
		t.Errorf("SECRET_HASH = %q", resp["SECRET_HASH"])
	}

	// A wrong password must not produce the provider's key.
	wrong, err := c.PasswordKey(userID, "wrong", saltHex, B)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(wrong, key) {
		t.Error("wrong password derived the same key")
	}
}
