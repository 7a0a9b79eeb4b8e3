// Package signature verifies inbound webhook signatures.
//
// The voice platform signs every webhook with HMAC-SHA256. The header format
// is "t=<unix_seconds>,v0=<hex_hmac_sha256>" and the signed value is
// "<t>.<raw_body>". Verification rejects missing, malformed, stale and
// mismatched signatures; the digest comparison is constant-time. There is no
// fallback to unsigned acceptance.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
)

// MinSecretLen is the minimum HMAC secret length in bytes. Shorter secrets
// are rejected at startup.
const MinSecretLen = 32

// DefaultSkew is the default tolerated clock skew between the signature
// timestamp and the server clock.
const DefaultSkew = 30 * time.Minute

// Verifier validates webhook signature headers against a shared secret.
type Verifier struct {
	secret []byte
	skew   time.Duration
}

// NewVerifier creates a verifier. It fails if the secret is shorter than
// MinSecretLen bytes, so a misconfigured deployment refuses to start.
func NewVerifier(secret []byte, skew time.Duration) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{secret: secret, skew: skew}, nil
}

// Verify checks the signature header against the raw request body at the
// given time. The returned error carries one of the signature fault kinds:
// SignatureMissing, SignatureMalformed, SignatureStale, SignatureMismatch.
func (v *Verifier) Verify(body []byte, header string, now time.Time) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return faults.New(faults.SignatureMissing, "webhook-signature header is required")
	}

	ts, digest, err := parseHeader(header)
	if err != nil {
		return faults.Wrap(faults.SignatureMalformed, err, "invalid webhook-signature header")
	}

	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(v.skew.Seconds()) {
		return faults.New(faults.SignatureStale, "signature timestamp outside %s skew window", v.skew)
	}

	expected := v.Sign(body, ts)
	// hmac.Equal is constant-time; comparing hex strings directly would not be.
	got, err := hex.DecodeString(digest)
	if err != nil {
		return faults.Wrap(faults.SignatureMalformed, err, "signature digest is not hex")
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return faults.New(faults.SignatureMismatch, "signature digest mismatch")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 digest for a body at a timestamp.
// Exposed for tests and for signing outbound replay of archived payloads.
func (v *Verifier) Sign(body []byte, ts int64) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header renders a complete signature header for a body at a timestamp.
func (v *Verifier) Header(body []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v0=%s", ts, v.Sign(body, ts))
}

func parseHeader(header string) (ts int64, digest string, err error) {
	var sawT, sawV0 bool
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, "", fmt.Errorf("element %q is not key=value", part)
		}
		switch key {
		case "t":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("timestamp %q is not an integer", value)
			}
			sawT = true
		case "v0":
			digest = value
			sawV0 = true
		}
	}
	if !sawT || !sawV0 {
		return 0, "", fmt.Errorf("header must contain t and v0 elements")
	}
	if len(digest) != sha256.Size*2 {
		return 0, "", fmt.Errorf("digest must be %d hex chars, got %d", sha256.Size*2, len(digest))
	}
	return ts, digest, nil
}
