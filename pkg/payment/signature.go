package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signature format: HMAC-SHA256(secret, timestamp + "." + payload), hex
// encoded. Binding the timestamp into the signed string prevents replay of
// captured payloads; the scheme matches what major payment providers use.

// Sign computes the signature for a payload at the given unix timestamp.
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.%s", timestamp, payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks webhook authenticity. Comparison is constant-time,
// and a non-zero maxAge rejects stale or far-future timestamps. Returns
// ErrInvalidSignature on any mismatch; callers must not parse the payload
// when verification fails.
func VerifySignature(secret string, payload []byte, signature string, timestamp int64, maxAge time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidSignature)
	}
	if signature == "" {
		return fmt.Errorf("%w: signature is missing", ErrInvalidSignature)
	}

	if maxAge > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age > maxAge {
			return fmt.Errorf("%w: timestamp too old: %v", ErrInvalidSignature, age)
		}
		// Allow a minute of clock skew but reject far-future timestamps.
		if age < -1*time.Minute {
			return fmt.Errorf("%w: timestamp is in the future", ErrInvalidSignature)
		}
	}

	expected := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}
