package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

// Signature is the set of headers attached to a signed delivery.
type Signature struct {
	Value     string
	Timestamp int64
	ID        string
}

// Apply writes the signature headers onto h.
func (s Signature) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Value)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	h.Set(HeaderID, s.ID)
}

// Sign computes hex(HMAC-SHA256(secret, "<unix>.<payload>")).
func Sign(secret string, payload []byte, at time.Time) (Signature, error) {
	if secret == "" {
		return Signature{}, ErrMissingSecret
	}
	if len(payload) == 0 {
		return Signature{}, ErrEmptyPayload
	}
	ts := at.Unix()
	return Signature{
		Value:     mac(secret, ts, payload),
		Timestamp: ts,
		ID:        uuid.NewString(),
	}, nil
}

// Verify checks the headers of an incoming delivery. A zero tolerance skips
// the timestamp window check.
func Verify(secret string, payload []byte, h http.Header, tolerance time.Duration) error {
	if secret == "" {
		return ErrMissingSecret
	}
	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 {
		age := time.Since(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	want := mac(secret, ts, payload)
	if !hmac.Equal([]byte(want), []byte(h.Get(HeaderSignature))) {
		return ErrInvalidSignature
	}
	return nil
}

func mac(secret string, ts int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
