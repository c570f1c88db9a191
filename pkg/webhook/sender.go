// Package webhook delivers signed JSON payloads to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Sender posts JSON payloads with retries. The zero value is not usable.
type Sender struct {
	client *http.Client
	now    func() time.Time
}

// NewSender creates a sender. A nil client gets a 30s-timeout default.
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{client: client, now: time.Now}
}

// SendOption tunes a single delivery.
type SendOption func(*sendOptions)

type sendOptions struct {
	secret     string
	maxRetries int
	backoff    func(attempt int) time.Duration
	headers    http.Header
}

// WithSignature signs the payload with secret.
func WithSignature(secret string) SendOption {
	return func(o *sendOptions) { o.secret = secret }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) SendOption {
	return func(o *sendOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBackoff replaces the delay schedule between attempts.
func WithBackoff(fn func(attempt int) time.Duration) SendOption {
	return func(o *sendOptions) {
		if fn != nil {
			o.backoff = fn
		}
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) { o.headers.Set(key, value) }
}

// ExponentialBackoff returns base * 2^(attempt-1), capped at max.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Send marshals data and POSTs it to target. 4xx responses other than 408 and
// 429 are permanent and not retried.
func (s *Sender) Send(ctx context.Context, target string, data any, opts ...SendOption) error {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	o := sendOptions{
		maxRetries: 3,
		backoff:    ExponentialBackoff(time.Second, 30*time.Second),
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.backoff(attempt)):
			}
		}

		status, err := s.attempt(ctx, u.String(), payload, o)
		if err == nil {
			return nil
		}
		lastErr = err
		if permanent(status) {
			return errors.Join(ErrPermanentFailure, err)
		}
	}
	return errors.Join(fmt.Errorf("%w after %d attempts", ErrDeliveryFailed, o.maxRetries+1), lastErr)
}

func (s *Sender) attempt(ctx context.Context, target string, payload []byte, o sendOptions) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.headers {
		req.Header[k] = v
	}
	if o.secret != "" {
		sig, err := Sign(o.secret, payload, s.now())
		if err != nil {
			return 0, err
		}
		sig.Apply(req.Header)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
}

func permanent(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
