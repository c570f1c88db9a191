package media

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// api is the JSON-over-HTTP plumbing shared by the adapters.
type api struct {
	base      string
	client    *http.Client
	headers   http.Header
	retries   uint64
	retryBase time.Duration
}

func newAPI(base string, o options, headers http.Header) api {
	return api{
		base:      strings.TrimRight(base, "/"),
		client:    o.httpClient,
		headers:   headers,
		retries:   o.retries,
		retryBase: o.retryBase,
	}
}

// do sends in as JSON when non-nil and decodes a 2xx body into out when non-nil.
func (a api) do(ctx context.Context, method, path string, in, out any) error {
	_, err := a.send(ctx, method, path, in, out, nil)
	return err
}

// send retries reads that failed in transit or hit a throttled or
// unavailable server. Writes are sent once: vendor invite endpoints are not
// idempotent.
func (a api) send(ctx context.Context, method, path string, in, out any, extra http.Header) (int, error) {
	if method != http.MethodGet || a.retries == 0 {
		return a.sendOnce(ctx, method, path, in, out, extra)
	}
	b := retry.WithMaxRetries(a.retries, retry.NewExponential(a.retryBase))
	return retry.DoValue(ctx, b, func(ctx context.Context) (int, error) {
		code, err := a.sendOnce(ctx, method, path, in, out, extra)
		if err != nil && transient(code) {
			return code, retry.RetryableError(err)
		}
		return code, err
	})
}

// transient reports a status worth retrying; zero means no response arrived.
func transient(code int) bool {
	switch code {
	case 0, http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (a api) sendOnce(ctx context.Context, method, path string, in, out any, extra http.Header) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return 0, err
	}
	for k, v := range a.headers {
		req.Header[k] = v
	}
	for k, v := range extra {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

func header(kv ...string) http.Header {
	h := make(http.Header, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}
