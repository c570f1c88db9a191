package binder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dmitrymomot/mediagate/core"
)

// maxBodySize caps request bodies accepted by the JSON binder.
const maxBodySize = 1 << 20

// JSON creates a binder for application/json request bodies.
// An empty body leaves the target untouched.
func JSON() func(r *http.Request, v any) error {
	return func(r *http.Request, v any) error {
		if !hasMediaType(r, "application/json") {
			return errors.Join(core.ErrUnsupportedMediaType, fmt.Errorf("%w: expected application/json", ErrUnsupportedMediaType))
		}

		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
		if err := dec.Decode(v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Join(core.ErrBadRequest, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		}
		return nil
	}
}

func hasMediaType(r *http.Request, want string) bool {
	ct := r.Header.Get("Content-Type")
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.EqualFold(strings.TrimSpace(ct), want)
}
