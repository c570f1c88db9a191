package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type jsonResponse struct {
	status int
	body   any
}

func (j jsonResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// JSONOption configures JSON response.
type JSONOption func(*jsonResponse)

// WithJSONStatus sets custom HTTP status code.
func WithJSONStatus(status int) JSONOption {
	return func(r *jsonResponse) {
		r.status = status
	}
}

// JSON renders v as the response body with 200 OK unless overridden.
func JSON(v any, opts ...JSONOption) Response {
	r := &jsonResponse{status: http.StatusOK, body: v}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type textResponse struct {
	status int
	body   string
}

func (t textResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(t.status)
	_, err := w.Write([]byte(t.body))
	return err
}

// Text renders a plain-text body with the given status.
func Text(status int, body string) Response {
	return textResponse{status: status, body: body}
}

type redirectResponse struct {
	url    string
	status int
}

func (rr redirectResponse) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.url, rr.status)
	return nil
}

// Redirect sends the client to url. Status defaults to 303 See Other.
func Redirect(url string, status ...int) Response {
	code := http.StatusSeeOther
	if len(status) > 0 {
		code = status[0]
	}
	return redirectResponse{url: url, status: code}
}

type emptyResponse struct{ status int }

func (e emptyResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(e.status)
	return nil
}

// Empty writes only a status code.
func Empty(status int) Response {
	return emptyResponse{status: status}
}

type pngResponse struct{ data []byte }

func (p pngResponse) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(p.data)))
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(p.data)
	return err
}

// PNG writes raw image bytes.
func PNG(data []byte) Response {
	return pngResponse{data: data}
}

type errorResponse struct{ err error }

func (e errorResponse) Render(http.ResponseWriter, *http.Request) error {
	return e.err
}

// Error defers to the configured ErrorHandler.
func Error(err error) Response {
	return errorResponse{err: err}
}

// ResponseFunc adapts a plain function to the Response interface.
type ResponseFunc func(w http.ResponseWriter, r *http.Request) error

func (f ResponseFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}
