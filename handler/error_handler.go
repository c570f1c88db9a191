package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dmitrymomot/mediagate/core"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/requestid"
)

// ErrorInfo contains classified error information.
type ErrorInfo struct {
	StatusCode int
	Message    string
	Fields     core.ValidationError
	LogLevel   slog.Level
}

type errorBody struct {
	Error     string              `json:"error"`
	Fields    map[string][]string `json:"fields,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func determineLogLevel(statusCode int) slog.Level {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return slog.LevelWarn
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return slog.LevelInfo
	}
	return slog.LevelError
}

// classifyError maps domain and transport errors to a status and public message.
// Validation errors override HTTP errors when both are present.
func classifyError(err error) ErrorInfo {
	info := ErrorInfo{
		StatusCode: http.StatusInternalServerError,
		Message:    core.ErrInternalServerError.Key,
	}

	var httpErr core.HTTPError
	if errors.As(err, &httpErr) {
		info.StatusCode = httpErr.Code
		info.Message = httpErr.Key
	}

	var validationErr core.ValidationError
	if errors.As(err, &validationErr) {
		info.StatusCode = http.StatusBadRequest
		info.Message = "validation_failed"
		info.Fields = validationErr
	}

	info.LogLevel = determineLogLevel(info.StatusCode)
	return info
}

// wantsJSON reports whether the caller expects a JSON error body.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// NewErrorHandler creates the error handler shared by all modules.
// API callers get a JSON body; everyone else gets plain text with the message key.
func NewErrorHandler(log *slog.Logger) ErrorHandler {
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		r := ctx.Request()
		reqID := requestid.FromContext(r.Context())
		info := classifyError(err)

		log.LogAttrs(r.Context(), info.LogLevel, "request error",
			logger.RequestID(reqID),
			logger.Error(err),
			slog.Int("status_code", info.StatusCode),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Component("error_handler"),
		)

		w := ctx.ResponseWriter()
		if !wantsJSON(r) {
			http.Error(w, info.Message, info.StatusCode)
			return
		}

		resp := JSON(errorBody{
			Error:     info.Message,
			Fields:    info.Fields,
			RequestID: reqID,
		}, WithJSONStatus(info.StatusCode))
		if renderErr := resp.Render(w, r); renderErr != nil {
			log.Error("failed to render error response",
				logger.RequestID(reqID),
				logger.Error(renderErr),
			)
		}
	}
}
