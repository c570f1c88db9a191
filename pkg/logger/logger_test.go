package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/pkg/logger"
)

type ctxKey struct{}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("production writes json with service attrs", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithEnvironment("production", "mediagate"))

		log.Info("payment processed", logger.TransactionID("tx-1"), logger.Error(nil))
		log.Debug("hidden")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "payment processed", rec["msg"])
		assert.Equal(t, "mediagate", rec["service"])
		assert.Equal(t, "production", rec["env"])
		assert.Equal(t, "tx-1", rec["transaction_id"])
		assert.NotContains(t, rec, "error")
	})

	t.Run("development uses text at debug", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithEnvironment("local", ""))
		log.Debug("visible", logger.Component("expiry"))
		assert.Contains(t, buf.String(), "msg=visible")
		assert.Contains(t, buf.String(), "component=expiry")
		assert.Contains(t, buf.String(), "env=development")
	})

	t.Run("context extractors", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := logger.New(
			logger.WithOutput(&buf),
			logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
				if v, ok := ctx.Value(ctxKey{}).(string); ok {
					return logger.RequestID(v), true
				}
				return slog.Attr{}, false
			}, nil),
		)

		ctx := context.WithValue(context.Background(), ctxKey{}, "req-42")
		log.With(logger.Component("api")).ErrorContext(ctx, "boom", logger.Error(errors.New("x")))

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "req-42", rec["request_id"])
		assert.Equal(t, "api", rec["component"])
		assert.Equal(t, "x", rec["error"])
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
	})
}
