// Package payment receives Ko-fi webhook deliveries.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/mediagate/handler"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/svc/payment"
)

// maxBody bounds a delivery; Ko-fi payloads are a few kilobytes.
const maxBody = 64 << 10

type Processor interface {
	Process(ctx context.Context, ev payment.Event, verificationToken string) (payment.Outcome, error)
}

type Module struct {
	payments Processor
	log      *slog.Logger
	limit    func(http.Handler) http.Handler
}

type Option func(*Module)

func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(m *Module) { m.limit = mw }
}

func New(payments Processor, log *slog.Logger, opts ...Option) *Module {
	m := &Module{
		payments: payments,
		log:      log.With(logger.Component("kofi_webhook")),
		limit:    func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle returns the module on its own router.
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()
	m.Routes(r)
	return r
}

const (
	WebhookPath = "/kofi/webhook"
	// LegacyWebhookPath keeps Ko-fi accounts configured for older deployments working.
	LegacyWebhookPath = "/payment/kofi-webhook"
)

// Routes registers the module on r.
func (m *Module) Routes(r chi.Router) {
	h := handler.Wrap(m.webhook)
	r.With(m.limit).Post(WebhookPath, h)
	r.With(m.limit).Post(LegacyWebhookPath, h)
}

// webhook always answers in plain text. Duplicates are acknowledged so the
// sender stops retrying.
func (m *Module) webhook(ctx handler.Context, _ struct{}) handler.Response {
	r := ctx.Request()
	r.Body = http.MaxBytesReader(ctx.ResponseWriter(), r.Body, maxBody)
	if err := r.ParseForm(); err != nil {
		return handler.Text(http.StatusBadRequest, "Invalid data")
	}

	ev, err := payment.ParseEvent(r.PostForm)
	if err != nil {
		return m.reject(ctx, err)
	}
	out, err := m.payments.Process(ctx, ev, ev.VerificationToken)
	if err != nil {
		return m.reject(ctx, err)
	}
	if out.Duplicate {
		m.log.InfoContext(ctx, "duplicate delivery acknowledged", logger.TransactionID(ev.TransactionID))
	}
	return handler.Text(http.StatusOK, "OK")
}

func (m *Module) reject(ctx context.Context, err error) handler.Response {
	switch {
	case errors.Is(err, payment.ErrNoData):
		return handler.Text(http.StatusBadRequest, "No data")
	case errors.Is(err, payment.ErrInvalidData):
		return handler.Text(http.StatusBadRequest, "Invalid data")
	case errors.Is(err, payment.ErrUnauthorized):
		return handler.Text(http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, payment.ErrInvalidAmount):
		return handler.Text(http.StatusBadRequest, "Invalid amount")
	case errors.Is(err, payment.ErrUserNotFound):
		return handler.Text(http.StatusBadRequest, "User not found")
	}
	m.log.ErrorContext(ctx, "payment processing failed", logger.Error(err))
	return handler.Text(http.StatusInternalServerError, "Processing failed")
}
