// Package notify tells the operator about account events such as a user
// joining. Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/mediagate/pkg/email"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/webhook"
)

type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Config selects the delivery channels from the environment.
type Config struct {
	WebhookURL    string        `env:"NOTIFY_WEBHOOK_URL"`
	WebhookSecret string        `env:"NOTIFY_WEBHOOK_SECRET"`
	WebhookRetry  int           `env:"NOTIFY_WEBHOOK_RETRIES" envDefault:"3"`
	WebhookDelay  time.Duration `env:"NOTIFY_WEBHOOK_BACKOFF" envDefault:"1s"`
	EmailTo       string        `env:"NOTIFY_EMAIL_TO"`
}

// Log writes notifications to the application log.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log.With(logger.Component("notify"))}
}

func (l *Log) Notify(ctx context.Context, title, message string) error {
	l.log.InfoContext(ctx, message, logger.Event(title))
	return nil
}

// Payload is the JSON body posted by Webhook.
type Payload struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Webhook posts signed notifications to an HTTP endpoint.
type Webhook struct {
	sender *webhook.Sender
	url    string
	opts   []webhook.SendOption
	now    func() time.Time
}

func NewWebhook(sender *webhook.Sender, url, secret string, retries int, backoff time.Duration) *Webhook {
	opts := []webhook.SendOption{
		webhook.WithMaxRetries(retries),
		webhook.WithBackoff(webhook.ExponentialBackoff(backoff, 30*time.Second)),
	}
	if secret != "" {
		opts = append(opts, webhook.WithSignature(secret))
	}
	return &Webhook{sender: sender, url: url, opts: opts, now: time.Now}
}

func (w *Webhook) Notify(ctx context.Context, title, message string) error {
	return w.sender.Send(ctx, w.url, Payload{Title: title, Message: message, Timestamp: w.now().UTC()}, w.opts...)
}

// Email sends notifications to one operator address.
type Email struct {
	sender email.Sender
	to     string
}

func NewEmail(sender email.Sender, to string) *Email {
	return &Email{sender: sender, to: to}
}

func (e *Email) Notify(ctx context.Context, title, message string) error {
	return e.sender.SendEmail(ctx, email.Message{
		To:      e.to,
		Subject: title,
		Body:    message,
		Tag:     "notification",
	})
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build assembles the notifiers enabled by cfg. Log is always included.
func Build(cfg Config, mail email.Sender, log *slog.Logger) Multi {
	m := Multi{NewLog(log)}
	if cfg.WebhookURL != "" {
		m = append(m, NewWebhook(webhook.NewSender(nil), cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookRetry, cfg.WebhookDelay))
	}
	if mail != nil && cfg.EmailTo != "" {
		m = append(m, NewEmail(mail, cfg.EmailTo))
	}
	return m
}
