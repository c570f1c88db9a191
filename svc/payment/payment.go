// Package payment reconciles Ko-fi payments with user entitlements.
//
// A transaction id extends access exactly once: the existence check, the
// extension and the ledger insert share one store transaction, and the
// unique index on the transaction id settles concurrent deliveries.
package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/settings"
)

// MonthDays is the length of one paid month.
const MonthDays = 30

var emailPattern = regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

type (
	// Guard drops the revocation suppression for a re-enabled user.
	Guard interface {
		Clear(userID uuid.UUID)
	}

	Recorder interface {
		Payment(result string)
		RemoteError(vendor, op string)
	}
)

// Outcome describes a processed event.
type Outcome struct {
	Duplicate bool
	Months    int
	Users     []store.User
	Payment   store.Payment
}

type Service struct {
	store   store.Store
	media   media.Provider
	guard   Guard
	metrics Recorder
	log     *slog.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithGuard(g Guard) Option              { return func(s *Service) { s.guard = g } }
func WithMetrics(r Recorder) Option         { return func(s *Service) { s.metrics = r } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st store.Store, provider media.Provider, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: st,
		media: provider,
		log:   log.With(logger.Component("payment")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExtractEmail returns the first email-looking substring of msg, lower-cased.
func ExtractEmail(msg string) string {
	return emailPattern.FindString(strings.ToLower(msg))
}

// Extend returns the new expiry for a payment of months: counted from the
// current expiry while it is in the future, from now otherwise.
func Extend(current *time.Time, months int, now time.Time) time.Time {
	base := now.UTC()
	if current != nil && current.UTC().After(base) {
		base = current.UTC()
	}
	return base.AddDate(0, 0, months*MonthDays)
}

var errDuplicate = errors.New("payment: transaction already recorded")

// Process applies ev. A replayed transaction id returns Outcome{Duplicate: true}
// and no error.
func (s *Service) Process(ctx context.Context, ev Event, verificationToken string) (Outcome, error) {
	out, err := s.process(ctx, ev, verificationToken)
	switch {
	case errors.Is(err, errDuplicate):
		s.record("duplicate")
		s.log.InfoContext(ctx, "duplicate payment ignored", logger.TransactionID(ev.TransactionID))
		return Outcome{Duplicate: true}, nil
	case errors.Is(err, ErrUnauthorized):
		s.record("unauthorized")
		s.log.WarnContext(ctx, "payment webhook rejected: bad verification token", logger.TransactionID(ev.TransactionID))
		return Outcome{}, err
	case err != nil:
		s.record("rejected")
		return Outcome{}, err
	}

	for _, u := range out.Users {
		if s.guard != nil {
			s.guard.Clear(u.ID)
		}
	}
	s.record("ok")
	s.log.InfoContext(ctx, "payment processed",
		logger.TransactionID(ev.TransactionID),
		slog.Int("months", out.Months),
		slog.Int("users", len(out.Users)),
	)
	return out, nil
}

func (s *Service) process(ctx context.Context, ev Event, verificationToken string) (Outcome, error) {
	if err := ev.validate(); err != nil {
		return Outcome{}, err
	}

	snap, err := settings.Load(ctx, s.store, s.log)
	if err != nil {
		return Outcome{}, err
	}
	if snap.KofiToken == "" ||
		subtle.ConstantTimeCompare([]byte(snap.KofiToken), []byte(strings.TrimSpace(verificationToken))) != 1 {
		return Outcome{}, ErrUnauthorized
	}

	cents, err := settings.ParseAmount(ev.Amount)
	if err != nil {
		return Outcome{}, ErrInvalidAmount
	}
	months, ok := snap.Prices.Months(cents)
	if !ok {
		return Outcome{}, ErrInvalidAmount
	}

	email := ExtractEmail(ev.Message)
	if email == "" {
		return Outcome{}, ErrUserNotFound
	}

	out := Outcome{Months: months}
	err = s.store.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		users, err := q.LockUsersByEmail(ctx, email)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return ErrUserNotFound
		}

		exists, err := q.PaymentExists(ctx, ev.TransactionID)
		if err != nil {
			return err
		}
		if exists {
			return errDuplicate
		}

		targets, err := s.targets(ctx, snap.PaymentModel, users)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		for i := range targets {
			exp := Extend(targets[i].Expires, months, now)
			targets[i].Expires = &exp
			if err := q.UpdateUser(ctx, targets[i]); err != nil {
				return err
			}
		}

		for _, u := range targets {
			_ = s.enable(ctx, q, u)
		}

		p, err := q.CreatePayment(ctx, store.Payment{
			UserID:        targets[0].ID,
			TransactionID: ev.TransactionID,
			MessageID:     ev.MessageID,
			AmountCents:   cents,
			Currency:      ev.Currency,
			FromName:      ev.FromName,
			Message:       ev.Message,
			Months:        months,
			Processed:     true,
			ProcessedAt:   &now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return errDuplicate
		}
		if err != nil {
			return err
		}
		out.Users, out.Payment = targets, p
		return nil
	})
	return out, err
}

// targets applies the payment model to the users matching the email, which
// arrive oldest first.
func (s *Service) targets(ctx context.Context, model settings.PaymentModel, users []store.User) ([]store.User, error) {
	if model != settings.AllServers {
		if users[0].ServerID == nil {
			return nil, ErrNoServer
		}
		return users[:1], nil
	}
	out := make([]store.User, 0, len(users))
	for _, u := range users {
		if u.ServerID == nil {
			s.log.WarnContext(ctx, "skipping user without server", logger.UserID(u.ID))
			continue
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, ErrNoServer
	}
	return out, nil
}

// Enable restores remote access for u outside of a payment, using the same
// libraries and flags a payment would.
func (s *Service) Enable(ctx context.Context, u store.User) error {
	if u.ServerID == nil {
		return ErrNoServer
	}
	if err := s.enable(ctx, s.store, u); err != nil {
		return err
	}
	if s.guard != nil {
		s.guard.Clear(u.ID)
	}
	return nil
}

// enable restores remote access for u. Inside a payment failures are logged
// only: the extension and the ledger row stand regardless.
func (s *Service) enable(ctx context.Context, q store.Querier, u store.User) error {
	client, server, err := s.media.Client(ctx, *u.ServerID)
	if err != nil {
		s.log.ErrorContext(ctx, "media client unavailable", logger.UserID(u.ID), logger.ServerID(*u.ServerID), logger.Error(err))
		return err
	}
	libraries, perms, err := s.grant(ctx, q, u)
	if err != nil {
		s.log.ErrorContext(ctx, "load libraries for re-enable", logger.UserID(u.ID), logger.Error(err))
		return err
	}
	ref := media.RefFor(u)
	ref.Permissions = perms
	if err := client.EnableUser(ctx, ref, libraries); err != nil {
		if s.metrics != nil {
			s.metrics.RemoteError(string(server.Vendor), "enable")
		}
		s.log.ErrorContext(ctx, "re-enable remote access failed",
			logger.UserID(u.ID), logger.ServerID(server.ID), logger.Vendor(string(server.Vendor)), logger.Error(err))
		return err
	}
	return nil
}

// grant returns the libraries and flags of the user's invitation, falling
// back to the server's enabled libraries.
func (s *Service) grant(ctx context.Context, q store.Querier, u store.User) ([]string, media.Permissions, error) {
	var (
		libs  []store.Library
		perms media.Permissions
	)
	if u.Code != "" && !u.IsPlaceholder() {
		inv, err := q.GetInvitationByCode(ctx, u.Code)
		switch {
		case err == nil:
			perms = media.Permissions{
				AllowSync:     inv.PlexAllowSync,
				AllowChannels: inv.PlexAllowChannels,
				Home:          inv.PlexHome,
			}
			if libs, err = q.InvitationLibraries(ctx, inv.ID); err != nil {
				return nil, perms, err
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, perms, err
		}
	}
	if len(libs) == 0 {
		all, err := q.ListLibraries(ctx, *u.ServerID)
		if err != nil {
			return nil, perms, err
		}
		for _, l := range all {
			if l.Enabled {
				libs = append(libs, l)
			}
		}
	}
	ids := make([]string, 0, len(libs))
	for _, l := range libs {
		ids = append(ids, l.ExternalID)
	}
	return ids, perms, nil
}

func (s *Service) record(result string) {
	if s.metrics != nil {
		s.metrics.Payment(result)
	}
}
