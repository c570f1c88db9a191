package payment_test

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/media/mediatest"
	"github.com/dmitrymomot/mediagate/svc/payment"
	"github.com/dmitrymomot/mediagate/svc/settings"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type guard struct {
	mu      sync.Mutex
	cleared []uuid.UUID
}

func (g *guard) Clear(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, id)
}

type env struct {
	store  *store.Memory
	server store.MediaServer
	client *mediatest.Client
	guard  *guard
	svc    *payment.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	for k, v := range map[string]string{
		settings.KeyKofiToken:    "secret",
		settings.KeyPrice1Month:  "5.00",
		settings.KeyPrice3Months: "12.00",
		settings.KeyPrice6Months: "20.00",
	} {
		require.NoError(t, s.PutSetting(ctx, k, v))
	}
	srv, err := s.UpsertServer(ctx, store.MediaServer{Name: "jf", Vendor: store.VendorJellyfin})
	require.NoError(t, err)
	client := mediatest.NewClient(store.VendorJellyfin)
	g := &guard{}
	svc := payment.NewService(s, mediatest.NewProvider().Add(srv, client), slog.New(slog.DiscardHandler),
		payment.WithGuard(g),
		payment.WithClock(func() time.Time { return now }),
	)
	return &env{store: s, server: srv, client: client, guard: g, svc: svc}
}

func (e *env) user(t *testing.T, email string, expires *time.Time) store.User {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), store.User{Email: email, Token: "r-" + email, Expires: expires, ServerID: &e.server.ID})
	require.NoError(t, err)
	return u
}

func event(tx, amount, message string) payment.Event {
	return payment.Event{
		MessageID:     "m-" + tx,
		TransactionID: tx,
		Amount:        amount,
		Currency:      "USD",
		FromName:      "Ann",
		Message:       message,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestParseEvent(t *testing.T) {
	t.Parallel()

	t.Run("missing data", func(t *testing.T) {
		t.Parallel()
		_, err := payment.ParseEvent(url.Values{})
		assert.ErrorIs(t, err, payment.ErrNoData)
	})

	t.Run("bad json", func(t *testing.T) {
		t.Parallel()
		_, err := payment.ParseEvent(url.Values{"data": {"{nope"}})
		assert.ErrorIs(t, err, payment.ErrInvalidData)
	})

	t.Run("missing required field", func(t *testing.T) {
		t.Parallel()
		_, err := payment.ParseEvent(url.Values{"data": {`{"message_id":"m","kofi_transaction_id":"t","amount":"5.00","currency":"USD"}`}})
		assert.ErrorIs(t, err, payment.ErrInvalidData)
	})

	t.Run("numeric amount and outer token", func(t *testing.T) {
		t.Parallel()
		ev, err := payment.ParseEvent(url.Values{
			"data":               {`{"verification_token":"inner","message_id":"m","kofi_transaction_id":"t","amount":5.5,"currency":"USD","from_name":"Ann","message":"hi"}`},
			"verification_token": {"outer"},
		})
		require.NoError(t, err)
		assert.Equal(t, "5.5", ev.Amount)
		assert.Equal(t, "outer", ev.VerificationToken)
		assert.Equal(t, "t", ev.TransactionID)
	})
}

func TestExtractEmail(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ann@example.com", payment.ExtractEmail("Thanks! my account is Ann@Example.COM cheers"))
	assert.Empty(t, payment.ExtractEmail("no address here"))
}

func TestExtend(t *testing.T) {
	t.Parallel()
	assert.Equal(t, now.AddDate(0, 0, 30), payment.Extend(ptr(now.Add(-24*time.Hour)), 1, now), "expired users extend from now")
	assert.Equal(t, now.AddDate(0, 0, 40), payment.Extend(ptr(now.AddDate(0, 0, 10)), 1, now), "active users extend from expiry")
	assert.Equal(t, now.AddDate(0, 0, 180), payment.Extend(nil, 6, now))
}

func TestProcessIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	u := e.user(t, "ann@example.com", ptr(now.Add(-24*time.Hour)))
	e.client.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ev := event("tx-1", "5.00", "for ann@example.com")
	out, err := e.svc.Process(ctx, ev, "secret")
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, 1, out.Months)

	again, err := e.svc.Process(ctx, ev, "secret")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	got, err := e.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Expires)
	assert.Equal(t, now.AddDate(0, 0, 30), *got.Expires)

	payments, err := e.store.ListPaymentsByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(500), payments[0].AmountCents)
	assert.True(t, payments[0].Processed)

	e.client.AssertNumberOfCalls(t, "EnableUser", 1)
	assert.Equal(t, []uuid.UUID{u.ID}, e.guard.cleared)
}

func TestProcessConcurrentDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("same transaction id", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		u := e.user(t, "ann@example.com", nil)
		e.client.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		var processed, duplicates atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := e.svc.Process(ctx, event("tx-same", "5.00", "ann@example.com"), "secret")
				assert.NoError(t, err)
				if out.Duplicate {
					duplicates.Add(1)
				} else {
					processed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), processed.Load())
		assert.Equal(t, int32(7), duplicates.Load())
		payments, err := e.store.ListPaymentsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
		got, err := e.store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Expires)
		assert.Equal(t, now.AddDate(0, 0, 30), *got.Expires)
	})

	t.Run("different transaction ids stack", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		u := e.user(t, "bob@example.com", nil)
		e.client.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		var wg sync.WaitGroup
		for _, tx := range []string{"tx-a", "tx-b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.svc.Process(ctx, event(tx, "5.00", "bob@example.com"), "secret")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		payments, err := e.store.ListPaymentsByUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 2)
		got, err := e.store.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Expires)
		assert.Equal(t, now.AddDate(0, 0, 60), *got.Expires, "both payments extend access")
	})
}

func TestProcessTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tc := range []struct {
		amount string
		months int
		err    error
	}{
		{"5.00", 1, nil},
		{"12.00", 3, nil},
		{"20.00", 6, nil},
		{"7.00", 0, payment.ErrInvalidAmount},
		{"abc", 0, payment.ErrInvalidAmount},
	} {
		t.Run(tc.amount, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			e.user(t, "ann@example.com", nil)
			e.client.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(nil)

			out, err := e.svc.Process(ctx, event("tx", tc.amount, "ann@example.com"), "secret")
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.months, out.Months)
		})
	}
}

func TestProcessRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("wrong token", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, err := e.svc.Process(ctx, event("tx", "5.00", "ann@example.com"), "guess")
		assert.ErrorIs(t, err, payment.ErrUnauthorized)
	})

	t.Run("no token configured fails closed", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		require.NoError(t, e.store.PutSetting(ctx, settings.KeyKofiToken, ""))
		_, err := e.svc.Process(ctx, event("tx", "5.00", "ann@example.com"), "")
		assert.ErrorIs(t, err, payment.ErrUnauthorized)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, err := e.svc.Process(ctx, event("tx", "5.00", "ghost@example.com"), "secret")
		assert.ErrorIs(t, err, payment.ErrUserNotFound)
		_, err = e.svc.Process(ctx, event("tx", "5.00", "no email"), "secret")
		assert.ErrorIs(t, err, payment.ErrUserNotFound)
	})

	t.Run("user without server", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, err := e.store.CreateUser(ctx, store.User{Email: "ann@example.com"})
		require.NoError(t, err)
		_, err = e.svc.Process(ctx, event("tx", "5.00", "ann@example.com"), "secret")
		assert.ErrorIs(t, err, payment.ErrNoServer)
		exists, err := e.store.PaymentExists(ctx, "tx")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestProcessAllServers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.store.PutSetting(ctx, settings.KeyPaymentModel, string(settings.AllServers)))

	other, err := e.store.UpsertServer(ctx, store.MediaServer{Name: "plex", Vendor: store.VendorPlex})
	require.NoError(t, err)
	plexClient := mediatest.NewClient(store.VendorPlex)
	svc := payment.NewService(e.store, mediatest.NewProvider().Add(e.server, e.client).Add(other, plexClient),
		slog.New(slog.DiscardHandler), payment.WithClock(func() time.Time { return now }))

	active := e.user(t, "ann@example.com", ptr(now.AddDate(0, 0, 10)))
	second, err := e.store.CreateUser(ctx, store.User{Email: "ann@example.com", ServerID: &other.ID})
	require.NoError(t, err)

	e.client.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	plexClient.On("EnableUser", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("plex down"))

	out, err := svc.Process(ctx, event("tx-all", "5.00", "ann@example.com"), "secret")
	require.NoError(t, err, "re-enable failures never undo the payment")
	require.Len(t, out.Users, 2)

	got, err := e.store.GetUser(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 40), *got.Expires)
	got, err = e.store.GetUser(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 30), *got.Expires)
}

func TestProcessUsesInvitationLibraries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	lib, err := e.store.UpsertLibrary(ctx, store.Library{ServerID: e.server.ID, ExternalID: "L1", Name: "Kids", Enabled: false})
	require.NoError(t, err)
	_, err = e.store.UpsertLibrary(ctx, store.Library{ServerID: e.server.ID, ExternalID: "L2", Name: "Movies", Enabled: true})
	require.NoError(t, err)
	_, err = e.store.CreateInvitation(ctx, store.Invitation{Code: "INV1", LibraryIDs: []uuid.UUID{lib.ID}, PlexAllowSync: true})
	require.NoError(t, err)
	u, err := e.store.CreateUser(ctx, store.User{Email: "ann@example.com", Token: "r1", Code: "INV1", ServerID: &e.server.ID})
	require.NoError(t, err)

	e.client.On("EnableUser", mock.Anything,
		media.RemoteRef{ID: "r1", Email: "ann@example.com", Permissions: media.Permissions{AllowSync: true}},
		[]string{"L1"},
	).Return(nil).Once()

	_, err = e.svc.Process(ctx, event("tx-lib", "5.00", "ann@example.com"), "secret")
	require.NoError(t, err)
	e.client.AssertExpectations(t)

	st, err := e.svc.StatusFor(ctx, u)
	require.NoError(t, err)
	assert.True(t, st.Active, "status reads the row as passed, the caller reloads")
	assert.Len(t, st.Payments, 1)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	active := e.user(t, "a@example.com", ptr(now.Add(36*time.Hour)))
	st, err := e.svc.StatusFor(ctx, active)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, 2, st.DaysRemaining)
	assert.Empty(t, st.Payments)

	lapsed := e.user(t, "b@example.com", ptr(now.Add(-time.Hour)))
	st, err = e.svc.StatusFor(ctx, lapsed)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Zero(t, st.DaysRemaining)
}
