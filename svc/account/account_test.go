package account_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/account"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/media/mediatest"
)

func TestLogin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()

	plex, err := s.UpsertServer(ctx, store.MediaServer{Name: "plex", Vendor: store.VendorPlex})
	require.NoError(t, err)
	jf, err := s.UpsertServer(ctx, store.MediaServer{Name: "jf", Vendor: store.VendorJellyfin})
	require.NoError(t, err)

	plexUser, err := s.CreateUser(ctx, store.User{Email: "ann@example.com", Username: "ann", Code: "PLEXCODE", ServerID: &plex.ID})
	require.NoError(t, err)
	jfUser, err := s.CreateUser(ctx, store.User{Email: "ann@example.com", Username: "ann", Code: "JFCODE", ServerID: &jf.ID})
	require.NoError(t, err)

	plexClient := mediatest.NewClient(store.VendorPlex)
	plexClient.On("ResolveAccount", mock.Anything, "good").Return(media.Account{Email: "ANN@example.com"}, nil)
	plexClient.On("ResolveAccount", mock.Anything, "bad").Return(media.Account{}, media.ErrInvalidToken)
	jfClient := mediatest.NewClient(store.VendorJellyfin)
	jfClient.On("ValidateCredentials", mock.Anything, "ann", "pw").Return(true, nil)
	jfClient.On("ValidateCredentials", mock.Anything, "ann", "nope").Return(false, nil)
	jfClient.On("ValidateCredentials", mock.Anything, "ann", "err").Return(false, errors.New("down"))

	svc := account.NewService(s, mediatest.NewProvider().Add(plex, plexClient).Add(jf, jfClient), slog.New(slog.DiscardHandler))

	t.Run("token picks the user on the token server", func(t *testing.T) {
		t.Parallel()
		l, err := svc.LoginWithToken(ctx, uuid.Nil, "good")
		require.NoError(t, err)
		assert.Equal(t, plexUser.ID, l.User.ID)
		assert.Equal(t, "PLEXCODE", l.Code)

		_, err = svc.LoginWithToken(ctx, plex.ID, "bad")
		assert.ErrorIs(t, err, account.ErrInvalidCredentials)
	})

	t.Run("credentials", func(t *testing.T) {
		t.Parallel()
		l, err := svc.LoginWithCredentials(ctx, jf.ID, "ann", "pw")
		require.NoError(t, err)
		assert.Equal(t, jfUser.ID, l.User.ID)

		_, err = svc.LoginWithCredentials(ctx, jf.ID, "ann", "nope")
		assert.ErrorIs(t, err, account.ErrInvalidCredentials)
		_, err = svc.LoginWithCredentials(ctx, jf.ID, "ann", "err")
		assert.Error(t, err)
	})

	t.Run("code", func(t *testing.T) {
		t.Parallel()
		l, err := svc.LoginWithCode(ctx, "jfcode")
		require.NoError(t, err)
		assert.Equal(t, jfUser.ID, l.User.ID)

		_, err = svc.LoginWithCode(ctx, "UNKNOWN")
		assert.ErrorIs(t, err, account.ErrAccountNotFound)
	})
}

func TestLoginWithCodeFollowsInvitation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.CreateUser(ctx, store.User{Email: "a@example.com", Code: "OTHER"})
	require.NoError(t, err)
	inv, err := s.CreateInvitation(ctx, store.Invitation{Code: "SHARED", Unlimited: true})
	require.NoError(t, err)
	require.NoError(t, s.MarkInvitationUsed(ctx, inv.ID, u.ID, inv.CreatedAt, false))

	svc := account.NewService(s, mediatest.NewProvider(), slog.New(slog.DiscardHandler))
	l, err := svc.LoginWithCode(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, u.ID, l.User.ID)
	assert.Equal(t, "OTHER", l.Code)
}

func TestUserContext(t *testing.T) {
	t.Parallel()
	_, ok := account.UserFromContext(context.Background())
	assert.False(t, ok)

	want := store.User{ID: uuid.New()}
	got, ok := account.UserFromContext(account.WithUser(context.Background(), want))
	require.True(t, ok)
	assert.Equal(t, want.ID, got.ID)
}
