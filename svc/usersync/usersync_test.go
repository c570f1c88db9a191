package usersync_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/media/mediatest"
	"github.com/dmitrymomot/mediagate/svc/usersync"
)

func TestSyncJellyfin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	srv, err := s.UpsertServer(ctx, store.MediaServer{Name: "jf", Vendor: store.VendorJellyfin})
	require.NoError(t, err)

	exp := time.Now().Add(24 * time.Hour)
	kept, err := s.CreateUser(ctx, store.User{Username: "old", Token: "r1", Code: "INV1", Expires: &exp, ServerID: &srv.ID})
	require.NoError(t, err)
	stale, err := s.CreateUser(ctx, store.User{Username: "gone", Token: "r9", Code: store.CodeNone, ServerID: &srv.ID})
	require.NoError(t, err)
	paid, err := s.CreateUser(ctx, store.User{Username: "paid", Token: "r8", Code: store.CodeEmpty, ServerID: &srv.ID})
	require.NoError(t, err)
	_, err = s.CreatePayment(ctx, store.Payment{UserID: paid.ID, TransactionID: "tx", Months: 1})
	require.NoError(t, err)

	client := mediatest.NewClient(store.VendorJellyfin)
	client.On("ListUsers", mock.Anything).Return([]media.RemoteUser{
		{ID: "r1", Username: "renamed", Photo: "p1"},
		{ID: "r2", Username: "fresh"},
	}, nil).Once()

	sy := usersync.New(s, mediatest.NewProvider().Add(srv, client), slog.New(slog.DiscardHandler))

	users, err := sy.Sync(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, users, 3)

	got, err := s.GetUser(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Username)
	assert.Equal(t, "p1", got.Photo)
	assert.Equal(t, "INV1", got.Code)

	_, err = s.GetUser(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetUser(ctx, paid.ID)
	assert.NoError(t, err, "users with payments survive sync")

	var created store.User
	for _, u := range users {
		if u.Token == "r2" {
			created = u
		}
	}
	assert.Equal(t, "fresh", created.Username)
	assert.Equal(t, store.CodeNone, created.Code)

	t.Run("cached until invalidated", func(t *testing.T) {
		again, err := sy.Sync(ctx, srv.ID)
		require.NoError(t, err)
		assert.Len(t, again, 3)
		client.AssertNumberOfCalls(t, "ListUsers", 1)

		client.On("ListUsers", mock.Anything).Return([]media.RemoteUser{}, nil).Once()
		sy.Invalidate(srv.ID)
		_, err = sy.Sync(ctx, srv.ID)
		require.NoError(t, err)
		client.AssertNumberOfCalls(t, "ListUsers", 2)
	})
}

func TestSyncPlexMatchesByEmail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	srv, err := s.UpsertServer(ctx, store.MediaServer{Name: "plex", Vendor: store.VendorPlex})
	require.NoError(t, err)
	u, err := s.CreateUser(ctx, store.User{Email: "Ann@Example.com", Username: "ann", Code: "X", ServerID: &srv.ID})
	require.NoError(t, err)

	client := mediatest.NewClient(store.VendorPlex)
	client.On("ListUsers", mock.Anything).Return([]media.RemoteUser{
		{ID: "42", Email: "ann@example.com", Username: "ann_plex"},
	}, nil)

	sy := usersync.New(s, mediatest.NewProvider().Add(srv, client), slog.New(slog.DiscardHandler))
	users, err := sy.Sync(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, u.ID, users[0].ID)
	assert.Equal(t, "42", users[0].Token)
	assert.Equal(t, "ann_plex", users[0].Username)
}
