package identity_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/identity"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()

	plex, err := s.UpsertServer(ctx, store.MediaServer{Name: "plex", Vendor: store.VendorPlex})
	require.NoError(t, err)
	jf, err := s.UpsertServer(ctx, store.MediaServer{Name: "jf", Vendor: store.VendorJellyfin})
	require.NoError(t, err)

	ann1, err := s.CreateUser(ctx, store.User{Email: "ann@example.com", Username: "ann", ServerID: &plex.ID})
	require.NoError(t, err)
	ann2, err := s.CreateUser(ctx, store.User{Email: "Ann@Example.com", Username: "annie", ServerID: &jf.ID})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, store.User{Email: "ann@example.com", Username: "ann-dup", ServerID: &jf.ID})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, store.User{Email: "orphan@example.com", Username: "orphan"})
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, store.User{Email: "bob@example.com", Username: "bob", ServerID: &jf.ID})
	require.NoError(t, err)

	strasse, err := s.CreateUser(ctx, store.User{Email: "s@example.com", Username: "Straße", ServerID: &jf.ID})
	require.NoError(t, err)

	r := identity.NewResolver(s, slog.New(slog.DiscardHandler))

	t.Run("same email on two servers is ambiguous", func(t *testing.T) {
		t.Parallel()
		res, err := r.Resolve(ctx, "  ANN@example.com ")
		require.NoError(t, err)
		require.True(t, res.Ambiguous())
		require.Len(t, res.Candidates, 2)

		assert.Equal(t, ann1.ID, res.Candidates[0].User.ID)
		assert.Equal(t, store.VendorPlex, res.Candidates[0].Vendor)
		assert.False(t, res.Candidates[0].RequiresPassword)

		assert.Equal(t, ann2.ID, res.Candidates[1].User.ID, "oldest row wins per server")
		assert.True(t, res.Candidates[1].RequiresPassword)
		assert.True(t, res.RequiresPassword())
	})

	t.Run("username match", func(t *testing.T) {
		t.Parallel()
		res, err := r.Resolve(ctx, "BOB")
		require.NoError(t, err)
		c, ok := res.Single()
		require.True(t, ok)
		assert.Equal(t, bob.ID, c.User.ID)
		assert.Equal(t, jf.ID, c.Server.ID)
	})

	t.Run("sharp s is not folded away", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "straße", r.Normalize(" STRAßE "))
		res, err := r.Resolve(ctx, "straße")
		require.NoError(t, err)
		c, ok := res.Single()
		require.True(t, ok)
		assert.Equal(t, strasse.ID, c.User.ID)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		for _, q := range []string{"nobody@example.com", "", "orphan"} {
			res, err := r.Resolve(ctx, q)
			assert.ErrorIs(t, err, identity.ErrNotFound, q)
			assert.True(t, res.NotFound())
		}
	})
}
