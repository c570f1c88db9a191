package store_test

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
)

func seedServer(t *testing.T, s *store.Memory, vendor store.Vendor) store.MediaServer {
	t.Helper()
	srv, err := s.UpsertServer(context.Background(), store.MediaServer{Name: string(vendor) + "-main", Vendor: vendor, BaseURL: "http://media"})
	require.NoError(t, err)
	return srv
}

func TestMemoryUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	srv := seedServer(t, s, store.VendorJellyfin)

	a, err := s.CreateUser(ctx, store.User{Email: "Ann@Example.com", Username: "ann", ServerID: &srv.ID})
	require.NoError(t, err)
	b, err := s.CreateUser(ctx, store.User{Email: "ann@example.com", Username: "ann2"})
	require.NoError(t, err)

	t.Run("email lookup is case insensitive and oldest first", func(t *testing.T) {
		users, err := s.FindUsersByEmail(ctx, "ANN@example.COM")
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, a.ID, users[0].ID)
		assert.Equal(t, b.ID, users[1].ID)
	})

	t.Run("empty email never matches", func(t *testing.T) {
		_, err := s.CreateUser(ctx, store.User{Username: "nomail"})
		require.NoError(t, err)
		users, err := s.FindUsersByEmail(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("by server", func(t *testing.T) {
		users, err := s.ListUsersByServer(ctx, srv.ID)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "ann", users[0].Username)
	})

	t.Run("users with payments cannot be deleted", func(t *testing.T) {
		_, err := s.CreatePayment(ctx, store.Payment{UserID: a.ID, TransactionID: "tx-del", Months: 1})
		require.NoError(t, err)
		assert.ErrorIs(t, s.DeleteUser(ctx, a.ID), store.ErrReferenced)
		assert.NoError(t, s.DeleteUser(ctx, b.ID))
		_, err = s.GetUser(ctx, b.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMemoryPayments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.CreateUser(ctx, store.User{Email: "p@example.com"})
	require.NoError(t, err)

	_, err = s.CreatePayment(ctx, store.Payment{UserID: u.ID, TransactionID: "tx-1", AmountCents: 500, Months: 1})
	require.NoError(t, err)

	exists, err := s.PaymentExists(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.CreatePayment(ctx, store.Payment{UserID: u.ID, TransactionID: "tx-1", AmountCents: 500, Months: 1})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	payments, err := s.ListPaymentsByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestMemoryInvitations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	inv, err := s.CreateInvitation(ctx, store.Invitation{Code: "ABC123", Expires: &future})
	require.NoError(t, err)
	_, err = s.CreateInvitation(ctx, store.Invitation{Code: "abc123"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
	_, err = s.CreateInvitation(ctx, store.Invitation{Code: "OLD", Expires: &past})
	require.NoError(t, err)

	got, err := s.GetInvitationByCode(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)

	u, err := s.CreateUser(ctx, store.User{Email: "x@example.com", Code: "ABC123"})
	require.NoError(t, err)
	require.NoError(t, s.MarkInvitationUsed(ctx, inv.ID, u.ID, now, true))

	got, err = s.GetInvitationByCode(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.NotNil(t, got.UsedBy)
	assert.Equal(t, u.ID, *got.UsedBy)

	stats, err := s.InvitationStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, store.InvitationStats{Total: 2, Pending: 0, Expired: 1}, stats)
}

func TestMemoryWithTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()

	t.Run("rollback on error", func(t *testing.T) {
		want := errors.New("abort")
		err := s.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
			_, err := q.CreateUser(ctx, store.User{Email: "rolled@example.com"})
			require.NoError(t, err)
			return want
		})
		assert.ErrorIs(t, err, want)
		users, err := s.FindUsersByEmail(ctx, "rolled@example.com")
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	t.Run("commit on success", func(t *testing.T) {
		err := s.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
			_, err := q.CreateUser(ctx, store.User{Email: "kept@example.com"})
			return err
		})
		require.NoError(t, err)
		users, err := s.FindUsersByEmail(ctx, "kept@example.com")
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("rollback on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = s.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
				_ = q.PutSetting(ctx, "server_name", "lost")
				panic("boom")
			})
		})
		settings, err := s.ListSettings(ctx)
		require.NoError(t, err)
		assert.NotContains(t, settings, "server_name")
	})
}

func TestMemoryLibrariesAndServers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	srv := seedServer(t, s, store.VendorPlex)

	again, err := s.UpsertServer(ctx, store.MediaServer{Name: srv.Name, Vendor: store.VendorPlex, BaseURL: "http://new"})
	require.NoError(t, err)
	assert.Equal(t, srv.ID, again.ID)
	assert.Equal(t, "http://new", again.BaseURL)

	movies, err := s.UpsertLibrary(ctx, store.Library{ServerID: srv.ID, ExternalID: "1", Name: "Movies", Enabled: true})
	require.NoError(t, err)
	_, err = s.UpsertLibrary(ctx, store.Library{ServerID: srv.ID, ExternalID: "1", Name: "Films", Enabled: false})
	require.NoError(t, err)

	libs, err := s.ListLibraries(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, movies.ID, libs[0].ID)
	assert.Equal(t, "Films", libs[0].Name)

	inv, err := s.CreateInvitation(ctx, store.Invitation{Code: "LIBS", LibraryIDs: []uuid.UUID{movies.ID}})
	require.NoError(t, err)
	linked, err := s.InvitationLibraries(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "1", linked[0].ExternalID)
}

func TestMemoryRollbackKeepsOutsideWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()

	entered, release := make(chan struct{}), make(chan struct{})
	txErr := make(chan error, 1)
	go func() {
		txErr <- s.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
			if err := q.PutSetting(ctx, "server_name", "draft"); err != nil {
				return err
			}
			close(entered)
			<-release
			return errors.New("abort")
		})
	}()
	<-entered

	created := make(chan error, 1)
	go func() {
		_, err := s.CreateInvitation(ctx, store.Invitation{Code: "ADMINCODE"})
		created <- err
	}()
	assert.Never(t, func() bool { return len(created) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"outside write must wait for the open transaction")

	close(release)
	require.EqualError(t, <-txErr, "abort")
	require.NoError(t, <-created)

	inv, err := s.GetInvitationByCode(ctx, "ADMINCODE")
	require.NoError(t, err)
	assert.Equal(t, "ADMINCODE", inv.Code)
	settings, err := s.ListSettings(ctx)
	require.NoError(t, err)
	assert.NotContains(t, settings, "server_name")
}

func TestMemoryDeleteSkipsPaidUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	u, err := s.CreateUser(ctx, store.User{Email: "paid@example.com"})
	require.NoError(t, err)
	_, err = s.CreatePayment(ctx, store.Payment{UserID: u.ID, TransactionID: "tx-paid", Months: 1})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		if err := q.DeleteUser(ctx, u.ID); !errors.Is(err, store.ErrReferenced) {
			return err
		}
		// The transaction stays usable after a refused delete.
		_, err := q.LockUsersByEmail(ctx, "PAID@example.com")
		return err
	})
	require.NoError(t, err)
	_, err = s.GetUser(ctx, u.ID)
	assert.NoError(t, err)
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()
	entries, err := fs.ReadDir(store.Migrations(), ".")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "00001_init.sql", entries[0].Name())
}

func TestUserIsPlaceholder(t *testing.T) {
	t.Parallel()
	exp := time.Now()
	assert.True(t, store.User{Code: store.CodeNone}.IsPlaceholder())
	assert.True(t, store.User{Code: store.CodeEmpty}.IsPlaceholder())
	assert.False(t, store.User{Code: store.CodeNone, Expires: &exp}.IsPlaceholder())
	assert.False(t, store.User{Code: "ABC"}.IsPlaceholder())
}
