package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/modules/api"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/expiry"
	"github.com/dmitrymomot/mediagate/svc/invite"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/media/mediatest"
	"github.com/dmitrymomot/mediagate/svc/payment"
	"github.com/dmitrymomot/mediagate/svc/usersync"
)

const key = "operator-key"

type fixture struct {
	store   *store.Memory
	server  store.MediaServer
	client  *mediatest.Client
	handler http.Handler
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.DiscardHandler)

	s := store.NewMemory()
	srv, err := s.UpsertServer(ctx, store.MediaServer{Name: "Home", Vendor: store.VendorJellyfin})
	require.NoError(t, err)
	client := mediatest.NewClient(store.VendorJellyfin)
	provider := mediatest.NewProvider().Add(srv, client)

	mod := api.New(apiKey, s,
		invite.NewService(s, provider, invite.WithBaseURL("https://media.example.com")),
		usersync.New(s, provider, log),
		expiry.New(s, provider, log),
		payment.NewService(s, provider, log),
		log,
	)
	return &fixture{store: s, server: srv, client: client, handler: mod.Handle()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(api.HeaderKey, key)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	t.Run("disabled without a key", func(t *testing.T) {
		t.Parallel()
		rec := newFixture(t, "").do(http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"api_disabled"`)
	})

	t.Run("wrong key", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "something-else")
		rec := f.do(http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, key)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	_, err := f.store.CreateInvitation(ctx, store.Invitation{Code: "OPEN01"})
	require.NoError(t, err)
	_, err = f.store.CreateInvitation(ctx, store.Invitation{Code: "LATE01", Expires: &past})
	require.NoError(t, err)
	_, err = f.store.CreateInvitation(ctx, store.Invitation{Code: "USED01", Used: true})
	require.NoError(t, err)
	_, err = f.store.CreateUser(ctx, store.User{Email: "ann@example.com", Code: "USED01", ServerID: &f.server.ID})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":1,"invites":3,"pending":1,"expired":1}`, rec.Body.String())
}

func TestInvites(t *testing.T) {
	t.Parallel()
	f := newFixture(t, key)

	rec := f.do(http.MethodPost, "/api/invites", `{"code":"summer26","duration_days":30}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"code":"SUMMER26","url":"https://media.example.com/j/SUMMER26"}`, rec.Body.String())

	t.Run("taken code conflicts", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/invites", `{"code":"SUMMER26"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("malformed code", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/invites", `{"code":"a-b"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("qr code", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/invites/summer26/qr", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
	})

	t.Run("qr for unknown code", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/invites/NOPE01/qr", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSyncServer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, key)
	f.client.On("ListUsers", mock.Anything).Return([]media.RemoteUser{
		{ID: "r1", Username: "ann"},
		{ID: "r2", Username: "bob"},
	}, nil).Once()

	rec := f.do(http.MethodPost, "/api/servers/"+f.server.ID.String()+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Users int `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Users)

	rec = f.do(http.MethodPost, "/api/servers/not-a-uuid/sync", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToggleUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, key)
	ctx := context.Background()
	exp := time.Now().Add(24 * time.Hour)
	u, err := f.store.CreateUser(ctx, store.User{Email: "ann@example.com", Token: "r-ann", Code: "X", Expires: &exp, ServerID: &f.server.ID})
	require.NoError(t, err)

	ref := media.RemoteRef{ID: "r-ann", Email: "ann@example.com"}
	f.client.On("DisableUser", mock.Anything, ref).Return(nil).Once()
	f.client.On("EnableUser", mock.Anything, ref, []string{}).Return(nil).Once()

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/users/"+u.ID.String()+"/disable", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/users/"+u.ID.String()+"/enable", "").Code)

	kept, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Expires, kept.Expires)
	f.client.AssertExpectations(t)

	rec := f.do(http.MethodPost, "/api/users/"+store.CodeNone+"/disable", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
