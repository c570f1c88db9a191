package media_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

func newABS(t *testing.T, patched *[]map[string]any, mu *sync.Mutex) media.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"users": []map[string]any{
			{"id": "a1", "username": "ann", "email": "ann@example.com", "isActive": true},
		}})
	})
	mux.HandleFunc("POST /api/users", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "user", body["type"])
		assert.Equal(t, true, body["isActive"])
		assert.Equal(t, map[string]any{"accessAllLibraries": true}, body["permissions"])
		_ = json.NewEncoder(w).Encode(map[string]any{"user": map[string]any{"id": "a2", "username": body["username"]}})
	})
	mux.HandleFunc("PATCH /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		*patched = append(*patched, body)
		mu.Unlock()
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "right" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{}}`))
	})
	mux.HandleFunc("GET /api/libraries", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"libraries": []map[string]string{{"id": "lib1", "name": "Books"}}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := media.NewClient(store.MediaServer{Vendor: store.VendorAudiobookshelf, BaseURL: srv.URL}, "admin-token", media.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestAudiobookshelf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var (
		mu      sync.Mutex
		patched []map[string]any
	)
	c := newABS(t, &patched, &mu)

	users, err := c.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []media.RemoteUser{{ID: "a1", Email: "ann@example.com", Username: "ann"}}, users)

	ru, err := c.InviteUser(ctx, media.Identity{Username: "bob", Password: "pw", Email: "bob@example.com"}, nil, media.Permissions{})
	require.NoError(t, err)
	assert.Equal(t, "a2", ru.ID)

	require.NoError(t, c.DisableUser(ctx, media.RemoteRef{ID: "a1"}))
	require.NoError(t, c.DisableUser(ctx, media.RemoteRef{ID: "gone"}))
	require.NoError(t, c.EnableUser(ctx, media.RemoteRef{ID: "a1"}, []string{"lib1"}))

	mu.Lock()
	require.Len(t, patched, 2)
	assert.Equal(t, false, patched[0]["isActive"])
	assert.Equal(t, true, patched[1]["isActive"])
	assert.Equal(t, []any{"lib1"}, patched[1]["librariesAccessible"])
	mu.Unlock()

	ok, err := c.ValidateCredentials(ctx, "ann", "right")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.ValidateCredentials(ctx, "ann", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	libs, err := c.ListLibraries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lib1": "Books"}, libs)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	_, err := media.NewClient(store.MediaServer{Vendor: "kodi"}, "t")
	assert.ErrorIs(t, err, media.ErrUnsupportedVendor)

	_, err = media.NewClient(store.MediaServer{Vendor: store.VendorPlex}, "")
	assert.ErrorIs(t, err, media.ErrMissingToken)

	ref := media.RefFor(store.User{Token: "remote-1", Email: "a@b.c", Username: "ann"})
	assert.Equal(t, media.RemoteRef{ID: "remote-1", Email: "a@b.c", Username: "ann"}, ref)
}
