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

type jellyfinFake struct {
	mu      sync.Mutex
	prefix  string
	policy  map[string]any
	posted  []map[string]any
	missing bool
}

func (f *jellyfinFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	p := f.prefix
	mux.HandleFunc("GET "+p+"/Users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "admin-token", r.Header.Get("X-Emby-Token"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"Id": "u1", "Name": "ann", "PrimaryImageTag": "tag1", "Policy": map[string]any{"IsDisabled": false}},
			{"Id": "u2", "Name": "bob", "Policy": map[string]any{"IsDisabled": true}},
		})
	})
	mux.HandleFunc("POST "+p+"/Users/New", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "ann", body["Name"])
		assert.Equal(t, "pw", body["Password"])
		_ = json.NewEncoder(w).Encode(map[string]string{"Id": "u1", "Name": "ann"})
	})
	mux.HandleFunc("GET "+p+"/Users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if f.missing {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"Id": r.PathValue("id"), "Policy": f.policy})
	})
	mux.HandleFunc("POST "+p+"/Users/{id}/Policy", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posted = append(f.posted, body)
		f.policy = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+p+"/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Emby-Token"))
		assert.Contains(t, r.Header.Get("X-Emby-Authorization"), "MediaBrowser")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["Pw"] != "right" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"AccessToken": "x"})
	})
	mux.HandleFunc("GET "+p+"/Library/MediaFolders", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"Items": []map[string]string{{"Id": "f1", "Name": "Movies"}}})
	})
	return mux
}

func (f *jellyfinFake) lastPolicy() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posted) == 0 {
		return nil
	}
	return f.posted[len(f.posted)-1]
}

func newJellyfin(t *testing.T, vendor store.Vendor, f *jellyfinFake) media.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := media.NewClient(store.MediaServer{Vendor: vendor, BaseURL: srv.URL + "/"}, "admin-token", media.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestJellyfin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tc := range []struct {
		vendor store.Vendor
		prefix string
	}{
		{store.VendorJellyfin, ""},
		{store.VendorEmby, "/emby"},
	} {
		t.Run(string(tc.vendor), func(t *testing.T) {
			t.Parallel()

			t.Run("lists users", func(t *testing.T) {
				t.Parallel()
				c := newJellyfin(t, tc.vendor, &jellyfinFake{prefix: tc.prefix})
				assert.Equal(t, tc.vendor, c.Vendor())
				assert.Equal(t, media.AuthPassword, c.AuthMode())
				users, err := c.ListUsers(ctx)
				require.NoError(t, err)
				require.Len(t, users, 2)
				assert.Equal(t, "u1", users[0].ID)
				assert.Contains(t, users[0].Photo, tc.prefix+"/Users/u1/Images/Primary?tag=tag1")
				assert.True(t, users[1].Disabled)
			})

			t.Run("invite creates account and restricts folders", func(t *testing.T) {
				t.Parallel()
				f := &jellyfinFake{prefix: tc.prefix, policy: map[string]any{"IsAdministrator": false}}
				c := newJellyfin(t, tc.vendor, f)
				ru, err := c.InviteUser(ctx, media.Identity{Username: "ann", Password: "pw", Email: "a@b.c"}, []string{"f1"}, media.Permissions{})
				require.NoError(t, err)
				assert.Equal(t, media.RemoteUser{ID: "u1", Email: "a@b.c", Username: "ann"}, ru)

				policy := f.lastPolicy()
				assert.Equal(t, false, policy["IsDisabled"])
				assert.Equal(t, false, policy["EnableAllFolders"])
				assert.Equal(t, []any{"f1"}, policy["EnabledFolders"])
				assert.Equal(t, false, policy["IsAdministrator"], "unknown policy fields are preserved")
			})

			t.Run("disable then enable toggles policy", func(t *testing.T) {
				t.Parallel()
				f := &jellyfinFake{prefix: tc.prefix, policy: map[string]any{"EnableAllFolders": true}}
				c := newJellyfin(t, tc.vendor, f)

				require.NoError(t, c.DisableUser(ctx, media.RemoteRef{ID: "u1"}))
				assert.Equal(t, true, f.lastPolicy()["IsDisabled"])
				require.NoError(t, c.DisableUser(ctx, media.RemoteRef{ID: "u1"}))
				assert.Equal(t, true, f.lastPolicy()["IsDisabled"])

				require.NoError(t, c.EnableUser(ctx, media.RemoteRef{ID: "u1"}, nil))
				assert.Equal(t, false, f.lastPolicy()["IsDisabled"])
				assert.Equal(t, true, f.lastPolicy()["EnableAllFolders"])
			})

			t.Run("disable of missing account is a no-op", func(t *testing.T) {
				t.Parallel()
				c := newJellyfin(t, tc.vendor, &jellyfinFake{prefix: tc.prefix, missing: true})
				assert.NoError(t, c.DisableUser(ctx, media.RemoteRef{ID: "gone"}))
				assert.NoError(t, c.DisableUser(ctx, media.RemoteRef{}))
			})

			t.Run("validates credentials", func(t *testing.T) {
				t.Parallel()
				c := newJellyfin(t, tc.vendor, &jellyfinFake{prefix: tc.prefix})
				ok, err := c.ValidateCredentials(ctx, "ann", "right")
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = c.ValidateCredentials(ctx, "ann", "wrong")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("lists libraries", func(t *testing.T) {
				t.Parallel()
				libs, err := newJellyfin(t, tc.vendor, &jellyfinFake{prefix: tc.prefix}).ListLibraries(ctx)
				require.NoError(t, err)
				assert.Equal(t, map[string]string{"f1": "Movies"}, libs)
			})
		})
	}
}
