package setup_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/pkg/secrets"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media/mediatest"
	"github.com/dmitrymomot/mediagate/svc/settings"
	"github.com/dmitrymomot/mediagate/svc/setup"
)

const sample = `
servers:
  - name: den
    vendor: jellyfin
    base_url: http://jf.lan:8096/
    token: ${SETUP_TEST_TOKEN}
    libraries:
      - external_id: "a1"
        name: Movies
      - external_id: "a2"
        name: Kids
        enabled: false
settings:
  kofi_1_month_price: "5.00"
  payment_model: all_servers
`

func TestParse(t *testing.T) {
	t.Setenv("SETUP_TEST_TOKEN", "admin-secret")

	f, err := setup.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, f.Servers, 1)
	assert.Equal(t, "admin-secret", f.Servers[0].Token)
	assert.Equal(t, "all_servers", f.Settings[settings.KeyPaymentModel])

	for name, doc := range map[string]string{
		"unknown vendor": "servers:\n  - {name: x, vendor: kodi, base_url: http://x}\n",
		"bad price":      "settings:\n  kofi_3_month_price: twelve\n",
		"bad model":      "settings:\n  payment_model: everyone\n",
		"duplicate":      "servers:\n  - {name: x, vendor: emby, base_url: http://x}\n  - {name: x, vendor: emby, base_url: http://y}\n",
	} {
		_, err := setup.Parse(strings.NewReader(doc))
		assert.ErrorIs(t, err, setup.ErrInvalid, name)
	}

	_, err = setup.Parse(strings.NewReader("servers:\n  - {name: x, colour: red}\n"))
	assert.ErrorIs(t, err, setup.ErrParse, "unknown fields are rejected")
}

func TestApply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	box, err := secrets.New("app-key", "media-tokens")
	require.NoError(t, err)

	f := setup.File{
		Servers: []setup.Server{{
			Name: "den", Vendor: "jellyfin", BaseURL: "http://jf.lan/", Token: "admin-secret",
			Libraries: []setup.Library{{ExternalID: "a1", Name: "Movies"}},
		}},
		Settings: map[string]string{settings.KeyServerName: "Den"},
	}
	a := setup.NewApplier(s, box, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, a.Apply(ctx, f))
	require.NoError(t, a.Apply(ctx, f))

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "http://jf.lan", servers[0].BaseURL)
	assert.NotEqual(t, "admin-secret", servers[0].AdminToken)
	token, err := box.Open(servers[0].AdminToken)
	require.NoError(t, err)
	assert.Equal(t, "admin-secret", token)

	libs, err := s.ListLibraries(ctx, servers[0].ID)
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.True(t, libs[0].Enabled)

	raw, err := s.ListSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Den", raw[settings.KeyServerName])
}

func TestApplyDiscoversLibraries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := store.NewMemory()
	srv, err := s.UpsertServer(ctx, store.MediaServer{Name: "den", Vendor: store.VendorEmby, BaseURL: "http://emby"})
	require.NoError(t, err)
	_, err = s.UpsertLibrary(ctx, store.Library{ServerID: srv.ID, ExternalID: "1", Name: "Old", Enabled: false})
	require.NoError(t, err)

	client := mediatest.NewClient(store.VendorEmby)
	client.On("ListLibraries", mock.Anything).Return(map[string]string{"1": "Movies", "2": "Shows"}, nil).Once()

	a := setup.NewApplier(s, secrets.Plaintext{}, mediatest.NewProvider().Add(srv, client), slog.New(slog.DiscardHandler))
	require.NoError(t, a.Apply(ctx, setup.File{Servers: []setup.Server{{Name: "den", Vendor: "emby", BaseURL: "http://emby", DiscoverLibraries: true}}}))

	libs, err := s.ListLibraries(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, libs, 2)
	byID := map[string]store.Library{libs[0].ExternalID: libs[0], libs[1].ExternalID: libs[1]}
	assert.Equal(t, "Movies", byID["1"].Name)
	assert.False(t, byID["1"].Enabled, "operator choice survives discovery")
	assert.True(t, byID["2"].Enabled)
}

func TestApplyFile(t *testing.T) {
	t.Parallel()
	a := setup.NewApplier(store.NewMemory(), secrets.Plaintext{}, nil, slog.New(slog.DiscardHandler))
	err := a.ApplyFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, setup.ErrParse)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
