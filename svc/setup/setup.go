// Package setup loads media servers, libraries and settings from a YAML file
// into the store. Applying the same file twice leaves the store unchanged.
//
//	servers:
//	  - name: living-room
//	    vendor: plex
//	    base_url: http://plex.lan:32400
//	    token: ${PLEX_TOKEN}
//	    discover_libraries: true
//	settings:
//	  kofi_verification_token: ${KOFI_TOKEN}
//	  kofi_1_month_price: "5.00"
package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/secrets"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
	"github.com/dmitrymomot/mediagate/svc/settings"
)

var (
	ErrParse   = errors.New("setup: cannot parse file")
	ErrInvalid = errors.New("setup: invalid file")
)

type File struct {
	Servers  []Server          `yaml:"servers"`
	Settings map[string]string `yaml:"settings"`
}

type Server struct {
	Name              string    `yaml:"name"`
	Vendor            string    `yaml:"vendor"`
	BaseURL           string    `yaml:"base_url"`
	Token             string    `yaml:"token"`
	MachineID         string    `yaml:"machine_id"`
	DiscoverLibraries bool      `yaml:"discover_libraries"`
	Libraries         []Library `yaml:"libraries"`
}

type Library struct {
	ExternalID string `yaml:"external_id"`
	Name       string `yaml:"name"`
	Enabled    *bool  `yaml:"enabled"`
}

// Parse decodes a setup file. ${VAR} references are expanded from the
// environment first so secrets can stay out of the file.
func Parse(r io.Reader) (File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return File{}, errors.Join(ErrParse, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, errors.Join(ErrParse, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks server entries and price settings.
func (f File) Validate() error {
	seen := make(map[string]struct{}, len(f.Servers))
	for i, s := range f.Servers {
		switch {
		case strings.TrimSpace(s.Name) == "":
			return fmt.Errorf("%w: servers[%d]: name is required", ErrInvalid, i)
		case !store.Vendor(s.Vendor).Valid():
			return fmt.Errorf("%w: servers[%d]: unknown vendor %q", ErrInvalid, i, s.Vendor)
		case strings.TrimSpace(s.BaseURL) == "":
			return fmt.Errorf("%w: servers[%d]: base_url is required", ErrInvalid, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate server name %q", ErrInvalid, s.Name)
		}
		seen[s.Name] = struct{}{}
		for j, l := range s.Libraries {
			if l.ExternalID == "" {
				return fmt.Errorf("%w: servers[%d].libraries[%d]: external_id is required", ErrInvalid, i, j)
			}
		}
	}
	for _, key := range []string{settings.KeyPrice1Month, settings.KeyPrice3Months, settings.KeyPrice6Months} {
		if v, ok := f.Settings[key]; ok && v != "" {
			if _, err := settings.ParseAmount(v); err != nil {
				return fmt.Errorf("%w: %s: %q is not a price", ErrInvalid, key, v)
			}
		}
	}
	if v, ok := f.Settings[settings.KeyPaymentModel]; ok {
		if m := settings.PaymentModel(v); m != settings.PerServer && m != settings.AllServers {
			return fmt.Errorf("%w: %s: must be %s or %s", ErrInvalid, settings.KeyPaymentModel, settings.PerServer, settings.AllServers)
		}
	}
	return nil
}

// Applier writes a File into the store.
type Applier struct {
	store    store.Store
	sealer   secrets.Sealer
	provider media.Provider
	log      *slog.Logger
}

// NewApplier creates an applier. provider may be nil, which disables
// library discovery.
func NewApplier(s store.Store, sealer secrets.Sealer, provider media.Provider, log *slog.Logger) *Applier {
	return &Applier{store: s, sealer: sealer, provider: provider, log: log.With(logger.Component("setup"))}
}

// ApplyFile parses and applies the file at path.
func (a *Applier) ApplyFile(ctx context.Context, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return errors.Join(ErrParse, err)
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return err
	}
	return a.Apply(ctx, f)
}

// Apply stores f in one transaction, then discovers libraries for the
// servers that asked for it. Discovery failures are logged only.
func (a *Applier) Apply(ctx context.Context, f File) error {
	var discover []store.MediaServer
	err := a.store.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		discover = discover[:0]
		for _, s := range f.Servers {
			token, err := a.sealer.Seal(s.Token)
			if err != nil {
				return err
			}
			srv, err := q.UpsertServer(ctx, store.MediaServer{
				Name:       s.Name,
				Vendor:     store.Vendor(s.Vendor),
				BaseURL:    strings.TrimRight(s.BaseURL, "/"),
				AdminToken: token,
				MachineID:  s.MachineID,
			})
			if err != nil {
				return err
			}
			for _, l := range s.Libraries {
				enabled := l.Enabled == nil || *l.Enabled
				if _, err := q.UpsertLibrary(ctx, store.Library{
					ServerID:   srv.ID,
					ExternalID: l.ExternalID,
					Name:       l.Name,
					Enabled:    enabled,
				}); err != nil {
					return err
				}
			}
			if s.DiscoverLibraries {
				discover = append(discover, srv)
			}
		}
		for k, v := range f.Settings {
			if err := q.PutSetting(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.log.InfoContext(ctx, "setup applied", slog.Int("servers", len(f.Servers)), slog.Int("settings", len(f.Settings)))
	if a.provider == nil {
		return nil
	}
	for _, srv := range discover {
		if err := a.discover(ctx, srv); err != nil {
			a.log.WarnContext(ctx, "library discovery failed", logger.ServerID(srv.ID), logger.Error(err))
		}
	}
	return nil
}

// discover adds libraries the server reports and the store lacks. Existing
// rows keep their enabled flag.
func (a *Applier) discover(ctx context.Context, srv store.MediaServer) error {
	client, _, err := a.provider.Client(ctx, srv.ID)
	if err != nil {
		return err
	}
	remote, err := client.ListLibraries(ctx)
	if err != nil {
		return err
	}
	existing, err := a.store.ListLibraries(ctx, srv.ID)
	if err != nil {
		return err
	}
	known := make(map[string]store.Library, len(existing))
	for _, l := range existing {
		known[l.ExternalID] = l
	}
	for id, name := range remote {
		l, ok := known[id]
		if ok && l.Name == name {
			continue
		}
		if !ok {
			l = store.Library{ServerID: srv.ID, ExternalID: id, Enabled: true}
		}
		l.Name = name
		if _, err := a.store.UpsertLibrary(ctx, l); err != nil {
			return err
		}
	}
	return nil
}
