package media

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/cache"
	"github.com/dmitrymomot/mediagate/pkg/secrets"
	"github.com/dmitrymomot/mediagate/store"
)

// Provider hands out the adapter for a configured server.
type Provider interface {
	Client(ctx context.Context, serverID uuid.UUID) (Client, store.MediaServer, error)
}

// ServerReader is the slice of the store the registry needs.
type ServerReader interface {
	GetServer(ctx context.Context, id uuid.UUID) (store.MediaServer, error)
}

type registryEntry struct {
	client Client
	server store.MediaServer
}

// Registry builds adapters from stored servers, decrypting admin tokens, and
// keeps them for a while so adapters can cache server identity.
type Registry struct {
	servers ServerReader
	sealer  secrets.Sealer
	opts    []Option
	clients *cache.TTLCache[uuid.UUID, registryEntry]
}

// NewRegistry creates a registry. opts are passed to every NewClient call.
func NewRegistry(servers ServerReader, sealer secrets.Sealer, opts ...Option) *Registry {
	return &Registry{
		servers: servers,
		sealer:  sealer,
		opts:    opts,
		clients: cache.New[uuid.UUID, registryEntry](64, 10*time.Minute),
	}
}

func (r *Registry) Client(ctx context.Context, serverID uuid.UUID) (Client, store.MediaServer, error) {
	if e, ok := r.clients.Get(serverID); ok {
		return e.client, e.server, nil
	}

	server, err := r.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, store.MediaServer{}, err
	}
	token, err := r.sealer.Open(server.AdminToken)
	if err != nil {
		return nil, store.MediaServer{}, errors.Join(errors.New("media: open admin token"), err)
	}
	c, err := NewClient(server, token, r.opts...)
	if err != nil {
		return nil, store.MediaServer{}, err
	}
	r.clients.Set(serverID, registryEntry{client: c, server: server})
	return c, server, nil
}

// Invalidate forgets the adapter for serverID, e.g. after credential rotation.
func (r *Registry) Invalidate(serverID uuid.UUID) {
	r.clients.Delete(serverID)
}
