// Package usersync reconciles local user rows with the accounts a media
// server actually reports.
package usersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/cache"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

// CacheTTL bounds how long a synced list is served without asking the server again.
const CacheTTL = 10 * time.Minute

// Store is the part of store.Querier sync uses.
type Store interface {
	ListUsersByServer(ctx context.Context, serverID uuid.UUID) ([]store.User, error)
	CreateUser(ctx context.Context, u store.User) (store.User, error)
	UpdateUser(ctx context.Context, u store.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
}

type Syncer struct {
	store    Store
	provider media.Provider
	log      *slog.Logger
	cache    *cache.TTLCache[uuid.UUID, []store.User]
}

type Option func(*Syncer)

// WithCache replaces the result cache, mostly for tests with a fake clock.
func WithCache(c *cache.TTLCache[uuid.UUID, []store.User]) Option {
	return func(s *Syncer) { s.cache = c }
}

func New(s Store, provider media.Provider, log *slog.Logger, opts ...Option) *Syncer {
	sy := &Syncer{
		store:    s,
		provider: provider,
		log:      log.With(logger.Component("usersync")),
		cache:    cache.New[uuid.UUID, []store.User](64, CacheTTL),
	}
	for _, opt := range opts {
		opt(sy)
	}
	return sy
}

// Sync returns the server's users after reconciliation. A cached list is
// returned while fresh.
func (s *Syncer) Sync(ctx context.Context, serverID uuid.UUID) ([]store.User, error) {
	if users, ok := s.cache.Get(serverID); ok {
		return users, nil
	}

	client, server, err := s.provider.Client(ctx, serverID)
	if err != nil {
		return nil, err
	}
	remote, err := client.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("usersync: list remote users: %w", err)
	}
	local, err := s.store.ListUsersByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	matched := make(map[uuid.UUID]struct{}, len(local))
	for _, ru := range remote {
		idx := match(server.Vendor, local, ru)
		if idx < 0 {
			if _, err := s.store.CreateUser(ctx, store.User{
				Email:    ru.Email,
				Username: ru.Username,
				Token:    ru.ID,
				Code:     store.CodeNone,
				ServerID: &server.ID,
				Photo:    ru.Photo,
			}); err != nil {
				return nil, err
			}
			continue
		}

		u := local[idx]
		matched[u.ID] = struct{}{}
		if !refresh(&u, ru) {
			continue
		}
		if err := s.store.UpdateUser(ctx, u); err != nil {
			return nil, err
		}
	}

	for _, u := range local {
		if _, ok := matched[u.ID]; ok || !u.IsPlaceholder() {
			continue
		}
		err := s.store.DeleteUser(ctx, u.ID)
		switch {
		case errors.Is(err, store.ErrReferenced):
			s.log.WarnContext(ctx, "placeholder user has payments, keeping it", logger.UserID(u.ID), logger.ServerID(serverID))
		case err != nil:
			return nil, err
		}
	}

	users, err := s.store.ListUsersByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(serverID, users)
	s.log.InfoContext(ctx, "user list synced",
		logger.ServerID(serverID),
		logger.Vendor(string(server.Vendor)),
		slog.Int("remote", len(remote)),
		slog.Int("local", len(users)),
	)
	return users, nil
}

// Invalidate drops the cached list for serverID.
func (s *Syncer) Invalidate(serverID uuid.UUID) {
	s.cache.Delete(serverID)
}

// match finds the local row for a remote user. Plex accounts are keyed by
// email, the other vendors by their remote id.
func match(vendor store.Vendor, local []store.User, ru media.RemoteUser) int {
	for i, u := range local {
		if vendor == store.VendorPlex {
			if ru.Email != "" && strings.EqualFold(u.Email, ru.Email) {
				return i
			}
			continue
		}
		if u.Token != "" && u.Token == ru.ID {
			return i
		}
	}
	return -1
}

func refresh(u *store.User, ru media.RemoteUser) bool {
	changed := false
	if ru.Username != "" && u.Username != ru.Username {
		u.Username = ru.Username
		changed = true
	}
	if ru.Photo != "" && u.Photo != ru.Photo {
		u.Photo = ru.Photo
		changed = true
	}
	if u.Token == "" && ru.ID != "" {
		u.Token = ru.ID
		changed = true
	}
	return changed
}
