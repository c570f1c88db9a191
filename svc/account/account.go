// Package account signs existing users back in to their account page.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

var (
	ErrAccountNotFound    = errors.New("account: no matching account")
	ErrInvalidCredentials = errors.New("account: invalid username or password")
	ErrNoTokenServer      = errors.New("account: no token sign-in server configured")
)

// Login is a successful sign-in. Code is what the wizard session remembers.
type Login struct {
	User store.User
	Code string
}

type Service struct {
	store store.Querier
	media media.Provider
	log   *slog.Logger
}

func NewService(s store.Querier, provider media.Provider, log *slog.Logger) *Service {
	return &Service{store: s, media: provider, log: log.With(logger.Component("account"))}
}

// LoginWithToken signs in a token vendor user. A nil serverID picks the
// first token server.
func (s *Service) LoginWithToken(ctx context.Context, serverID uuid.UUID, token string) (Login, error) {
	if strings.TrimSpace(token) == "" {
		return Login{}, ErrInvalidCredentials
	}
	if serverID == uuid.Nil {
		id, err := s.tokenServer(ctx)
		if err != nil {
			return Login{}, err
		}
		serverID = id
	}

	client, server, err := s.media.Client(ctx, serverID)
	if err != nil {
		return Login{}, err
	}
	ti, ok := client.(media.TokenIdentity)
	if !ok {
		return Login{}, ErrNoTokenServer
	}
	acc, err := ti.ResolveAccount(ctx, token)
	if err != nil {
		s.log.WarnContext(ctx, "token login rejected", logger.ServerID(server.ID), logger.Error(err))
		return Login{}, errors.Join(ErrInvalidCredentials, err)
	}

	users, err := s.store.FindUsersByEmail(ctx, acc.Email)
	if err != nil {
		return Login{}, err
	}
	return s.pick(ctx, users, server.ID)
}

// LoginWithCredentials verifies a password against the vendor before
// looking the user up locally.
func (s *Service) LoginWithCredentials(ctx context.Context, serverID uuid.UUID, username, password string) (Login, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Login{}, ErrInvalidCredentials
	}
	client, server, err := s.media.Client(ctx, serverID)
	if err != nil {
		return Login{}, err
	}
	ok, err := client.ValidateCredentials(ctx, username, password)
	if err != nil {
		return Login{}, err
	}
	if !ok {
		s.log.WarnContext(ctx, "credential login rejected", logger.ServerID(server.ID), slog.String("username", username))
		return Login{}, ErrInvalidCredentials
	}

	users, err := s.store.FindUsersByUsername(ctx, username)
	if err != nil {
		return Login{}, err
	}
	return s.pick(ctx, users, server.ID)
}

// LoginWithCode signs in with the invitation code the user redeemed.
func (s *Service) LoginWithCode(ctx context.Context, code string) (Login, error) {
	code = store.NormalizeCode(code)
	if code == "" {
		return Login{}, ErrAccountNotFound
	}
	inv, err := s.store.GetInvitationByCode(ctx, code)
	switch {
	case err == nil && inv.UsedBy != nil:
		u, err := s.store.GetUser(ctx, *inv.UsedBy)
		if err == nil {
			return login(u), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Login{}, err
		}
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Login{}, err
	}

	u, err := s.store.FindUserByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return Login{}, ErrAccountNotFound
	}
	if err != nil {
		return Login{}, err
	}
	return login(u), nil
}

func (s *Service) pick(ctx context.Context, users []store.User, serverID uuid.UUID) (Login, error) {
	for _, u := range users {
		if u.ServerID != nil && *u.ServerID == serverID {
			s.log.InfoContext(ctx, "user signed in", logger.UserID(u.ID), logger.ServerID(serverID))
			return login(u), nil
		}
	}
	return Login{}, ErrAccountNotFound
}

func (s *Service) tokenServer(ctx context.Context) (uuid.UUID, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	for _, srv := range servers {
		if srv.Vendor == store.VendorPlex {
			return srv.ID, nil
		}
	}
	return uuid.Nil, ErrNoTokenServer
}

func login(u store.User) Login {
	return Login{User: u, Code: u.Code}
}
