// Package invite validates and redeems invitation codes.
//
// Redemption provisions the remote account and links the invitation inside
// one store transaction, so a failed remote call never leaves a code marked
// used without a user behind it.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

const (
	codeLength   = 10
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type (
	// Enqueuer accepts follow-up work once the redemption committed.
	Enqueuer interface {
		Enqueue(ctx context.Context, payload any) error
	}

	Recorder interface {
		Redemption(vendor, result string)
		RemoteError(vendor, op string)
	}
)

type Service struct {
	store    store.Store
	media    media.Provider
	queue   Enqueuer
	metrics Recorder
	log     *slog.Logger
	baseURL string
	now     func() time.Time
}

type Option func(*Service)

func WithQueue(q Enqueuer) Option      { return func(s *Service) { s.queue = q } }
func WithMetrics(r Recorder) Option    { return func(s *Service) { s.metrics = r } }
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBaseURL sets the public origin used to build invite links.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

func NewService(st store.Store, provider media.Provider, opts ...Option) *Service {
	s := &Service{
		store: st,
		media: provider,
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("invite"))
	return s
}

// Validate loads the invitation and checks that it can be redeemed now.
func (s *Service) Validate(ctx context.Context, code string) (store.Invitation, error) {
	inv, err := s.store.GetInvitationByCode(ctx, store.NormalizeCode(code))
	if errors.Is(err, store.ErrNotFound) {
		return store.Invitation{}, ErrInviteNotFound
	}
	if err != nil {
		return store.Invitation{}, err
	}
	if err := newMachine(inv, s.now()).CanFire(ctx, EventRedeem, nil); err != nil {
		return inv, reason(err)
	}
	return inv, nil
}

// TargetServer picks the server an invitation provisions on.
func (s *Service) TargetServer(ctx context.Context, inv store.Invitation) (store.MediaServer, error) {
	if inv.ServerID != nil {
		srv, err := s.store.GetServer(ctx, *inv.ServerID)
		if errors.Is(err, store.ErrNotFound) {
			return store.MediaServer{}, ErrNoServer
		}
		return srv, err
	}
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return store.MediaServer{}, err
	}
	switch len(servers) {
	case 0:
		return store.MediaServer{}, ErrNoServer
	case 1:
		return servers[0], nil
	}
	return store.MediaServer{}, ErrServerAmbiguous
}

// AuthMode reports how users redeeming code must identify themselves.
func (s *Service) AuthMode(ctx context.Context, inv store.Invitation) (media.AuthMode, error) {
	srv, err := s.TargetServer(ctx, inv)
	if err != nil {
		return "", err
	}
	client, _, err := s.media.Client(ctx, srv.ID)
	if err != nil {
		return "", err
	}
	return client.AuthMode(), nil
}

// CreateParams describes a new invitation. An empty Code is generated.
type CreateParams struct {
	Code              string
	Expires           *time.Time
	Unlimited         bool
	DurationDays      *int
	ServerID          *uuid.UUID
	LibraryIDs        []uuid.UUID
	PlexAllowSync     bool
	PlexAllowChannels bool
	PlexHome          bool
}

// Created is a stored invitation with its shareable link.
type Created struct {
	Invitation store.Invitation
	URL        string
}

func (s *Service) Create(ctx context.Context, p CreateParams) (Created, error) {
	code := store.NormalizeCode(p.Code)
	if code == "" {
		var err error
		if code, err = generateCode(); err != nil {
			return Created{}, err
		}
	} else if !validCode(code) {
		return Created{}, ErrInvalidCode
	}

	if p.ServerID != nil {
		if _, err := s.store.GetServer(ctx, *p.ServerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Created{}, ErrNoServer
			}
			return Created{}, err
		}
	}

	inv, err := s.store.CreateInvitation(ctx, store.Invitation{
		Code:              code,
		Expires:           utc(p.Expires),
		Unlimited:         p.Unlimited,
		DurationDays:      p.DurationDays,
		ServerID:          p.ServerID,
		PlexAllowSync:     p.PlexAllowSync,
		PlexAllowChannels: p.PlexAllowChannels,
		PlexHome:          p.PlexHome,
		LibraryIDs:        p.LibraryIDs,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return Created{}, ErrCodeTaken
	}
	if err != nil {
		return Created{}, err
	}
	s.log.InfoContext(ctx, "invitation created", logger.InviteCode(inv.Code), slog.Bool("unlimited", inv.Unlimited))
	return Created{Invitation: inv, URL: s.URL(inv.Code)}, nil
}

// URL returns the public join link for code.
func (s *Service) URL(code string) string {
	return s.baseURL + "/j/" + code
}

func generateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func validCode(code string) bool {
	if len(code) < 4 || len(code) > 32 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
