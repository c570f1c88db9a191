// Package api is the operator API guarded by the X-API-Key header.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/binder"
	"github.com/dmitrymomot/mediagate/core"
	"github.com/dmitrymomot/mediagate/handler"
	"github.com/dmitrymomot/mediagate/pkg/clientip"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/qrcode"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/invite"
)

// HeaderKey carries the operator key.
const HeaderKey = "X-API-Key"

const qrSize = 256

var (
	ErrAPIDisabled = core.NewHTTPError(http.StatusServiceUnavailable, "api_disabled")
	ErrInvalidKey  = core.NewHTTPError(http.StatusUnauthorized, "invalid_api_key")
)

type (
	Store interface {
		CountUsers(ctx context.Context) (int, error)
		InvitationStats(ctx context.Context, now time.Time) (store.InvitationStats, error)
		GetInvitationByCode(ctx context.Context, code string) (store.Invitation, error)
		GetUser(ctx context.Context, id uuid.UUID) (store.User, error)
	}

	Invites interface {
		Create(ctx context.Context, p invite.CreateParams) (invite.Created, error)
		URL(code string) string
	}

	Syncer interface {
		Invalidate(serverID uuid.UUID)
		Sync(ctx context.Context, serverID uuid.UUID) ([]store.User, error)
	}

	Revoker interface {
		Revoke(ctx context.Context, u store.User) error
	}

	Enabler interface {
		Enable(ctx context.Context, u store.User) error
	}
)

type Module struct {
	key     string
	store   Store
	invites Invites
	sync    Syncer
	revoker Revoker
	enabler Enabler
	log     *slog.Logger
	errors  handler.ErrorHandler
	now     func() time.Time
}

func New(key string, s Store, invites Invites, sync Syncer, revoker Revoker, enabler Enabler, log *slog.Logger) *Module {
	return &Module{
		key:     key,
		store:   s,
		invites: invites,
		sync:    sync,
		revoker: revoker,
		enabler: enabler,
		log:     log.With(logger.Component("api")),
		errors:  handler.NewErrorHandler(log),
		now:     time.Now,
	}
}

// Handle returns the module on its own router.
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()
	m.Routes(r)
	return r
}

// Routes registers the module on r.
func (m *Module) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(m.authenticate)

		r.Get("/api/status", handler.Wrap(m.status, handler.WithErrorHandler[struct{}](m.errors)))
		r.Post("/api/invites", handler.Wrap(m.createInvite,
			handler.WithBinders[createInviteRequest](binder.JSON(), binder.Validate()),
			handler.WithErrorHandler[createInviteRequest](m.errors),
		))
		r.Get("/api/invites/{code}/qr", handler.Wrap(m.inviteQR,
			handler.WithBinders[codeRequest](binder.Path(chi.URLParam)),
			handler.WithErrorHandler[codeRequest](m.errors),
		))
		r.Post("/api/servers/{id}/sync", handler.Wrap(m.syncServer,
			handler.WithBinders[idRequest](binder.Path(chi.URLParam), binder.Validate()),
			handler.WithErrorHandler[idRequest](m.errors),
		))
		r.Post("/api/users/{id}/disable", handler.Wrap(m.toggle(false),
			handler.WithBinders[idRequest](binder.Path(chi.URLParam), binder.Validate()),
			handler.WithErrorHandler[idRequest](m.errors),
		))
		r.Post("/api/users/{id}/enable", handler.Wrap(m.toggle(true),
			handler.WithBinders[idRequest](binder.Path(chi.URLParam), binder.Validate()),
			handler.WithErrorHandler[idRequest](m.errors),
		))
	})
}

// authenticate compares the key in constant time. An unset key disables the API.
func (m *Module) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := handler.NewContext(w, r)
		if m.key == "" {
			m.errors(ctx, ErrAPIDisabled)
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderKey)), []byte(m.key)) != 1 {
			m.log.WarnContext(r.Context(), "api key rejected",
				slog.String("ip", clientip.FromContext(r.Context())),
				slog.String("path", r.URL.Path))
			m.errors(ctx, ErrInvalidKey)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Users   int `json:"users"`
	Invites int `json:"invites"`
	Pending int `json:"pending"`
	Expired int `json:"expired"`
}

func (m *Module) status(ctx handler.Context, _ struct{}) handler.Response {
	users, err := m.store.CountUsers(ctx)
	if err != nil {
		return handler.Error(err)
	}
	stats, err := m.store.InvitationStats(ctx, m.now().UTC())
	if err != nil {
		return handler.Error(err)
	}
	return handler.JSON(statusResponse{Users: users, Invites: stats.Total, Pending: stats.Pending, Expired: stats.Expired})
}

type createInviteRequest struct {
	Code              string      `json:"code"`
	Expires           *time.Time  `json:"expires"`
	Unlimited         bool        `json:"unlimited"`
	DurationDays      *int        `json:"duration_days" validate:"omitempty,min=1"`
	ServerID          *uuid.UUID  `json:"server_id"`
	LibraryIDs        []uuid.UUID `json:"library_ids"`
	PlexAllowSync     bool        `json:"plex_allow_sync"`
	PlexAllowChannels bool        `json:"plex_allow_channels"`
	PlexHome          bool        `json:"plex_home"`
}

type createInviteResponse struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

func (m *Module) createInvite(ctx handler.Context, req createInviteRequest) handler.Response {
	created, err := m.invites.Create(ctx, invite.CreateParams{
		Code:              req.Code,
		Expires:           req.Expires,
		Unlimited:         req.Unlimited,
		DurationDays:      req.DurationDays,
		ServerID:          req.ServerID,
		LibraryIDs:        req.LibraryIDs,
		PlexAllowSync:     req.PlexAllowSync,
		PlexAllowChannels: req.PlexAllowChannels,
		PlexHome:          req.PlexHome,
	})
	switch {
	case errors.Is(err, invite.ErrInvalidCode):
		return handler.Error(core.ValidationError{"code": {"must be 4 to 32 letters or digits"}})
	case errors.Is(err, invite.ErrCodeTaken):
		return handler.Error(errors.Join(core.ErrConflict, err))
	case errors.Is(err, invite.ErrNoServer):
		return handler.Error(core.ValidationError{"server_id": {"unknown server"}})
	case err != nil:
		return handler.Error(err)
	}
	m.log.InfoContext(ctx, "invitation created", logger.InviteCode(created.Invitation.Code))
	return handler.JSON(createInviteResponse{Code: created.Invitation.Code, URL: created.URL},
		handler.WithJSONStatus(http.StatusCreated))
}

type codeRequest struct {
	Code string `path:"code"`
}

func (m *Module) inviteQR(ctx handler.Context, req codeRequest) handler.Response {
	inv, err := m.store.GetInvitationByCode(ctx, store.NormalizeCode(req.Code))
	if errors.Is(err, store.ErrNotFound) {
		return handler.Error(errors.Join(core.ErrNotFound, err))
	}
	if err != nil {
		return handler.Error(err)
	}
	png, err := qrcode.PNG(m.invites.URL(inv.Code), qrSize)
	if err != nil {
		return handler.Error(err)
	}
	return handler.PNG(png)
}

type idRequest struct {
	ID string `path:"id" validate:"required,uuid"`
}

type syncResponse struct {
	Users int `json:"users"`
}

func (m *Module) syncServer(ctx handler.Context, req idRequest) handler.Response {
	id := uuid.MustParse(req.ID)
	m.sync.Invalidate(id)
	users, err := m.sync.Sync(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return handler.Error(errors.Join(core.ErrNotFound, err))
	}
	if err != nil {
		return handler.Error(errors.Join(core.ErrBadGateway, err))
	}
	return handler.JSON(syncResponse{Users: len(users)})
}

// toggle flips remote access only; the local row and its expiry are kept.
func (m *Module) toggle(enable bool) handler.HandlerFunc[idRequest] {
	return func(ctx handler.Context, req idRequest) handler.Response {
		u, err := m.store.GetUser(ctx, uuid.MustParse(req.ID))
		if errors.Is(err, store.ErrNotFound) {
			return handler.Error(errors.Join(core.ErrNotFound, err))
		}
		if err != nil {
			return handler.Error(err)
		}
		if enable {
			err = m.enabler.Enable(ctx, u)
		} else {
			err = m.revoker.Revoke(ctx, u)
		}
		if err != nil {
			return handler.Error(errors.Join(core.ErrBadGateway, err))
		}
		return handler.Empty(http.StatusNoContent)
	}
}
