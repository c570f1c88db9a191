// Package public serves the unauthenticated invitation endpoints: code
// lookup, redemption and server detection.
package public

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/mediagate/binder"
	"github.com/dmitrymomot/mediagate/core"
	"github.com/dmitrymomot/mediagate/handler"
	"github.com/dmitrymomot/mediagate/pkg/session"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/identity"
	"github.com/dmitrymomot/mediagate/svc/invite"
	"github.com/dmitrymomot/mediagate/svc/media"
)

type (
	Invites interface {
		Validate(ctx context.Context, code string) (store.Invitation, error)
		AuthMode(ctx context.Context, inv store.Invitation) (media.AuthMode, error)
		RedeemToken(ctx context.Context, code, userToken string) (store.User, error)
		RedeemCredentials(ctx context.Context, code, username, email, password string) (store.User, error)
	}

	Resolver interface {
		Resolve(ctx context.Context, query string) (identity.Resolution, error)
	}

	Sessions interface {
		Save(w http.ResponseWriter, r *http.Request, d session.Data) error
	}
)

type Module struct {
	invites  Invites
	resolver Resolver
	sessions Sessions
	errors   handler.ErrorHandler
	limit    func(http.Handler) http.Handler
}

// Option configures a Module.
type Option func(*Module)

// WithRateLimit guards the redemption and detection endpoints.
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(m *Module) { m.limit = mw }
}

func New(invites Invites, resolver Resolver, sessions Sessions, log *slog.Logger, opts ...Option) *Module {
	m := &Module{
		invites:  invites,
		resolver: resolver,
		sessions: sessions,
		errors:   handler.NewErrorHandler(log),
		limit:    func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle returns the module on its own router.
func (m *Module) Handle() http.Handler {
	r := chi.NewRouter()
	m.Routes(r)
	return r
}

// Routes registers the module on r.
func (m *Module) Routes(r chi.Router) {
	r.Get("/j/{code}", handler.Wrap(m.lookup,
		handler.WithBinders[lookupRequest](binder.Path(chi.URLParam)),
		handler.WithErrorHandler[lookupRequest](m.errors),
	))

	r.Group(func(r chi.Router) {
		r.Use(m.limit)
		r.Post("/join", handler.Wrap(m.join,
			handler.WithBinders[joinRequest](binder.Form(), binder.Validate()),
			handler.WithErrorHandler[joinRequest](m.errors),
		))
		r.Post("/api/detect-server", handler.Wrap(m.detect,
			handler.WithBinders[detectRequest](binder.JSON(), binder.Validate()),
			handler.WithErrorHandler[detectRequest](m.errors),
		))
	})
}

type lookupRequest struct {
	Code string `path:"code"`
}

type lookupResponse struct {
	Valid    bool           `json:"valid"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
	AuthMode media.AuthMode `json:"auth_mode,omitempty"`
}

func (m *Module) lookup(ctx handler.Context, req lookupRequest) handler.Response {
	inv, err := m.invites.Validate(ctx, req.Code)
	if status, ok := inviteStatus(err); ok {
		return handler.JSON(lookupResponse{Error: err.Error()}, handler.WithJSONStatus(status))
	}
	if err != nil {
		return handler.Error(err)
	}
	mode, err := m.invites.AuthMode(ctx, inv)
	if err != nil {
		return handler.Error(redeemError(err))
	}
	return handler.JSON(lookupResponse{Valid: true, Code: inv.Code, AuthMode: mode})
}

type joinRequest struct {
	Code     string `form:"code" validate:"required"`
	Token    string `form:"token"`
	Username string `form:"username" validate:"required_without=Token"`
	Email    string `form:"email" validate:"required_without=Token"`
	Password string `form:"password" validate:"required_without=Token"`
}

type joinResponse struct {
	UserID  string     `json:"user_id"`
	Expires *time.Time `json:"expires"`
}

func (m *Module) join(ctx handler.Context, req joinRequest) handler.Response {
	var (
		u   store.User
		err error
	)
	if req.Token != "" {
		u, err = m.invites.RedeemToken(ctx, req.Code, req.Token)
	} else {
		u, err = m.invites.RedeemCredentials(ctx, req.Code, req.Username, req.Email, req.Password)
	}
	if status, ok := inviteStatus(err); ok {
		return handler.JSON(lookupResponse{Error: err.Error()}, handler.WithJSONStatus(status))
	}
	if err != nil {
		return handler.Error(redeemError(err))
	}

	if err := m.sessions.Save(ctx.ResponseWriter(), ctx.Request(), session.Data{Code: u.Code, UserID: u.ID}); err != nil {
		return handler.Error(err)
	}
	return handler.JSON(joinResponse{UserID: u.ID.String(), Expires: u.Expires})
}

type detectRequest struct {
	Query string `json:"email_username" validate:"required"`
}

type detectServer struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	RequiresPassword bool   `json:"requires_password"`
}

type detectResponse struct {
	Found            bool           `json:"found"`
	Error            string         `json:"error,omitempty"`
	Servers          []detectServer `json:"servers,omitempty"`
	RequiresPassword bool           `json:"requires_password"`
	MultipleServers  bool           `json:"multiple_servers"`
}

func (m *Module) detect(ctx handler.Context, req detectRequest) handler.Response {
	res, err := m.resolver.Resolve(ctx, req.Query)
	if errors.Is(err, identity.ErrNotFound) {
		return handler.JSON(detectResponse{Error: "No account found"}, handler.WithJSONStatus(http.StatusNotFound))
	}
	if err != nil {
		return handler.Error(err)
	}

	out := detectResponse{
		Found:            true,
		Servers:          make([]detectServer, 0, len(res.Candidates)),
		RequiresPassword: res.RequiresPassword(),
		MultipleServers:  res.Ambiguous(),
	}
	for _, c := range res.Candidates {
		out.Servers = append(out.Servers, detectServer{
			ID:               c.Server.ID.String(),
			Name:             c.Server.Name,
			Type:             string(c.Vendor),
			UserID:           c.User.ID.String(),
			Username:         c.User.Username,
			Email:            c.User.Email,
			RequiresPassword: c.RequiresPassword,
		})
	}
	return handler.JSON(out)
}

// inviteStatus maps code validation failures, whose messages are shown as is.
func inviteStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, invite.ErrInviteNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, invite.ErrInviteExpired), errors.Is(err, invite.ErrInviteUsed):
		return http.StatusGone, true
	}
	return 0, false
}

func redeemError(err error) error {
	var httpErr core.HTTPError
	switch {
	case errors.Is(err, invite.ErrProvisioningFailed):
		httpErr = core.NewHTTPError(http.StatusBadGateway, "provisioning_failed")
	case errors.Is(err, invite.ErrInvalidToken):
		httpErr = core.ErrUnauthorized
	case errors.Is(err, invite.ErrAuthModeMismatch), errors.Is(err, invite.ErrMissingIdentity):
		httpErr = core.ErrBadRequest
	case errors.Is(err, invite.ErrNoServer):
		httpErr = core.ErrServiceUnavailable
	case errors.Is(err, invite.ErrServerAmbiguous):
		httpErr = core.ErrConflict
	default:
		return err
	}
	return errors.Join(httpErr, err)
}
