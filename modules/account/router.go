// Package account serves the signed-in user's pages: login, account status
// and the payment prompt shown once access lapsed.
package account

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/binder"
	"github.com/dmitrymomot/mediagate/core"
	"github.com/dmitrymomot/mediagate/handler"
	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/session"
	"github.com/dmitrymomot/mediagate/store"
	accountsvc "github.com/dmitrymomot/mediagate/svc/account"
	"github.com/dmitrymomot/mediagate/svc/expiry"
	"github.com/dmitrymomot/mediagate/svc/payment"
	"github.com/dmitrymomot/mediagate/svc/settings"
)

// PaymentPath is where lapsed users are sent when pricing is configured.
const PaymentPath = "/my-account/payment"

type (
	Logins interface {
		LoginWithToken(ctx context.Context, serverID uuid.UUID, token string) (accountsvc.Login, error)
		LoginWithCredentials(ctx context.Context, serverID uuid.UUID, username, password string) (accountsvc.Login, error)
		LoginWithCode(ctx context.Context, code string) (accountsvc.Login, error)
	}

	Sessions interface {
		Load(r *http.Request) (session.Data, error)
		Save(w http.ResponseWriter, r *http.Request, d session.Data) error
		Clear(w http.ResponseWriter, r *http.Request) error
	}

	Users interface {
		settings.Reader
		GetUser(ctx context.Context, id uuid.UUID) (store.User, error)
		FindUserByCode(ctx context.Context, code string) (store.User, error)
	}

	Checker interface {
		Check(ctx context.Context, u store.User) (expiry.Result, error)
	}

	Statuses interface {
		StatusFor(ctx context.Context, u store.User) (payment.Status, error)
	}
)

type Module struct {
	logins   Logins
	sessions Sessions
	users    Users
	expiry   Checker
	payments Statuses
	log      *slog.Logger
	errors   handler.ErrorHandler
	limit    func(http.Handler) http.Handler
}

type Option func(*Module)

// WithRateLimit guards the login endpoint.
func WithRateLimit(mw func(http.Handler) http.Handler) Option {
	return func(m *Module) { m.limit = mw }
}

func New(logins Logins, sessions Sessions, users Users, checker Checker, payments Statuses, log *slog.Logger, opts ...Option) *Module {
	m := &Module{
		logins:   logins,
		sessions: sessions,
		users:    users,
		expiry:   checker,
		payments: payments,
		log:      log,
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
	r.With(m.limit).Post("/user-login", handler.Wrap(m.login,
		handler.WithBinders[loginRequest](binder.Form(), binder.Validate()),
		handler.WithErrorHandler[loginRequest](m.errors),
	))
	r.Post("/logout", handler.Wrap(m.logout, handler.WithErrorHandler[struct{}](m.errors)))

	r.Group(func(r chi.Router) {
		r.Use(m.requireUser)
		r.Get("/my-account", handler.Wrap(m.myAccount, handler.WithErrorHandler[struct{}](m.errors)))
		r.Get(PaymentPath, handler.Wrap(m.paymentPage, handler.WithErrorHandler[struct{}](m.errors)))
		r.Get("/payment/check-status", handler.Wrap(m.checkStatus, handler.WithErrorHandler[struct{}](m.errors)))
	})
}

// requireUser resolves the session to a user and stores it in the context.
func (m *Module) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := m.sessionUser(r)
		if err != nil {
			if !errors.Is(err, session.ErrNoSession) && !errors.Is(err, store.ErrNotFound) {
				m.log.ErrorContext(r.Context(), "load session user", logger.Error(err))
			}
			_ = handler.JSON(map[string]string{"error": core.ErrUnauthorized.Key},
				handler.WithJSONStatus(http.StatusUnauthorized)).Render(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(accountsvc.WithUser(r.Context(), u)))
	})
}

func (m *Module) sessionUser(r *http.Request) (store.User, error) {
	d, err := m.sessions.Load(r)
	if err != nil {
		return store.User{}, err
	}
	if d.UserID != uuid.Nil {
		return m.users.GetUser(r.Context(), d.UserID)
	}
	return m.users.FindUserByCode(r.Context(), d.Code)
}

type loginRequest struct {
	Mode     string `form:"mode" validate:"required,oneof=token credentials code"`
	ServerID string `form:"server_id" validate:"omitempty,uuid"`
	Token    string `form:"token" validate:"required_if=Mode token"`
	Username string `form:"username" validate:"required_if=Mode credentials"`
	Password string `form:"password" validate:"required_if=Mode credentials"`
	Code     string `form:"code" validate:"required_if=Mode code"`
}

type loginResponse struct {
	UserID   string `json:"user_id"`
	Redirect string `json:"redirect"`
}

func (m *Module) login(ctx handler.Context, req loginRequest) handler.Response {
	serverID, _ := uuid.Parse(req.ServerID)

	var (
		l   accountsvc.Login
		err error
	)
	switch req.Mode {
	case "token":
		l, err = m.logins.LoginWithToken(ctx, serverID, req.Token)
	case "credentials":
		if serverID == uuid.Nil {
			return handler.Error(core.ValidationError{"server_id": {"is required"}})
		}
		l, err = m.logins.LoginWithCredentials(ctx, serverID, req.Username, req.Password)
	default:
		l, err = m.logins.LoginWithCode(ctx, req.Code)
	}
	switch {
	case errors.Is(err, accountsvc.ErrInvalidCredentials):
		return handler.Error(errors.Join(core.ErrUnauthorized, err))
	case errors.Is(err, accountsvc.ErrAccountNotFound), errors.Is(err, accountsvc.ErrNoTokenServer):
		return handler.Error(errors.Join(core.ErrNotFound, err))
	case err != nil:
		return handler.Error(err)
	}

	if err := m.sessions.Save(ctx.ResponseWriter(), ctx.Request(), session.Data{Code: l.Code, UserID: l.User.ID}); err != nil {
		return handler.Error(err)
	}
	return handler.JSON(loginResponse{UserID: l.User.ID.String(), Redirect: "/my-account"})
}

func (m *Module) logout(ctx handler.Context, _ struct{}) handler.Response {
	if err := m.sessions.Clear(ctx.ResponseWriter(), ctx.Request()); err != nil {
		return handler.Error(err)
	}
	return handler.Empty(http.StatusNoContent)
}

type paymentView struct {
	Amount   string    `json:"amount"`
	Currency string    `json:"currency"`
	Months   int       `json:"months"`
	At       time.Time `json:"at"`
}

type accountResponse struct {
	UserID        string        `json:"user_id"`
	Username      string        `json:"username"`
	Email         string        `json:"email"`
	Active        bool          `json:"active"`
	Expires       *time.Time    `json:"expires"`
	DaysRemaining int           `json:"days_remaining"`
	Payments      []paymentView `json:"payments"`
}

func (m *Module) myAccount(ctx handler.Context, _ struct{}) handler.Response {
	u, _ := accountsvc.UserFromContext(ctx)
	res, err := m.expiry.Check(ctx, u)
	if err != nil {
		return handler.Error(err)
	}
	if res.RedirectToPayment {
		return handler.Redirect(PaymentPath)
	}

	st, err := m.payments.StatusFor(ctx, u)
	if err != nil {
		return handler.Error(err)
	}
	out := accountResponse{
		UserID:        u.ID.String(),
		Username:      u.Username,
		Email:         u.Email,
		Active:        st.Active,
		Expires:       st.Expires,
		DaysRemaining: st.DaysRemaining,
		Payments:      make([]paymentView, 0, len(st.Payments)),
	}
	for _, p := range st.Payments {
		out.Payments = append(out.Payments, paymentView{
			Amount:   settings.FormatAmount(p.AmountCents),
			Currency: p.Currency,
			Months:   p.Months,
			At:       p.CreatedAt,
		})
	}
	return handler.JSON(out)
}

type priceView struct {
	Months int    `json:"months"`
	Amount string `json:"amount"`
}

type paymentPageResponse struct {
	Active     bool        `json:"active"`
	Expires    *time.Time  `json:"expires"`
	ServerName string      `json:"server_name,omitempty"`
	Email      string      `json:"email"`
	Prices     []priceView `json:"prices"`
}

func (m *Module) paymentPage(ctx handler.Context, _ struct{}) handler.Response {
	u, _ := accountsvc.UserFromContext(ctx)
	snap, err := settings.Load(ctx, m.users, m.log)
	if err != nil {
		return handler.Error(err)
	}
	out := paymentPageResponse{
		Active:     expiry.IsActive(u, time.Now()),
		Expires:    u.Expires,
		ServerName: snap.ServerName,
		Email:      u.Email,
		Prices:     []priceView{},
	}
	for _, tier := range []struct {
		months int
		cents  int64
	}{{1, snap.Prices.One}, {3, snap.Prices.Three}, {6, snap.Prices.Six}} {
		if tier.cents > 0 {
			out.Prices = append(out.Prices, priceView{Months: tier.months, Amount: settings.FormatAmount(tier.cents)})
		}
	}
	return handler.JSON(out)
}

type checkStatusResponse struct {
	Active  bool       `json:"active"`
	Expires *time.Time `json:"expires"`
}

func (m *Module) checkStatus(ctx handler.Context, _ struct{}) handler.Response {
	u, _ := accountsvc.UserFromContext(ctx)
	return handler.JSON(checkStatusResponse{Active: expiry.IsActive(u, time.Now()), Expires: u.Expires})
}
