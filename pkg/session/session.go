// Package session keeps the wizard session: a signed, encrypted cookie that
// remembers which invitation code and user the visitor redeemed or logged in
// with.
package session

import (
	"crypto/sha256"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/hkdf"
)

const (
	codeKey = "invite_code"
	userKey = "user_id"
)

var (
	ErrMissingSecret = errors.New("session: secret is required")
	ErrNoSession     = errors.New("session: no wizard session")
)

// Config is loaded from the environment.
type Config struct {
	Secret   string        `env:"SESSION_SECRET"`
	Name     string        `env:"SESSION_COOKIE_NAME" envDefault:"wizard_access"`
	MaxAge   time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`
	Secure   bool          `env:"SESSION_SECURE_COOKIES" envDefault:"false"`
	Path     string        `env:"SESSION_COOKIE_PATH" envDefault:"/"`
	SameSite string        `env:"SESSION_SAME_SITE" envDefault:"lax"`
}

// Manager reads and writes the wizard session.
type Manager struct {
	store *sessions.CookieStore
	name  string
}

// New derives independent signing and encryption keys from cfg.Secret.
func New(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	hashKey, err := derive(cfg.Secret, "session-hash", 64)
	if err != nil {
		return nil, err
	}
	blockKey, err := derive(cfg.Secret, "session-block", 32)
	if err != nil {
		return nil, err
	}

	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{
		Path:     cfg.Path,
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: sameSite(cfg.SameSite),
	}
	if store.Options.Path == "" {
		store.Options.Path = "/"
	}
	name := cfg.Name
	if name == "" {
		name = "wizard_access"
	}
	return &Manager{store: store, name: name}, nil
}

// Data is what the wizard session remembers.
type Data struct {
	Code   string
	UserID uuid.UUID
}

// Load returns the session contents. A missing, tampered or empty session
// yields ErrNoSession.
func (m *Manager) Load(r *http.Request) (Data, error) {
	s, err := m.store.Get(r, m.name)
	if err != nil {
		return Data{}, ErrNoSession
	}
	var d Data
	d.Code, _ = s.Values[codeKey].(string)
	if raw, ok := s.Values[userKey].(string); ok {
		d.UserID, _ = uuid.Parse(raw)
	}
	if d.Code == "" && d.UserID == uuid.Nil {
		return Data{}, ErrNoSession
	}
	return d, nil
}

// Save replaces the session contents.
func (m *Manager) Save(w http.ResponseWriter, r *http.Request, d Data) error {
	// A tampered or stale cookie yields a fresh session alongside the error.
	s, _ := m.store.Get(r, m.name)
	s.Values[codeKey] = d.Code
	if d.UserID != uuid.Nil {
		s.Values[userKey] = d.UserID.String()
	} else {
		delete(s.Values, userKey)
	}
	return s.Save(r, w)
}

// Clear expires the session cookie.
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) error {
	s, _ := m.store.Get(r, m.name)
	s.Options.MaxAge = -1
	delete(s.Values, codeKey)
	delete(s.Values, userKey)
	return s.Save(r, w)
}

func derive(secret, info string, n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("mediagate/"+info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func sameSite(v string) http.SameSite {
	switch v {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
