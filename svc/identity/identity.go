// Package identity resolves a free-text email or username to the local user
// rows it names across every configured media server.
//
// One person may hold accounts on several servers. The resolver never picks
// one for the caller: an ambiguous query returns every candidate.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
)

var ErrNotFound = errors.New("identity: no account found")

// Store is the read side the resolver needs.
type Store interface {
	FindUsersByEmail(ctx context.Context, email string) ([]store.User, error)
	FindUsersByUsername(ctx context.Context, username string) ([]store.User, error)
	GetServer(ctx context.Context, id uuid.UUID) (store.MediaServer, error)
}

// Candidate is one (server, user) pair matching the query.
type Candidate struct {
	Server           store.MediaServer
	User             store.User
	Vendor           store.Vendor
	RequiresPassword bool
}

// Resolution lists candidates in match order: email matches first.
type Resolution struct {
	Query      string
	Candidates []Candidate
}

func (r Resolution) NotFound() bool  { return len(r.Candidates) == 0 }
func (r Resolution) Ambiguous() bool { return len(r.Candidates) > 1 }

// Single returns the only candidate.
func (r Resolution) Single() (Candidate, bool) {
	if len(r.Candidates) != 1 {
		return Candidate{}, false
	}
	return r.Candidates[0], true
}

// RequiresPassword reports whether any candidate needs password verification.
func (r Resolution) RequiresPassword() bool {
	for _, c := range r.Candidates {
		if c.RequiresPassword {
			return true
		}
	}
	return false
}

// Resolver looks users up by email or username.
type Resolver struct {
	store Store
	log   *slog.Logger
	lower cases.Caser
}

func NewResolver(s Store, log *slog.Logger) *Resolver {
	return &Resolver{store: s, log: log, lower: cases.Lower(language.Und)}
}

// Normalize lower-cases and trims a query. Lower-casing matches what the
// stores compare with, unlike full case folding which rewrites "ß" to "ss".
func (r *Resolver) Normalize(q string) string {
	return r.lower.String(strings.TrimSpace(q))
}

// Resolve returns ErrNotFound together with an empty resolution when nothing
// matches. Rows without a server are skipped since no login can target them.
func (r *Resolver) Resolve(ctx context.Context, query string) (Resolution, error) {
	q := r.Normalize(query)
	res := Resolution{Query: q}
	if q == "" {
		return res, ErrNotFound
	}

	var matched []store.User
	if strings.Contains(q, "@") {
		byEmail, err := r.store.FindUsersByEmail(ctx, q)
		if err != nil {
			return res, err
		}
		matched = append(matched, byEmail...)
	}
	byName, err := r.store.FindUsersByUsername(ctx, q)
	if err != nil {
		return res, err
	}
	matched = append(matched, byName...)

	seenUser := make(map[uuid.UUID]struct{}, len(matched))
	seenServer := make(map[uuid.UUID]struct{}, len(matched))
	servers := make(map[uuid.UUID]store.MediaServer)

	for _, u := range matched {
		if _, dup := seenUser[u.ID]; dup {
			continue
		}
		seenUser[u.ID] = struct{}{}

		if u.ServerID == nil {
			r.log.DebugContext(ctx, "skipping user without server", logger.UserID(u.ID))
			continue
		}
		if _, dup := seenServer[*u.ServerID]; dup {
			continue
		}

		srv, ok := servers[*u.ServerID]
		if !ok {
			srv, err = r.store.GetServer(ctx, *u.ServerID)
			if errors.Is(err, store.ErrNotFound) {
				r.log.WarnContext(ctx, "user references missing server", logger.UserID(u.ID), logger.ServerID(*u.ServerID))
				continue
			}
			if err != nil {
				return res, err
			}
			servers[srv.ID] = srv
		}
		seenServer[srv.ID] = struct{}{}

		res.Candidates = append(res.Candidates, Candidate{
			Server:           srv,
			User:             u,
			Vendor:           srv.Vendor,
			RequiresPassword: srv.Vendor != store.VendorPlex,
		})
	}

	if res.NotFound() {
		return res, ErrNotFound
	}
	return res, nil
}
