package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
)

// plex talks to two APIs: the plex.tv account service for sharing and the
// server itself for identity and libraries. Plex has no account disable, so
// revoking access means unsharing every library.
type plex struct {
	tv     api
	server api
	opts   options
	log    *slog.Logger

	mu        sync.Mutex
	machineID string
}

func newPlex(s store.MediaServer, token string, o options, log *slog.Logger) *plex {
	return &plex{
		tv:        newAPI(o.plexTV, o, plexHeaders(token, o)),
		server:    newAPI(s.BaseURL, o, plexHeaders(token, o)),
		opts:      o,
		log:       log,
		machineID: s.MachineID,
	}
}

func plexHeaders(token string, o options) http.Header {
	return header(
		"X-Plex-Token", token,
		"X-Plex-Client-Identifier", o.clientID,
		"X-Plex-Product", o.product,
	)
}

func (p *plex) Vendor() store.Vendor { return store.VendorPlex }
func (p *plex) AuthMode() AuthMode   { return AuthToken }

type plexShare struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"userID"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Thumb    string `json:"thumb"`
}

type plexAccount struct {
	ID       int64  `json:"id"`
	UUID     string `json:"uuid"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Title    string `json:"title"`
	Thumb    string `json:"thumb"`
}

func (p *plex) machine(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.machineID != "" {
		return p.machineID, nil
	}

	var out struct {
		MediaContainer struct {
			MachineIdentifier string `json:"machineIdentifier"`
		} `json:"MediaContainer"`
	}
	if err := p.server.do(ctx, http.MethodGet, "/identity", nil, &out); err != nil {
		return "", err
	}
	if out.MediaContainer.MachineIdentifier == "" {
		return "", ErrMissingMachineID
	}
	p.machineID = out.MediaContainer.MachineIdentifier
	return p.machineID, nil
}

func (p *plex) shares(ctx context.Context) ([]plexShare, string, error) {
	mid, err := p.machine(ctx)
	if err != nil {
		return nil, "", err
	}
	var out struct {
		MediaContainer struct {
			SharedServer []plexShare `json:"SharedServer"`
		} `json:"MediaContainer"`
	}
	if err := p.tv.do(ctx, http.MethodGet, "/api/servers/"+url.PathEscape(mid)+"/shared_servers", nil, &out); err != nil {
		return nil, "", err
	}
	return out.MediaContainer.SharedServer, mid, nil
}

func (p *plex) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	shares, _, err := p.shares(ctx)
	if err != nil {
		return nil, err
	}
	users := make([]RemoteUser, 0, len(shares))
	for _, s := range shares {
		users = append(users, RemoteUser{
			ID:       strconv.FormatInt(s.UserID, 10),
			Email:    s.Email,
			Username: s.Username,
			Photo:    s.Thumb,
		})
	}
	return users, nil
}

func (p *plex) InviteUser(ctx context.Context, id Identity, libraries []string, perms Permissions) (RemoteUser, error) {
	if id.Email == "" {
		return RemoteUser{}, errors.New("media: plex invite requires an email")
	}
	mid, err := p.machine(ctx)
	if err != nil {
		return RemoteUser{}, err
	}
	sections, err := sectionIDs(libraries)
	if err != nil {
		return RemoteUser{}, err
	}

	if perms.Home {
		path := "/api/home/users?invitedEmail=" + url.QueryEscape(id.Email)
		if err := p.tv.do(ctx, http.MethodPost, path, nil, nil); err != nil {
			return RemoteUser{}, err
		}
	}

	body := map[string]any{
		"machineIdentifier": mid,
		"invitedEmail":      id.Email,
		"librarySectionIds": sections,
		"settings": map[string]bool{
			"allowSync":     perms.AllowSync,
			"allowChannels": perms.AllowChannels,
		},
	}
	var out struct {
		InvitedID int64 `json:"invitedId"`
	}
	if err := p.tv.do(ctx, http.MethodPost, "/api/v2/shared_servers", body, &out); err != nil {
		return RemoteUser{}, err
	}

	ru := RemoteUser{Email: id.Email, Username: id.Username}
	if out.InvitedID != 0 {
		ru.ID = strconv.FormatInt(out.InvitedID, 10)
	}
	return ru, nil
}

func (p *plex) findShare(ctx context.Context, ref RemoteRef) (*plexShare, string, error) {
	shares, mid, err := p.shares(ctx)
	if err != nil {
		return nil, "", err
	}
	for i, s := range shares {
		if ref.Email != "" && strings.EqualFold(s.Email, ref.Email) {
			return &shares[i], mid, nil
		}
		if ref.Username != "" && strings.EqualFold(s.Username, ref.Username) {
			return &shares[i], mid, nil
		}
	}
	return nil, mid, nil
}

func (p *plex) updateShare(ctx context.Context, mid string, shareID int64, sections []int) error {
	body := map[string]any{
		"server_id": mid,
		"shared_server": map[string]any{
			"library_section_ids": sections,
		},
	}
	path := fmt.Sprintf("/api/servers/%s/shared_servers/%d", url.PathEscape(mid), shareID)
	return p.tv.do(ctx, http.MethodPut, path, body, nil)
}

// DisableUser unshares every library. When that fails the friend is removed,
// which is the only other revocation Plex offers.
func (p *plex) DisableUser(ctx context.Context, ref RemoteRef) error {
	share, mid, err := p.findShare(ctx, ref)
	if err != nil {
		return err
	}
	if share == nil {
		return nil
	}

	updateErr := p.updateShare(ctx, mid, share.ID, []int{})
	if updateErr == nil {
		return nil
	}

	p.log.WarnContext(ctx, "plex share update failed, falling back to friend removal",
		logger.Email(ref.Email), logger.Error(updateErr))
	path := "/api/v2/friends/" + strconv.FormatInt(share.UserID, 10)
	if err := p.tv.do(ctx, http.MethodDelete, path, nil, nil); err != nil && !IsNotFound(err) {
		return errors.Join(updateErr, err)
	}
	return nil
}

// EnableUser restores the libraries, re-inviting the account if the friend
// was removed.
func (p *plex) EnableUser(ctx context.Context, ref RemoteRef, libraries []string) error {
	share, mid, err := p.findShare(ctx, ref)
	if err != nil {
		return err
	}
	if share == nil {
		_, err := p.InviteUser(ctx, Identity{Email: ref.Email, Username: ref.Username}, libraries, ref.Permissions)
		return err
	}
	sections, err := sectionIDs(libraries)
	if err != nil {
		return err
	}
	return p.updateShare(ctx, mid, share.ID, sections)
}

// ValidateCredentials always refuses: Plex users sign in through a token.
func (p *plex) ValidateCredentials(context.Context, string, string) (bool, error) {
	return false, nil
}

func (p *plex) ListLibraries(ctx context.Context) (map[string]string, error) {
	var out struct {
		MediaContainer struct {
			Directory []struct {
				Key   string `json:"key"`
				Title string `json:"title"`
			} `json:"Directory"`
		} `json:"MediaContainer"`
	}
	if err := p.server.do(ctx, http.MethodGet, "/library/sections", nil, &out); err != nil {
		return nil, err
	}
	libs := make(map[string]string, len(out.MediaContainer.Directory))
	for _, d := range out.MediaContainer.Directory {
		libs[d.Key] = d.Title
	}
	return libs, nil
}

func (p *plex) userAPI(token string) api {
	return newAPI(p.opts.plexTV, p.opts, plexHeaders(token, p.opts))
}

func (p *plex) account(ctx context.Context, a api) (plexAccount, error) {
	var acc plexAccount
	if err := a.do(ctx, http.MethodGet, "/api/v2/user", nil, &acc); err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			return plexAccount{}, errors.Join(ErrInvalidToken, err)
		}
		return plexAccount{}, err
	}
	return acc, nil
}

func (p *plex) ResolveAccount(ctx context.Context, userToken string) (Account, error) {
	if userToken == "" {
		return Account{}, ErrInvalidToken
	}
	acc, err := p.account(ctx, p.userAPI(userToken))
	if err != nil {
		return Account{}, err
	}
	username := acc.Username
	if username == "" {
		username = acc.Title
	}
	return Account{
		ID:       strconv.FormatInt(acc.ID, 10),
		UUID:     acc.UUID,
		Email:    acc.Email,
		Username: username,
		Photo:    acc.Thumb,
	}, nil
}

// PostJoinSetup accepts the pending share from the admin, turns on watch
// state sync and opts the user out of online media sources. Every step is
// attempted; failures are joined.
func (p *plex) PostJoinSetup(ctx context.Context, userToken string) error {
	admin, err := p.account(ctx, p.tv)
	if err != nil {
		return err
	}
	user := p.userAPI(userToken)
	me, err := p.account(ctx, user)
	if err != nil {
		return err
	}

	var errs []error

	var invites []struct {
		ID int64 `json:"id"`
	}
	if err := user.do(ctx, http.MethodGet, "/api/v2/friends/invites/received/pending", nil, &invites); err != nil {
		errs = append(errs, fmt.Errorf("list invites: %w", err))
	}
	for _, inv := range invites {
		if inv.ID != admin.ID {
			continue
		}
		path := fmt.Sprintf("/api/v2/friends/%d/accept", inv.ID)
		if err := user.do(ctx, http.MethodPut, path, nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("accept invite: %w", err))
		}
	}

	if err := user.do(ctx, http.MethodPut, "/api/v2/user/view_state_sync?consent=true", nil, nil); err != nil {
		errs = append(errs, fmt.Errorf("view state sync: %w", err))
	}

	optOuts := "/api/v2/user/" + url.PathEscape(me.UUID) + "/settings/opt_outs"
	var sources []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := user.do(ctx, http.MethodGet, optOuts, nil, &sources); err != nil {
		errs = append(errs, fmt.Errorf("list online sources: %w", err))
	}
	for _, src := range sources {
		if src.Value == "opt_out" {
			continue
		}
		q := url.Values{"key": {src.Key}, "value": {"opt_out"}}
		if err := user.do(ctx, http.MethodPost, optOuts+"?"+q.Encode(), nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("opt out %s: %w", src.Key, err))
		}
	}
	return errors.Join(errs...)
}

func sectionIDs(libraries []string) ([]int, error) {
	ids := make([]int, 0, len(libraries))
	for _, l := range libraries {
		id, err := strconv.Atoi(l)
		if err != nil {
			return nil, fmt.Errorf("media: plex library id %q is not numeric", l)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
