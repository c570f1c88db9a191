package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dmitrymomot/mediagate/store"
)

// jellyfin also serves Emby, which shares the wire format behind an /emby
// path prefix. Access is revoked through the user policy's IsDisabled flag.
type jellyfin struct {
	vendor store.Vendor
	prefix string
	api    api
	opts   options
}

func newJellyfin(vendor store.Vendor, prefix, base, token string, o options) *jellyfin {
	return &jellyfin{
		vendor: vendor,
		prefix: prefix,
		api:    newAPI(base, o, header("X-Emby-Token", token)),
		opts:   o,
	}
}

func (j *jellyfin) Vendor() store.Vendor { return j.vendor }
func (j *jellyfin) AuthMode() AuthMode   { return AuthPassword }

func (j *jellyfin) path(p string) string { return j.prefix + p }

type jellyfinUser struct {
	ID              string `json:"Id"`
	Name            string `json:"Name"`
	PrimaryImageTag string `json:"PrimaryImageTag"`
	Policy          struct {
		IsDisabled bool `json:"IsDisabled"`
	} `json:"Policy"`
}

func (j *jellyfin) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	var out []jellyfinUser
	if err := j.api.do(ctx, http.MethodGet, j.path("/Users"), nil, &out); err != nil {
		return nil, err
	}
	users := make([]RemoteUser, 0, len(out))
	for _, u := range out {
		ru := RemoteUser{ID: u.ID, Username: u.Name, Disabled: u.Policy.IsDisabled}
		if u.PrimaryImageTag != "" {
			ru.Photo = fmt.Sprintf("%s%s/Users/%s/Images/Primary?tag=%s",
				j.api.base, j.prefix, url.PathEscape(u.ID), url.QueryEscape(u.PrimaryImageTag))
		}
		users = append(users, ru)
	}
	return users, nil
}

func (j *jellyfin) InviteUser(ctx context.Context, id Identity, libraries []string, _ Permissions) (RemoteUser, error) {
	var created jellyfinUser
	body := map[string]string{"Name": id.Username, "Password": id.Password}
	if err := j.api.do(ctx, http.MethodPost, j.path("/Users/New"), body, &created); err != nil {
		return RemoteUser{}, err
	}
	if err := j.setPolicy(ctx, created.ID, false, libraries); err != nil {
		return RemoteUser{}, err
	}
	return RemoteUser{ID: created.ID, Email: id.Email, Username: created.Name}, nil
}

// setPolicy rewrites only the access fields and preserves the rest of the
// policy as the server returned it.
func (j *jellyfin) setPolicy(ctx context.Context, userID string, disabled bool, libraries []string) error {
	var user struct {
		Policy map[string]any `json:"Policy"`
	}
	if err := j.api.do(ctx, http.MethodGet, j.path("/Users/"+url.PathEscape(userID)), nil, &user); err != nil {
		return err
	}
	policy := user.Policy
	if policy == nil {
		policy = map[string]any{}
	}
	policy["IsDisabled"] = disabled
	if !disabled {
		policy["EnableAllFolders"] = len(libraries) == 0
		policy["EnabledFolders"] = nonNil(libraries)
	}
	return j.api.do(ctx, http.MethodPost, j.path("/Users/"+url.PathEscape(userID)+"/Policy"), policy, nil)
}

func (j *jellyfin) DisableUser(ctx context.Context, ref RemoteRef) error {
	if ref.ID == "" {
		return nil
	}
	if err := j.setPolicy(ctx, ref.ID, true, nil); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (j *jellyfin) EnableUser(ctx context.Context, ref RemoteRef, libraries []string) error {
	if ref.ID == "" {
		return fmt.Errorf("media: %s enable requires a remote user id", j.vendor)
	}
	return j.setPolicy(ctx, ref.ID, false, libraries)
}

func (j *jellyfin) ValidateCredentials(ctx context.Context, username, password string) (bool, error) {
	auth := fmt.Sprintf(`MediaBrowser Client="%s", Device="%s", DeviceId="%s", Version="1.0.0"`,
		j.opts.product, j.opts.product, j.opts.clientID)
	body := map[string]string{"Username": username, "Pw": password}
	// The authenticate call must not carry the admin token.
	anon := newAPI(j.api.base, j.opts, nil)
	_, err := anon.send(ctx, http.MethodPost, j.path("/Users/AuthenticateByName"), body, nil,
		header("X-Emby-Authorization", auth))
	switch {
	case err == nil:
		return true, nil
	case IsStatus(err, http.StatusUnauthorized), IsStatus(err, http.StatusForbidden):
		return false, nil
	default:
		return false, err
	}
}

func (j *jellyfin) ListLibraries(ctx context.Context) (map[string]string, error) {
	var out struct {
		Items []struct {
			ID   string `json:"Id"`
			Name string `json:"Name"`
		} `json:"Items"`
	}
	if err := j.api.do(ctx, http.MethodGet, j.path("/Library/MediaFolders"), nil, &out); err != nil {
		return nil, err
	}
	libs := make(map[string]string, len(out.Items))
	for _, it := range out.Items {
		libs[it.ID] = it.Name
	}
	return libs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
