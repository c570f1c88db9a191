package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dmitrymomot/mediagate/store"
)

// audiobookshelf toggles access with the account's isActive flag.
type audiobookshelf struct {
	api  api
	opts options
}

func newAudiobookshelf(base, token string, o options) *audiobookshelf {
	return &audiobookshelf{
		api:  newAPI(base, o, header("Authorization", "Bearer "+token)),
		opts: o,
	}
}

func (a *audiobookshelf) Vendor() store.Vendor { return store.VendorAudiobookshelf }
func (a *audiobookshelf) AuthMode() AuthMode   { return AuthPassword }

type absUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsActive bool   `json:"isActive"`
}

func (a *audiobookshelf) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	var out struct {
		Users []absUser `json:"users"`
	}
	if err := a.api.do(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	users := make([]RemoteUser, 0, len(out.Users))
	for _, u := range out.Users {
		users = append(users, RemoteUser{ID: u.ID, Email: u.Email, Username: u.Username, Disabled: !u.IsActive})
	}
	return users, nil
}

func (a *audiobookshelf) InviteUser(ctx context.Context, id Identity, libraries []string, _ Permissions) (RemoteUser, error) {
	body := map[string]any{
		"username": id.Username,
		"password": id.Password,
		"email":    id.Email,
		"type":     "user",
		"isActive": true,
		"permissions": map[string]bool{
			"accessAllLibraries": len(libraries) == 0,
		},
		"librariesAccessible": nonNil(libraries),
	}
	var out struct {
		User absUser `json:"user"`
	}
	if err := a.api.do(ctx, http.MethodPost, "/api/users", body, &out); err != nil {
		return RemoteUser{}, err
	}
	return RemoteUser{ID: out.User.ID, Email: id.Email, Username: out.User.Username}, nil
}

func (a *audiobookshelf) DisableUser(ctx context.Context, ref RemoteRef) error {
	if ref.ID == "" {
		return nil
	}
	err := a.api.do(ctx, http.MethodPatch, "/api/users/"+url.PathEscape(ref.ID), map[string]any{"isActive": false}, nil)
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

func (a *audiobookshelf) EnableUser(ctx context.Context, ref RemoteRef, libraries []string) error {
	if ref.ID == "" {
		return fmt.Errorf("media: audiobookshelf enable requires a remote user id")
	}
	body := map[string]any{
		"isActive": true,
		"permissions": map[string]bool{
			"accessAllLibraries": len(libraries) == 0,
		},
		"librariesAccessible": nonNil(libraries),
	}
	return a.api.do(ctx, http.MethodPatch, "/api/users/"+url.PathEscape(ref.ID), body, nil)
}

func (a *audiobookshelf) ValidateCredentials(ctx context.Context, username, password string) (bool, error) {
	anon := newAPI(a.api.base, a.opts, nil)
	err := anon.do(ctx, http.MethodPost, "/login", map[string]string{"username": username, "password": password}, nil)
	switch {
	case err == nil:
		return true, nil
	case IsStatus(err, http.StatusUnauthorized):
		return false, nil
	default:
		return false, err
	}
}

func (a *audiobookshelf) ListLibraries(ctx context.Context) (map[string]string, error) {
	var out struct {
		Libraries []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"libraries"`
	}
	if err := a.api.do(ctx, http.MethodGet, "/api/libraries", nil, &out); err != nil {
		return nil, err
	}
	libs := make(map[string]string, len(out.Libraries))
	for _, l := range out.Libraries {
		libs[l.ID] = l.Name
	}
	return libs, nil
}
