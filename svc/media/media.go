// Package media adapts the supported media servers to one capability set.
//
// Each vendor is a closed variant selected by the server's stored vendor tag.
// DisableUser never deletes a remote account unless the vendor leaves no other
// way to revoke access, and EnableUser restores what DisableUser took away.
package media

import (
	"context"

	"github.com/dmitrymomot/mediagate/store"
)

// AuthMode tells callers how a vendor's users prove who they are.
type AuthMode string

const (
	// AuthToken vendors hand out a token through their own sign-in handshake.
	AuthToken AuthMode = "token"
	// AuthPassword vendors accept a username and password directly.
	AuthPassword AuthMode = "password"
)

// RemoteUser is an account as the media server reports it.
type RemoteUser struct {
	ID       string
	Email    string
	Username string
	Photo    string
	Disabled bool
}

// Identity describes the account to provision.
type Identity struct {
	Email    string
	Username string
	Password string
}

// Permissions carries the vendor specific provisioning flags.
type Permissions struct {
	AllowSync     bool
	AllowChannels bool
	Home          bool
}

// RemoteRef points at an existing remote account. Vendors pick the field they
// key on: Plex matches Email then Username, the others use ID.
type RemoteRef struct {
	ID          string
	Email       string
	Username    string
	Permissions Permissions
}

// RefFor builds a reference from a local user row.
func RefFor(u store.User) RemoteRef {
	return RemoteRef{ID: u.Token, Email: u.Email, Username: u.Username}
}

// Account is the identity behind a vendor token.
type Account struct {
	ID       string
	UUID     string
	Email    string
	Username string
	Photo    string
}

// Client is the capability every vendor adapter provides.
type Client interface {
	Vendor() store.Vendor
	AuthMode() AuthMode
	ListUsers(ctx context.Context) ([]RemoteUser, error)
	InviteUser(ctx context.Context, id Identity, libraries []string, perms Permissions) (RemoteUser, error)
	DisableUser(ctx context.Context, ref RemoteRef) error
	EnableUser(ctx context.Context, ref RemoteRef, libraries []string) error
	ValidateCredentials(ctx context.Context, username, password string) (bool, error)
	// ListLibraries maps external library id to display name.
	ListLibraries(ctx context.Context) (map[string]string, error)
}

// TokenIdentity is implemented by vendors whose users sign in through a token
// handshake.
type TokenIdentity interface {
	ResolveAccount(ctx context.Context, userToken string) (Account, error)
	// PostJoinSetup finishes onboarding on the user's side of the account.
	PostJoinSetup(ctx context.Context, userToken string) error
}
