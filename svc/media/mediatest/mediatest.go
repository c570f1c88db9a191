// Package mediatest provides testify mocks for the media capability set.
package mediatest

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

// Client mocks media.Client and media.TokenIdentity.
type Client struct {
	mock.Mock
	VendorTag store.Vendor
}

var (
	_ media.Client        = (*Client)(nil)
	_ media.TokenIdentity = (*Client)(nil)
)

// NewClient returns a mock for vendor.
func NewClient(vendor store.Vendor) *Client {
	return &Client{VendorTag: vendor}
}

func (c *Client) Vendor() store.Vendor { return c.VendorTag }

func (c *Client) AuthMode() media.AuthMode {
	if c.VendorTag == store.VendorPlex {
		return media.AuthToken
	}
	return media.AuthPassword
}

func (c *Client) ListUsers(ctx context.Context) ([]media.RemoteUser, error) {
	args := c.Called(ctx)
	users, _ := args.Get(0).([]media.RemoteUser)
	return users, args.Error(1)
}

func (c *Client) InviteUser(ctx context.Context, id media.Identity, libraries []string, perms media.Permissions) (media.RemoteUser, error) {
	args := c.Called(ctx, id, libraries, perms)
	ru, _ := args.Get(0).(media.RemoteUser)
	return ru, args.Error(1)
}

func (c *Client) DisableUser(ctx context.Context, ref media.RemoteRef) error {
	return c.Called(ctx, ref).Error(0)
}

func (c *Client) EnableUser(ctx context.Context, ref media.RemoteRef, libraries []string) error {
	return c.Called(ctx, ref, libraries).Error(0)
}

func (c *Client) ValidateCredentials(ctx context.Context, username, password string) (bool, error) {
	args := c.Called(ctx, username, password)
	return args.Bool(0), args.Error(1)
}

func (c *Client) ListLibraries(ctx context.Context) (map[string]string, error) {
	args := c.Called(ctx)
	libs, _ := args.Get(0).(map[string]string)
	return libs, args.Error(1)
}

func (c *Client) ResolveAccount(ctx context.Context, userToken string) (media.Account, error) {
	args := c.Called(ctx, userToken)
	acc, _ := args.Get(0).(media.Account)
	return acc, args.Error(1)
}

func (c *Client) PostJoinSetup(ctx context.Context, userToken string) error {
	return c.Called(ctx, userToken).Error(0)
}

// ErrUnknownServer is returned by Provider for unregistered ids.
var ErrUnknownServer = errors.New("mediatest: unknown server")

// Provider is a fixed media.Provider.
type Provider struct {
	entries map[uuid.UUID]entry
}

type entry struct {
	client media.Client
	server store.MediaServer
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{entries: make(map[uuid.UUID]entry)}
}

// Add registers client for server.
func (p *Provider) Add(server store.MediaServer, client media.Client) *Provider {
	p.entries[server.ID] = entry{client: client, server: server}
	return p
}

func (p *Provider) Client(_ context.Context, serverID uuid.UUID) (media.Client, store.MediaServer, error) {
	e, ok := p.entries[serverID]
	if !ok {
		return nil, store.MediaServer{}, ErrUnknownServer
	}
	return e.client, e.server, nil
}
