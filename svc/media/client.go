package media

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/store"
)

const defaultPlexTV = "https://plex.tv"

// Option tunes adapter construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
	plexTV     string
	clientID   string
	product    string
	retries    uint64
	retryBase  time.Duration
}

// WithHTTPClient replaces the default 15s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithRetry bounds how often a failed read is retried and the first backoff
// step, which doubles on each attempt. Zero retries disables retrying.
func WithRetry(retries uint64, base time.Duration) Option {
	return func(o *options) {
		o.retries = retries
		if base > 0 {
			o.retryBase = base
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlexTVURL overrides the plex.tv account API base URL.
func WithPlexTVURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.plexTV = u
		}
	}
}

// WithClientIdentifier sets the device identity presented to vendors.
func WithClientIdentifier(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// NewClient builds the adapter for server. adminToken must already be decrypted.
func NewClient(server store.MediaServer, adminToken string, opts ...Option) (Client, error) {
	if adminToken == "" {
		return nil, ErrMissingToken
	}
	o := options{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.New(slog.DiscardHandler),
		plexTV:     defaultPlexTV,
		clientID:   "mediagate",
		product:    "mediagate",
		retries:    2,
		retryBase:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With(logger.Component("media"), logger.Vendor(string(server.Vendor)))

	switch server.Vendor {
	case store.VendorPlex:
		return newPlex(server, adminToken, o, log), nil
	case store.VendorJellyfin:
		return newJellyfin(store.VendorJellyfin, "", server.BaseURL, adminToken, o), nil
	case store.VendorEmby:
		return newJellyfin(store.VendorEmby, "/emby", server.BaseURL, adminToken, o), nil
	case store.VendorAudiobookshelf:
		return newAudiobookshelf(server.BaseURL, adminToken, o), nil
	default:
		return nil, ErrUnsupportedVendor
	}
}
