package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Vendor identifies the media server product behind a MediaServer.
type Vendor string

const (
	VendorPlex           Vendor = "plex"
	VendorJellyfin       Vendor = "jellyfin"
	VendorEmby           Vendor = "emby"
	VendorAudiobookshelf Vendor = "audiobookshelf"
)

// Valid reports whether v is one of the supported vendors.
func (v Vendor) Valid() bool {
	switch v {
	case VendorPlex, VendorJellyfin, VendorEmby, VendorAudiobookshelf:
		return true
	}
	return false
}

// Placeholder codes carried by users discovered through sync rather than an invitation.
const (
	CodeNone  = "None"
	CodeEmpty = "empty"
)

// MediaServer is a configured backend.
// AdminToken holds the encrypted credential; decrypt it before use.
type MediaServer struct {
	ID         uuid.UUID
	Name       string
	Vendor     Vendor
	BaseURL    string
	AdminToken string
	MachineID  string
	CreatedAt  time.Time
}

// Library is one entry of a server's catalogue.
type Library struct {
	ID         uuid.UUID
	ServerID   uuid.UUID
	ExternalID string
	Name       string
	Enabled    bool
}

// User is one account bound to one media server.
// Token holds the remote account identifier for vendors that have one.
type User struct {
	ID        uuid.UUID
	Email     string
	Username  string
	Token     string
	Code      string
	Expires   *time.Time
	ServerID  *uuid.UUID
	Photo     string
	CreatedAt time.Time
}

// IsPlaceholder reports whether the row was created by sync without a real invitation.
func (u User) IsPlaceholder() bool {
	return u.Expires == nil && (u.Code == CodeNone || u.Code == CodeEmpty)
}

// Invitation is a redeemable code.
type Invitation struct {
	ID                uuid.UUID
	Code              string
	Expires           *time.Time
	Used              bool
	UsedAt            *time.Time
	UsedBy            *uuid.UUID
	Unlimited         bool
	DurationDays      *int
	ServerID          *uuid.UUID
	PlexAllowSync     bool
	PlexAllowChannels bool
	PlexHome          bool
	LibraryIDs        []uuid.UUID
	CreatedAt         time.Time
}

// Payment is an immutable ledger entry. TransactionID is globally unique.
type Payment struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TransactionID string
	MessageID     string
	AmountCents   int64
	Currency      string
	FromName      string
	Message       string
	Months        int
	Processed     bool
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// InvitationStats aggregates invitation counters at a point in time.
type InvitationStats struct {
	Total   int
	Pending int
	Expired int
}

// NormalizeCode canonicalizes invitation codes, which are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
