// Package store persists media servers, users, invitations, payments and settings.
//
// Two implementations share the Store interface: Postgres for production and
// Memory for tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("record already exists")
	ErrReferenced = errors.New("record is still referenced")
)

// Querier is the set of operations available both inside and outside a transaction.
type Querier interface {
	ListServers(ctx context.Context) ([]MediaServer, error)
	GetServer(ctx context.Context, id uuid.UUID) (MediaServer, error)
	// UpsertServer inserts or updates by name and returns the stored row.
	UpsertServer(ctx context.Context, s MediaServer) (MediaServer, error)
	ListLibraries(ctx context.Context, serverID uuid.UUID) ([]Library, error)
	// UpsertLibrary inserts or updates by (server_id, external_id).
	UpsertLibrary(ctx context.Context, l Library) (Library, error)

	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	// FindUsersByEmail and FindUsersByUsername match case-insensitively,
	// oldest first.
	FindUsersByEmail(ctx context.Context, email string) ([]User, error)
	FindUsersByUsername(ctx context.Context, username string) ([]User, error)
	// LockUsersByEmail is FindUsersByEmail holding row locks until the
	// surrounding transaction ends.
	LockUsersByEmail(ctx context.Context, email string) ([]User, error)
	FindUserByCode(ctx context.Context, code string) (User, error)
	ListUsersByServer(ctx context.Context, serverID uuid.UUID) ([]User, error)
	ListExpiredUsers(ctx context.Context, now time.Time) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, u User) (User, error)
	UpdateUser(ctx context.Context, u User) error
	// DeleteUser returns ErrReferenced when the user owns payments.
	DeleteUser(ctx context.Context, id uuid.UUID) error

	GetInvitationByCode(ctx context.Context, code string) (Invitation, error)
	// LockInvitation loads the invitation and holds a row lock until the
	// surrounding transaction ends.
	LockInvitation(ctx context.Context, code string) (Invitation, error)
	CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error)
	MarkInvitationUsed(ctx context.Context, id, userID uuid.UUID, at time.Time, used bool) error
	InvitationLibraries(ctx context.Context, invitationID uuid.UUID) ([]Library, error)
	InvitationStats(ctx context.Context, now time.Time) (InvitationStats, error)

	PaymentExists(ctx context.Context, transactionID string) (bool, error)
	// CreatePayment returns ErrDuplicate for an already recorded transaction id.
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]Payment, error)

	ListSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Store adds transactions on top of Querier.
type Store interface {
	Querier
	// WithTx runs fn in one transaction; fn must only use the provided Querier.
	WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
	Ping(ctx context.Context) error
}
