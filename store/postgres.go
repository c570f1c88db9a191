package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/mediagate/pkg/pg"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded goose migrations rooted at the sql files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	*queries
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{queries: &queries{db: pool}, pool: pool}
}

// Migrate applies the embedded schema.
func (p *Postgres) Migrate(ctx context.Context, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, p.pool, Migrations(), cfg, log)
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return pg.WithTx(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pg.DBTX) error {
		return fn(ctx, &queries{db: tx})
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return pg.Healthcheck(p.pool)(ctx)
}

type queries struct {
	db pg.DBTX
}

// wrapErr maps driver errors onto package sentinels.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case pg.IsNotFoundError(err):
		return errors.Join(ErrNotFound, fmt.Errorf("%s: %w", op, err))
	case pg.IsDuplicateKeyError(err):
		return errors.Join(ErrDuplicate, fmt.Errorf("%s: %w", op, err))
	case pg.IsForeignKeyViolationError(err):
		return errors.Join(ErrReferenced, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

const serverColumns = `id, name, vendor, base_url, admin_token_enc, machine_id, created_at`

func scanServer(row pgx.Row) (MediaServer, error) {
	var s MediaServer
	err := row.Scan(&s.ID, &s.Name, &s.Vendor, &s.BaseURL, &s.AdminToken, &s.MachineID, &s.CreatedAt)
	return s, err
}

func (q *queries) ListServers(ctx context.Context) ([]MediaServer, error) {
	rows, err := q.db.Query(ctx, `SELECT `+serverColumns+` FROM media_servers ORDER BY created_at, name`)
	if err != nil {
		return nil, wrapErr("list servers", err)
	}
	defer rows.Close()

	var out []MediaServer
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, wrapErr("scan server", err)
		}
		out = append(out, s)
	}
	return out, wrapErr("list servers", rows.Err())
}

func (q *queries) GetServer(ctx context.Context, id uuid.UUID) (MediaServer, error) {
	s, err := scanServer(q.db.QueryRow(ctx, `SELECT `+serverColumns+` FROM media_servers WHERE id = $1`, id))
	return s, wrapErr("get server", err)
}

func (q *queries) UpsertServer(ctx context.Context, s MediaServer) (MediaServer, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	out, err := scanServer(q.db.QueryRow(ctx, `
		INSERT INTO media_servers (id, name, vendor, base_url, admin_token_enc, machine_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			vendor = EXCLUDED.vendor,
			base_url = EXCLUDED.base_url,
			admin_token_enc = EXCLUDED.admin_token_enc,
			machine_id = EXCLUDED.machine_id
		RETURNING `+serverColumns,
		s.ID, s.Name, s.Vendor, s.BaseURL, s.AdminToken, s.MachineID))
	return out, wrapErr("upsert server", err)
}

func (q *queries) ListLibraries(ctx context.Context, serverID uuid.UUID) ([]Library, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, server_id, external_id, name, enabled
		FROM libraries WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, wrapErr("list libraries", err)
	}
	return collectLibraries(rows)
}

func collectLibraries(rows pgx.Rows) ([]Library, error) {
	defer rows.Close()
	var out []Library
	for rows.Next() {
		var l Library
		if err := rows.Scan(&l.ID, &l.ServerID, &l.ExternalID, &l.Name, &l.Enabled); err != nil {
			return nil, wrapErr("scan library", err)
		}
		out = append(out, l)
	}
	return out, wrapErr("list libraries", rows.Err())
}

func (q *queries) UpsertLibrary(ctx context.Context, l Library) (Library, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO libraries (id, server_id, external_id, name, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id, external_id) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled
		RETURNING id`,
		l.ID, l.ServerID, l.ExternalID, l.Name, l.Enabled).Scan(&l.ID)
	return l, wrapErr("upsert library", err)
}

const userColumns = `id, email, username, token, code, expires, server_id, photo, created_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.Token, &u.Code, &u.Expires, &u.ServerID, &u.Photo, &u.CreatedAt)
	if u.Expires != nil {
		t := u.Expires.UTC()
		u.Expires = &t
	}
	return u, err
}

func (q *queries) listUsers(ctx context.Context, op, where string, args ...any) ([]User, error) {
	return q.queryUsers(ctx, op, `SELECT `+userColumns+` FROM users WHERE `+where+` ORDER BY created_at, id`, args...)
}

func (q *queries) queryUsers(ctx context.Context, op, query string, args ...any) ([]User, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, u)
	}
	return out, wrapErr(op, rows.Err())
}

func (q *queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := scanUser(q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, wrapErr("get user", err)
}

func (q *queries) FindUsersByEmail(ctx context.Context, email string) ([]User, error) {
	return q.listUsers(ctx, "find users by email", `email <> '' AND lower(email) = lower($1)`, email)
}

func (q *queries) LockUsersByEmail(ctx context.Context, email string) ([]User, error) {
	return q.queryUsers(ctx, "lock users by email", `SELECT `+userColumns+` FROM users
		WHERE email <> '' AND lower(email) = lower($1) ORDER BY created_at, id FOR UPDATE`, email)
}

func (q *queries) FindUsersByUsername(ctx context.Context, username string) ([]User, error) {
	return q.listUsers(ctx, "find users by username", `username <> '' AND lower(username) = lower($1)`, username)
}

func (q *queries) FindUserByCode(ctx context.Context, code string) (User, error) {
	u, err := scanUser(q.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(code) = lower($1) ORDER BY created_at LIMIT 1`, code))
	return u, wrapErr("find user by code", err)
}

func (q *queries) ListUsersByServer(ctx context.Context, serverID uuid.UUID) ([]User, error) {
	return q.listUsers(ctx, "list users by server", `server_id = $1`, serverID)
}

func (q *queries) ListExpiredUsers(ctx context.Context, now time.Time) ([]User, error) {
	return q.listUsers(ctx, "list expired users", `expires IS NOT NULL AND expires <= $1`, now.UTC())
}

func (q *queries) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, wrapErr("count users", err)
}

func (q *queries) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	out, err := scanUser(q.db.QueryRow(ctx, `
		INSERT INTO users (id, email, username, token, code, expires, server_id, photo)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		u.ID, u.Email, u.Username, u.Token, u.Code, utcPtr(u.Expires), u.ServerID, u.Photo))
	return out, wrapErr("create user", err)
}

func (q *queries) UpdateUser(ctx context.Context, u User) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE users SET email = $2, username = $3, token = $4, code = $5, expires = $6, server_id = $7, photo = $8
		WHERE id = $1`,
		u.ID, u.Email, u.Username, u.Token, u.Code, utcPtr(u.Expires), u.ServerID, u.Photo)
	if err != nil {
		return wrapErr("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Join(ErrNotFound, fmt.Errorf("update user %s", u.ID))
	}
	return nil
}

// DeleteUser skips rows that own payments instead of tripping the foreign
// key, since a violation would abort the surrounding transaction.
func (q *queries) DeleteUser(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM users WHERE id = $1
			AND NOT EXISTS (SELECT 1 FROM payments WHERE user_id = $1)`, id)
	if err != nil {
		return wrapErr("delete user", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return wrapErr("delete user", err)
	}
	if exists {
		return errors.Join(ErrReferenced, fmt.Errorf("user %s has payments", id))
	}
	return errors.Join(ErrNotFound, fmt.Errorf("delete user %s", id))
}

const invitationColumns = `id, code, expires, used, used_at, used_by, unlimited, duration_days, server_id,
	plex_allow_sync, plex_allow_channels, plex_home, created_at`

func scanInvitation(row pgx.Row) (Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.ID, &inv.Code, &inv.Expires, &inv.Used, &inv.UsedAt, &inv.UsedBy, &inv.Unlimited,
		&inv.DurationDays, &inv.ServerID, &inv.PlexAllowSync, &inv.PlexAllowChannels, &inv.PlexHome, &inv.CreatedAt)
	return inv, err
}

func (q *queries) invitationByCode(ctx context.Context, op, suffix, code string) (Invitation, error) {
	inv, err := scanInvitation(q.db.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE lower(code) = lower($1)`+suffix, code))
	if err != nil {
		return inv, wrapErr(op, err)
	}
	rows, err := q.db.Query(ctx, `SELECT library_id FROM invitation_libraries WHERE invitation_id = $1`, inv.ID)
	if err != nil {
		return inv, wrapErr(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	inv.LibraryIDs = ids
	return inv, wrapErr(op, err)
}

func (q *queries) GetInvitationByCode(ctx context.Context, code string) (Invitation, error) {
	return q.invitationByCode(ctx, "get invitation", "", code)
}

func (q *queries) LockInvitation(ctx context.Context, code string) (Invitation, error) {
	return q.invitationByCode(ctx, "lock invitation", " FOR UPDATE", code)
}

func (q *queries) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO invitations (id, code, expires, unlimited, duration_days, server_id,
			plex_allow_sync, plex_allow_channels, plex_home)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		inv.ID, inv.Code, utcPtr(inv.Expires), inv.Unlimited, inv.DurationDays, inv.ServerID,
		inv.PlexAllowSync, inv.PlexAllowChannels, inv.PlexHome).Scan(&inv.CreatedAt)
	if err != nil {
		return inv, wrapErr("create invitation", err)
	}
	for _, libID := range inv.LibraryIDs {
		if _, err := q.db.Exec(ctx,
			`INSERT INTO invitation_libraries (invitation_id, library_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			inv.ID, libID); err != nil {
			return inv, wrapErr("link invitation library", err)
		}
	}
	return inv, nil
}

func (q *queries) MarkInvitationUsed(ctx context.Context, id, userID uuid.UUID, at time.Time, used bool) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE invitations SET used_by = $2, used_at = $3, used = used OR $4 WHERE id = $1`,
		id, userID, at.UTC(), used)
	if err != nil {
		return wrapErr("mark invitation used", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Join(ErrNotFound, fmt.Errorf("mark invitation %s", id))
	}
	return nil
}

func (q *queries) InvitationLibraries(ctx context.Context, invitationID uuid.UUID) ([]Library, error) {
	rows, err := q.db.Query(ctx, `
		SELECT l.id, l.server_id, l.external_id, l.name, l.enabled
		FROM libraries l JOIN invitation_libraries il ON il.library_id = l.id
		WHERE il.invitation_id = $1 ORDER BY l.name`, invitationID)
	if err != nil {
		return nil, wrapErr("invitation libraries", err)
	}
	return collectLibraries(rows)
}

func (q *queries) InvitationStats(ctx context.Context, now time.Time) (InvitationStats, error) {
	var s InvitationStats
	err := q.db.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE NOT used AND (expires IS NULL OR expires > $1)),
			count(*) FILTER (WHERE expires IS NOT NULL AND expires < $1)
		FROM invitations`, now.UTC()).Scan(&s.Total, &s.Pending, &s.Expired)
	return s, wrapErr("invitation stats", err)
}

func (q *queries) PaymentExists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE transaction_id = $1)`, transactionID).Scan(&exists)
	return exists, wrapErr("payment exists", err)
}

func (q *queries) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, transaction_id, message_id, amount_cents, currency, from_name,
			message, months, processed, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		p.ID, p.UserID, p.TransactionID, p.MessageID, p.AmountCents, p.Currency, p.FromName,
		p.Message, p.Months, p.Processed, utcPtr(p.ProcessedAt)).Scan(&p.CreatedAt)
	return p, wrapErr("create payment", err)
}

func (q *queries) ListPaymentsByUser(ctx context.Context, userID uuid.UUID) ([]Payment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, transaction_id, message_id, amount_cents, currency, from_name, message,
			months, processed, processed_at, created_at
		FROM payments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, wrapErr("list payments", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.TransactionID, &p.MessageID, &p.AmountCents, &p.Currency,
			&p.FromName, &p.Message, &p.Months, &p.Processed, &p.ProcessedAt, &p.CreatedAt); err != nil {
			return nil, wrapErr("scan payment", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("list payments", rows.Err())
}

func (q *queries) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, wrapErr("list settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapErr("scan setting", err)
		}
		out[k] = v
	}
	return out, wrapErr("list settings", rows.Err())
}

func (q *queries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return wrapErr("put setting", err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
