package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Transactions are serialized and rolled back
// by restoring a snapshot. Writes made outside a transaction wait for the
// open one to finish, so a rollback never discards them.
type Memory struct {
	*memState
	txMu sync.Mutex
}

// memState holds the data and implements Querier without transaction locking.
// Transactions run against it directly.
type memState struct {
	mu   sync.RWMutex
	data *memData
	now  func() time.Time
	last time.Time
}

type memData struct {
	servers     map[uuid.UUID]MediaServer
	libraries   map[uuid.UUID]Library
	users       map[uuid.UUID]User
	invitations map[uuid.UUID]Invitation
	payments    map[uuid.UUID]Payment
	settings    map[string]string
}

func newMemData() *memData {
	return &memData{
		servers:     make(map[uuid.UUID]MediaServer),
		libraries:   make(map[uuid.UUID]Library),
		users:       make(map[uuid.UUID]User),
		invitations: make(map[uuid.UUID]Invitation),
		payments:    make(map[uuid.UUID]Payment),
		settings:    make(map[string]string),
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		servers:     maps.Clone(d.servers),
		libraries:   maps.Clone(d.libraries),
		users:       maps.Clone(d.users),
		invitations: make(map[uuid.UUID]Invitation, len(d.invitations)),
		payments:    maps.Clone(d.payments),
		settings:    maps.Clone(d.settings),
	}
	for id, inv := range d.invitations {
		inv.LibraryIDs = slices.Clone(inv.LibraryIDs)
		c.invitations[id] = inv
	}
	return c
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{memState: &memState{data: newMemData(), now: time.Now}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			m.restore(snapshot)
			panic(p)
		}
		if err != nil {
			m.restore(snapshot)
		}
	}()
	return fn(ctx, m.memState)
}

// stamp returns a strictly increasing creation time so "oldest first" is stable.
// Callers must hold m.mu.
func (m *memState) stamp() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *memState) restore(snapshot *memData) {
	m.mu.Lock()
	m.data = snapshot
	m.mu.Unlock()
}

func (m *Memory) Ping(context.Context) error { return nil }

func notFound(kind string, key any) error {
	return errors.Join(ErrNotFound, fmt.Errorf("%s %v", kind, key))
}

func (m *memState) ListServers(context.Context) ([]MediaServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Collect(maps.Values(m.data.servers))
	slices.SortFunc(out, func(a, b MediaServer) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (m *memState) GetServer(_ context.Context, id uuid.UUID) (MediaServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.servers[id]
	if !ok {
		return MediaServer{}, notFound("server", id)
	}
	return s, nil
}

func (m *memState) UpsertServer(_ context.Context, s MediaServer) (MediaServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.servers {
		if existing.Name == s.Name {
			s.ID = existing.ID
			s.CreatedAt = existing.CreatedAt
			m.data.servers[s.ID] = s
			return s, nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = m.stamp()
	m.data.servers[s.ID] = s
	return s, nil
}

func (m *memState) ListLibraries(_ context.Context, serverID uuid.UUID) ([]Library, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Library
	for _, l := range m.data.libraries {
		if l.ServerID == serverID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Library) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memState) UpsertLibrary(_ context.Context, l Library) (Library, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.libraries {
		if existing.ServerID == l.ServerID && existing.ExternalID == l.ExternalID {
			l.ID = existing.ID
			m.data.libraries[l.ID] = l
			return l, nil
		}
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.data.libraries[l.ID] = l
	return l, nil
}

func (m *memState) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.data.users[id]
	if !ok {
		return User{}, notFound("user", id)
	}
	return u, nil
}

func (m *memState) filterUsers(match func(User) bool) []User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.data.users {
		if match(u) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (m *memState) FindUsersByEmail(_ context.Context, email string) ([]User, error) {
	return m.filterUsers(func(u User) bool {
		return u.Email != "" && strings.EqualFold(u.Email, email)
	}), nil
}

// LockUsersByEmail is a plain read; WithTx already serializes writers.
func (m *memState) LockUsersByEmail(ctx context.Context, email string) ([]User, error) {
	return m.FindUsersByEmail(ctx, email)
}

func (m *memState) FindUsersByUsername(_ context.Context, username string) ([]User, error) {
	return m.filterUsers(func(u User) bool {
		return u.Username != "" && strings.EqualFold(u.Username, username)
	}), nil
}

func (m *memState) FindUserByCode(_ context.Context, code string) (User, error) {
	users := m.filterUsers(func(u User) bool { return strings.EqualFold(u.Code, code) })
	if len(users) == 0 {
		return User{}, notFound("user with code", code)
	}
	return users[0], nil
}

func (m *memState) ListUsersByServer(_ context.Context, serverID uuid.UUID) ([]User, error) {
	return m.filterUsers(func(u User) bool { return u.ServerID != nil && *u.ServerID == serverID }), nil
}

func (m *memState) ListExpiredUsers(_ context.Context, now time.Time) ([]User, error) {
	return m.filterUsers(func(u User) bool { return u.Expires != nil && !u.Expires.After(now) }), nil
}

func (m *memState) CountUsers(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data.users), nil
}

func (m *memState) CreateUser(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if _, exists := m.data.users[u.ID]; exists {
		return User{}, errors.Join(ErrDuplicate, fmt.Errorf("user %s", u.ID))
	}
	u.Expires = utcPtr(u.Expires)
	u.CreatedAt = m.stamp()
	m.data.users[u.ID] = u
	return u, nil
}

func (m *memState) UpdateUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.data.users[u.ID]
	if !ok {
		return notFound("user", u.ID)
	}
	u.CreatedAt = existing.CreatedAt
	u.Expires = utcPtr(u.Expires)
	m.data.users[u.ID] = u
	return nil
}

func (m *memState) DeleteUser(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.users[id]; !ok {
		return notFound("user", id)
	}
	for _, p := range m.data.payments {
		if p.UserID == id {
			return errors.Join(ErrReferenced, fmt.Errorf("user %s has payments", id))
		}
	}
	delete(m.data.users, id)
	for invID, inv := range m.data.invitations {
		if inv.UsedBy != nil && *inv.UsedBy == id {
			inv.UsedBy = nil
			m.data.invitations[invID] = inv
		}
	}
	return nil
}

func (m *memState) GetInvitationByCode(_ context.Context, code string) (Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.data.invitations {
		if strings.EqualFold(inv.Code, code) {
			inv.LibraryIDs = slices.Clone(inv.LibraryIDs)
			return inv, nil
		}
	}
	return Invitation{}, notFound("invitation", code)
}

// LockInvitation is a plain read; WithTx already serializes writers.
func (m *memState) LockInvitation(ctx context.Context, code string) (Invitation, error) {
	return m.GetInvitationByCode(ctx, code)
}

func (m *memState) CreateInvitation(_ context.Context, inv Invitation) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.invitations {
		if strings.EqualFold(existing.Code, inv.Code) {
			return Invitation{}, errors.Join(ErrDuplicate, fmt.Errorf("invitation %s", inv.Code))
		}
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.Expires = utcPtr(inv.Expires)
	inv.CreatedAt = m.stamp()
	inv.LibraryIDs = slices.Clone(inv.LibraryIDs)
	m.data.invitations[inv.ID] = inv
	return inv, nil
}

func (m *memState) MarkInvitationUsed(_ context.Context, id, userID uuid.UUID, at time.Time, used bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.data.invitations[id]
	if !ok {
		return notFound("invitation", id)
	}
	at = at.UTC()
	inv.UsedBy = &userID
	inv.UsedAt = &at
	inv.Used = inv.Used || used
	m.data.invitations[id] = inv
	return nil
}

func (m *memState) InvitationLibraries(_ context.Context, invitationID uuid.UUID) ([]Library, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.data.invitations[invitationID]
	if !ok {
		return nil, nil
	}
	var out []Library
	for _, id := range inv.LibraryIDs {
		if l, ok := m.data.libraries[id]; ok {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Library) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *memState) InvitationStats(_ context.Context, now time.Time) (InvitationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s InvitationStats
	for _, inv := range m.data.invitations {
		s.Total++
		if !inv.Used && (inv.Expires == nil || inv.Expires.After(now)) {
			s.Pending++
		}
		if inv.Expires != nil && inv.Expires.Before(now) {
			s.Expired++
		}
	}
	return s, nil
}

func (m *memState) PaymentExists(_ context.Context, transactionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.data.payments {
		if p.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) CreatePayment(_ context.Context, p Payment) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.payments {
		if existing.TransactionID == p.TransactionID {
			return Payment{}, errors.Join(ErrDuplicate, fmt.Errorf("payment %s", p.TransactionID))
		}
	}
	if _, ok := m.data.users[p.UserID]; !ok {
		return Payment{}, errors.Join(ErrReferenced, fmt.Errorf("payment owner %s", p.UserID))
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.ProcessedAt = utcPtr(p.ProcessedAt)
	p.CreatedAt = m.stamp()
	m.data.payments[p.ID] = p
	return p, nil
}

func (m *memState) ListPaymentsByUser(_ context.Context, userID uuid.UUID) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.data.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Payment) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memState) ListSettings(context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data.settings), nil
}

func (m *memState) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.settings[key] = value
	return nil
}

// locked runs fn outside any transaction once the open one has finished.
func locked[T any](m *Memory, fn func() (T, error)) (T, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn()
}

func (m *Memory) UpsertServer(ctx context.Context, s MediaServer) (MediaServer, error) {
	return locked(m, func() (MediaServer, error) { return m.memState.UpsertServer(ctx, s) })
}

func (m *Memory) UpsertLibrary(ctx context.Context, l Library) (Library, error) {
	return locked(m, func() (Library, error) { return m.memState.UpsertLibrary(ctx, l) })
}

func (m *Memory) CreateUser(ctx context.Context, u User) (User, error) {
	return locked(m, func() (User, error) { return m.memState.CreateUser(ctx, u) })
}

func (m *Memory) UpdateUser(ctx context.Context, u User) error {
	_, err := locked(m, func() (struct{}, error) { return struct{}{}, m.memState.UpdateUser(ctx, u) })
	return err
}

func (m *Memory) DeleteUser(ctx context.Context, id uuid.UUID) error {
	_, err := locked(m, func() (struct{}, error) { return struct{}{}, m.memState.DeleteUser(ctx, id) })
	return err
}

func (m *Memory) CreateInvitation(ctx context.Context, inv Invitation) (Invitation, error) {
	return locked(m, func() (Invitation, error) { return m.memState.CreateInvitation(ctx, inv) })
}

func (m *Memory) MarkInvitationUsed(ctx context.Context, id, userID uuid.UUID, at time.Time, used bool) error {
	_, err := locked(m, func() (struct{}, error) {
		return struct{}{}, m.memState.MarkInvitationUsed(ctx, id, userID, at, used)
	})
	return err
}

func (m *Memory) CreatePayment(ctx context.Context, p Payment) (Payment, error) {
	return locked(m, func() (Payment, error) { return m.memState.CreatePayment(ctx, p) })
}

func (m *Memory) PutSetting(ctx context.Context, key, value string) error {
	_, err := locked(m, func() (struct{}, error) { return struct{}{}, m.memState.PutSetting(ctx, key, value) })
	return err
}
