package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/statemachine"
	"github.com/dmitrymomot/mediagate/store"
	"github.com/dmitrymomot/mediagate/svc/media"
)

// redemption carries one attempt through the transaction and the machine action.
type redemption struct {
	q        store.Querier
	inv      store.Invitation
	server   store.MediaServer
	client   media.Client
	identity media.Identity
	remoteID string
	photo    string
	now      time.Time

	user   store.User
	reused bool
}

// RedeemToken redeems code for a user who signed in to the vendor's token
// handshake. Only token vendors accept it.
func (s *Service) RedeemToken(ctx context.Context, code, userToken string) (store.User, error) {
	inv, server, client, err := s.prepare(ctx, code, media.AuthToken)
	if err != nil {
		return store.User{}, err
	}
	ti, ok := client.(media.TokenIdentity)
	if !ok || strings.TrimSpace(userToken) == "" {
		return store.User{}, ErrAuthModeMismatch
	}
	acc, err := ti.ResolveAccount(ctx, userToken)
	if err != nil {
		s.log.WarnContext(ctx, "resolve token account failed", logger.ServerID(server.ID), logger.Error(err))
		return store.User{}, errors.Join(ErrInvalidToken, err)
	}
	if acc.Email == "" {
		return store.User{}, ErrMissingIdentity
	}

	r := &redemption{
		inv:      inv,
		server:   server,
		client:   client,
		identity: media.Identity{Email: acc.Email, Username: acc.Username},
		remoteID: acc.ID,
		photo:    acc.Photo,
	}
	user, err := s.redeem(ctx, r)
	if err != nil {
		return store.User{}, err
	}
	if !r.reused {
		s.enqueuePostJoin(ctx, PostJoin{ServerID: server.ID, UserID: user.ID, UserToken: userToken})
	}
	return user, nil
}

// RedeemCredentials redeems code by creating a password account on a
// password vendor.
func (s *Service) RedeemCredentials(ctx context.Context, code, username, email, password string) (store.User, error) {
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return store.User{}, ErrMissingIdentity
	}
	inv, server, client, err := s.prepare(ctx, code, media.AuthPassword)
	if err != nil {
		return store.User{}, err
	}
	return s.redeem(ctx, &redemption{
		inv:      inv,
		server:   server,
		client:   client,
		identity: media.Identity{Email: email, Username: username, Password: password},
	})
}

func (s *Service) prepare(ctx context.Context, code string, mode media.AuthMode) (store.Invitation, store.MediaServer, media.Client, error) {
	inv, err := s.Validate(ctx, code)
	if err != nil {
		return store.Invitation{}, store.MediaServer{}, nil, err
	}
	target, err := s.TargetServer(ctx, inv)
	if err != nil {
		return store.Invitation{}, store.MediaServer{}, nil, err
	}
	client, server, err := s.media.Client(ctx, target.ID)
	if err != nil {
		return store.Invitation{}, store.MediaServer{}, nil, err
	}
	if client.AuthMode() != mode {
		return store.Invitation{}, store.MediaServer{}, nil, ErrAuthModeMismatch
	}
	return inv, server, client, nil
}

func (s *Service) redeem(ctx context.Context, r *redemption) (store.User, error) {
	vendor := string(r.server.Vendor)
	err := s.store.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		inv, err := q.LockInvitation(ctx, r.inv.Code)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInviteNotFound
		}
		if err != nil {
			return err
		}
		r.q, r.inv, r.now = q, inv, s.now().UTC()
		return newMachine(inv, r.now, s.provision).Fire(ctx, EventRedeem, r)
	})
	if err != nil {
		err = reason(err)
		result := "failed"
		if errors.Is(err, ErrInviteUsed) || errors.Is(err, ErrInviteExpired) || errors.Is(err, ErrInviteNotFound) {
			result = "rejected"
		}
		s.record(vendor, result)
		s.log.WarnContext(ctx, "redemption failed",
			logger.InviteCode(r.inv.Code), logger.ServerID(r.server.ID), logger.Vendor(vendor), logger.Error(err))
		return store.User{}, err
	}

	s.record(vendor, "ok")
	s.log.InfoContext(ctx, "invitation redeemed",
		logger.InviteCode(r.inv.Code),
		logger.UserID(r.user.ID),
		logger.ServerID(r.server.ID),
		logger.Vendor(vendor),
		slog.Bool("reused", r.reused),
	)
	if !r.reused {
		s.notify(ctx, "User Joined", fmt.Sprintf("User %s has joined your server!", displayName(r.user)))
	}
	return r.user, nil
}

// provision is the machine action for a redemption. It runs inside the
// transaction holding the invitation lock.
func (s *Service) provision(ctx context.Context, _, _ statemachine.State, _ statemachine.Event, data any) error {
	r := data.(*redemption)

	existing, err := s.existingUsers(ctx, r)
	if err != nil {
		return err
	}

	var row *store.User
	for i := range existing {
		u := existing[i]
		if u.Code == r.inv.Code || (r.inv.UsedBy != nil && *r.inv.UsedBy == u.ID) {
			// Retry of a redemption that already provisioned this account.
			r.user, r.reused = u, true
			return r.q.MarkInvitationUsed(ctx, r.inv.ID, u.ID, r.now, !r.inv.Unlimited)
		}
	}
	for i := range existing {
		err := r.q.DeleteUser(ctx, existing[i].ID)
		switch {
		case errors.Is(err, store.ErrReferenced):
			if row == nil {
				row = &existing[i]
			}
		case err != nil:
			return err
		}
	}

	libraries, err := s.libraries(ctx, r.q, r.inv, r.server.ID)
	if err != nil {
		return err
	}
	perms := media.Permissions{
		AllowSync:     r.inv.PlexAllowSync,
		AllowChannels: r.inv.PlexAllowChannels,
		Home:          r.inv.PlexHome,
	}
	remote, err := r.client.InviteUser(ctx, r.identity, libraries, perms)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RemoteError(string(r.server.Vendor), "invite")
		}
		s.log.ErrorContext(ctx, "remote provisioning failed",
			logger.InviteCode(r.inv.Code), logger.ServerID(r.server.ID), logger.Error(err))
		return errors.Join(ErrProvisioningFailed, err)
	}

	u := store.User{
		Email:    r.identity.Email,
		Username: r.identity.Username,
		Token:    firstNonEmpty(remote.ID, r.remoteID),
		Code:     r.inv.Code,
		Expires:  expiry(r.inv, r.now),
		ServerID: &r.server.ID,
		Photo:    firstNonEmpty(remote.Photo, r.photo),
	}
	if row != nil {
		u.ID, u.CreatedAt = row.ID, row.CreatedAt
		u.Expires = later(row.Expires, u.Expires)
		if err := r.q.UpdateUser(ctx, u); err != nil {
			return err
		}
	} else if u, err = r.q.CreateUser(ctx, u); err != nil {
		return err
	}

	r.user = u
	return r.q.MarkInvitationUsed(ctx, r.inv.ID, u.ID, r.now, !r.inv.Unlimited)
}

// existingUsers returns local rows for the redeeming identity on the target server.
func (s *Service) existingUsers(ctx context.Context, r *redemption) ([]store.User, error) {
	users, err := r.q.LockUsersByEmail(ctx, r.identity.Email)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ServerID != nil && *u.ServerID == r.server.ID {
			out = append(out, u)
		}
	}
	return out, nil
}

// libraries returns the external ids to share: the invitation's allow-list,
// else every enabled library of the server. Nil lets the vendor share all.
func (s *Service) libraries(ctx context.Context, q store.Querier, inv store.Invitation, serverID uuid.UUID) ([]string, error) {
	libs, err := q.InvitationLibraries(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		all, err := q.ListLibraries(ctx, serverID)
		if err != nil {
			return nil, err
		}
		for _, l := range all {
			if l.Enabled {
				libs = append(libs, l)
			}
		}
	}
	if len(libs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(libs))
	for _, l := range libs {
		ids = append(ids, l.ExternalID)
	}
	return ids, nil
}

func (s *Service) record(vendor, result string) {
	if s.metrics != nil {
		s.metrics.Redemption(vendor, result)
	}
}

func (s *Service) notify(ctx context.Context, title, message string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), JoinNotice{Title: title, Message: message}); err != nil {
		s.log.WarnContext(ctx, "join notification not scheduled", logger.Error(err))
	}
}

func (s *Service) enqueuePostJoin(ctx context.Context, task PostJoin) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		s.log.WarnContext(ctx, "post-join setup not scheduled", logger.UserID(task.UserID), logger.Error(err))
	}
}

// expiry is the access deadline granted by inv, or nil for no limit.
func expiry(inv store.Invitation, now time.Time) *time.Time {
	if inv.DurationDays == nil || *inv.DurationDays <= 0 {
		return nil
	}
	t := now.UTC().AddDate(0, 0, *inv.DurationDays)
	return &t
}

// later returns the later deadline; nil means no limit and always wins.
func later(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		return a
	}
	return b
}

func displayName(u store.User) string {
	return firstNonEmpty(u.Username, u.Email)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
