package payment

import (
	"context"
	"math"
	"time"

	"github.com/dmitrymomot/mediagate/store"
)

// Status summarizes a user's entitlement for the account page.
type Status struct {
	Active        bool            `json:"active"`
	Expires       *time.Time      `json:"expires"`
	DaysRemaining int             `json:"days_remaining"`
	Payments      []store.Payment `json:"payments"`
}

// StatusFor reports u's entitlement with its payments, newest first.
func (s *Service) StatusFor(ctx context.Context, u store.User) (Status, error) {
	now := s.now().UTC()
	st := Status{Active: u.Expires == nil || u.Expires.UTC().After(now)}
	if u.Expires != nil {
		exp := u.Expires.UTC()
		st.Expires = &exp
		if st.Active {
			st.DaysRemaining = int(math.Ceil(exp.Sub(now).Hours() / 24))
		}
	}
	payments, err := s.store.ListPaymentsByUser(ctx, u.ID)
	if err != nil {
		return Status{}, err
	}
	st.Payments = payments
	return st, nil
}
