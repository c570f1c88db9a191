package invite

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/mediagate/pkg/statemachine"
	"github.com/dmitrymomot/mediagate/store"
)

const (
	StateUnredeemed statemachine.State = "unredeemed"
	StateRedeemed   statemachine.State = "redeemed"

	EventRedeem statemachine.Event = "redeem"
)

// newMachine builds the lifecycle of one invitation. Unlimited invitations
// loop on unredeemed, everything else ends in redeemed.
func newMachine(inv store.Invitation, now time.Time, actions ...statemachine.Action) *statemachine.Machine {
	initial := StateUnredeemed
	if inv.Used && !inv.Unlimited {
		initial = StateRedeemed
	}
	valid := isInviteValid(inv, now)
	return statemachine.MustNew(initial,
		statemachine.WithTransition(StateUnredeemed, StateRedeemed, EventRedeem,
			[]statemachine.Guard{valid, unlimited(inv, false)}, actions...),
		statemachine.WithTransition(StateUnredeemed, StateUnredeemed, EventRedeem,
			[]statemachine.Guard{valid, unlimited(inv, true)}, actions...),
	)
}

func isInviteValid(inv store.Invitation, now time.Time) statemachine.Guard {
	return func(context.Context, statemachine.State, statemachine.Event, any) error {
		if inv.Expires != nil && !inv.Expires.UTC().After(now.UTC()) {
			return ErrInviteExpired
		}
		if inv.Used && !inv.Unlimited {
			return ErrInviteUsed
		}
		return nil
	}
}

func unlimited(inv store.Invitation, want bool) statemachine.Guard {
	return func(context.Context, statemachine.State, statemachine.Event, any) error {
		if inv.Unlimited != want {
			// Not an error the caller ever sees: the sibling transition takes over.
			return errors.New("invite: unlimited flag mismatch")
		}
		return nil
	}
}

// reason reduces a machine error to the sentinel callers match on.
func reason(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrInviteExpired, ErrInviteUsed, ErrProvisioningFailed} {
		if errors.Is(err, known) {
			return known
		}
	}
	if errors.Is(err, statemachine.ErrNoTransition) {
		return ErrInviteUsed
	}
	return err
}
