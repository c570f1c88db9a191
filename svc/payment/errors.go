package payment

import "errors"

var (
	ErrNoData        = errors.New("payment: no data")
	ErrInvalidData   = errors.New("payment: invalid data")
	ErrUnauthorized  = errors.New("payment: verification token mismatch")
	ErrInvalidAmount = errors.New("payment: amount matches no price tier")
	ErrUserNotFound  = errors.New("payment: no user for payment")
	ErrNoServer      = errors.New("payment: user has no media server")
)
