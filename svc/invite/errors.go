package invite

import "errors"

// User-facing validation failures. Their text is shown as is.
var (
	ErrInviteNotFound = errors.New("Invalid code")
	ErrInviteExpired  = errors.New("Invitation has expired.")
	ErrInviteUsed     = errors.New("This invitation has already been used.")
)

var (
	ErrNoServer           = errors.New("invite: no media server configured")
	ErrServerAmbiguous    = errors.New("invite: invitation is not bound to a server and several are configured")
	ErrAuthModeMismatch   = errors.New("invite: server does not support this sign-in method")
	ErrInvalidToken       = errors.New("invite: media token rejected")
	ErrMissingIdentity    = errors.New("invite: username and email are required")
	ErrProvisioningFailed = errors.New("invite: could not create the account on the media server")
	ErrInvalidCode        = errors.New("invite: code must be 4 to 32 letters or digits")
	ErrCodeTaken          = errors.New("invite: code already exists")
)
