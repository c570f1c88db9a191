package webhook

import "errors"

var (
	ErrInvalidURL       = errors.New("webhook: invalid url")
	ErrMissingSecret    = errors.New("webhook: signing secret is required")
	ErrEmptyPayload     = errors.New("webhook: payload is empty")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrSignatureExpired = errors.New("webhook: signature timestamp outside tolerance")
	ErrPermanentFailure = errors.New("webhook: permanent delivery failure")
	ErrDeliveryFailed   = errors.New("webhook: delivery failed")
)
