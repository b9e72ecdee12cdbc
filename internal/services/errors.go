package services

import (
	"errors"
	"fmt"

	"github.com/example/stablepay/internal/coinsub"
)

var (
	ErrDuplicateOrder       = errors.New("client already has an active order intent")
	ErrSessionConflict      = errors.New("purchase session conflicts with an existing intent")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrOrderNotFound        = errors.New("order intent not found")
	ErrAuthenticationFailed = errors.New("webhook authentication failed")
	ErrProviderUnavailable  = coinsub.ErrProviderUnavailable
	ErrMalformedPayload     = coinsub.ErrMalformedPayload
	ErrCheckoutInProgress   = errors.New("checkout already in progress, try again")
	ErrOrderIDTaken         = errors.New("order id already used by another client")
	ErrOrderClosed          = errors.New("order is closed and can no longer be paid")
	ErrInvalidCheckout      = errors.New("invalid checkout request")
	ErrMerchantMismatch     = errors.New("webhook merchant does not match configured merchant")

	// ErrAmbiguousMatch is reported when the order reference and the session
	// id point at different intents. It is a not-found for callers.
	ErrAmbiguousMatch = fmt.Errorf("%w: reference and session resolve to different intents", ErrOrderNotFound)
)
