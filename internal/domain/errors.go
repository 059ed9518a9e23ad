package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Handlers map these to transport codes with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSignatureInvalid  = errors.New("webhook signature invalid")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRateUnavailable   = errors.New("exchange rate unavailable")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrProviderTimeout   = errors.New("payment provider did not answer in time")
	ErrProviderDeclined  = errors.New("payment declined by provider")
	ErrCartConverted     = errors.New("cart already converted to an order")
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// DeclinedError is a provider-confirmed rejection. Message is kept verbatim for support.
type DeclinedError struct {
	Provider string
	Message  string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%s declined payment: %s", e.Provider, e.Message)
}

func (e *DeclinedError) Unwrap() error {
	return ErrProviderDeclined
}

// Validationf builds an ErrValidation with context.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
