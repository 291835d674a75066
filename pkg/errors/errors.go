// Package apperrors holds sentinel errors used to classify broker vendor
// responses before they are mapped onto the core typed error taxonomy.
package apperrors

import "errors"

// Standardized broker vendor errors, matched against response bodies/codes
// during vendor-status normalization.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrBrokerMaintenance     = errors.New("broker maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)
