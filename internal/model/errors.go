package model

import "errors"

// Sentinel errors returned by the settlement engine. Callers match them with
// errors.Is; the HTTP layer maps them to status codes.
var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrPositionNotFound   = errors.New("position_not_found")
	ErrContractNotFound   = errors.New("contract_not_found")
	ErrContractInUse      = errors.New("contract_in_use")
	ErrFundNotFound       = errors.New("fund_not_found")
	ErrAmountTooSmall     = errors.New("amount_too_small")
	ErrQuoteUnavailable   = errors.New("quote_unavailable")
	ErrStorageFailure     = errors.New("storage_failure")
)

var domainErrors = []error{
	ErrInvalidAmount,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrPositionNotFound,
	ErrContractNotFound,
	ErrContractInUse,
	ErrFundNotFound,
	ErrAmountTooSmall,
	ErrQuoteUnavailable,
	ErrStorageFailure,
}

// ValidationError represents a malformed request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsDomainError reports whether err carries one of the engine's own failures,
// as opposed to an infrastructure error.
func IsDomainError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode returns a stable machine-readable code for err: the sentinel's
// text for engine errors, "invalid_request" for validation failures and
// "internal" for anything else.
func ErrorCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "invalid_request"
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "internal"
}
