package utils

import "errors"

// Common application errors used across services. The orchestrator maps
// these to client-visible status codes; the string values are stable codes
// that appear in logs and error envelopes.
var (
	ErrTenantNotFound     = errors.New("TENANT_NOT_FOUND")
	ErrConfiguration      = errors.New("GATEWAY_CONFIGURATION")
	ErrSsrfBlocked        = errors.New("ORIGIN_BLOCKED")
	ErrPaymentInvalid     = errors.New("PAYMENT_INVALID")
	ErrSettlementRejected = errors.New("SETTLEMENT_REJECTED")
	ErrSettlementFailed   = errors.New("SETTLEMENT_UNREACHABLE")
	ErrOriginTimeout      = errors.New("ORIGIN_TIMEOUT")
	ErrOriginUnreachable  = errors.New("ORIGIN_UNREACHABLE")
)
