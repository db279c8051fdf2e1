package gateway

import "errors"

var (
	// Authorization failures: rejected before any item is dispatched.
	ErrUnauthorizedRelayer = errors.New("relayer not authorized")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrExpired             = errors.New("deadline expired")

	// Precondition failures: bad input shape, no state touched.
	ErrEmptyBatch = errors.New("empty batch")
	ErrZeroTarget = errors.New("item targets the zero address")

	// Value accounting failures: financial correctness over partial progress.
	ErrIncorrectValue = errors.New("attached value does not match required value")
	ErrRefundFailed   = errors.New("refund transfer failed")

	ErrPaused     = errors.New("gateway paused")
	ErrReentrancy = errors.New("reentrant call rejected")
	ErrNotOwner   = errors.New("caller is not the owner")
)
