package core

import "errors"

// Error taxonomy for engine callers. Submit and the query operations always
// return either a record in a definite state or one of these, wrapped with
// detail; errors.Is distinguishes "definitely not submitted" (ErrInvalidRequest,
// ErrRateExceeded, ErrTransientNetwork) from "ambiguous" from "definitely
// rejected"; only the first group is safe to retry with a fresh key.
var (
	// ErrInvalidRequest indicates a malformed request, failed before any network call.
	ErrInvalidRequest = errors.New("invalid order request")
	// ErrRateExceeded indicates the rate budget stayed exhausted for the caller's timeout.
	ErrRateExceeded = errors.New("rate budget exceeded")
	// ErrTransientNetwork indicates a network failure that survived the client's retries.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrRejectedByExchange indicates an exchange-side business rejection; never retried.
	ErrRejectedByExchange = errors.New("order rejected by exchange")
	// ErrAmbiguousOutcome indicates a network failure after dispatch, before the ack;
	// resolved only by reconciliation, never by blind retry.
	ErrAmbiguousOutcome = errors.New("ambiguous order outcome")
	// ErrOrderNotFound indicates the order is unknown locally or on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrAlreadyTerminal indicates the order reached a terminal state already.
	ErrAlreadyTerminal = errors.New("order already terminal")

	// ErrInsufficientBalance refines ErrRejectedByExchange for funding rejections.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
)
