package domain

import "errors"

var (
	// ErrMalformedSignal: the raw payload carries no recognizable
	// correlation key. Logged and dropped, never retried.
	ErrMalformedSignal = errors.New("malformed payment signal")

	// ErrOrderNotFound: the signal correlates to nothing in the ledger.
	ErrOrderNotFound = errors.New("order not found")

	// ErrBusy: another finalize holds the order lock. The caller should
	// re-poll later, never duplicate the attempt.
	ErrBusy = errors.New("order reconciliation in progress")

	// ErrGatewayUnavailable: the payment gateway could not be reached.
	// Degrades to "still pending", never to a terminal failure.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)
