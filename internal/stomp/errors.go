package stomp

import "errors"

// Sentinel errors surfaced as ERROR frames by the command handlers.
var (
	ErrAlreadyConnected      = errors.New("already connected")
	ErrNotConnected          = errors.New("not connected")
	ErrUnsupportedVersion    = errors.New("no common STOMP version")
	ErrAuthenticationFailed  = errors.New("Authentication failed")
	ErrDuplicateSubscription = errors.New("duplicate subscription id")
	ErrUnknownSubscription   = errors.New("unknown subscription")
	ErrMissingDestination    = errors.New("destination header is required")
	ErrMissingID             = errors.New("id header is required")
	ErrMissingTransaction    = errors.New("transaction header is required")
	ErrTransactionExists     = errors.New("Already existing transaction")
	ErrUnknownTransaction    = errors.New("Unknown transaction")
	ErrTooManyFramesInTx     = errors.New("too many frames in transaction")
)
