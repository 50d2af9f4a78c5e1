package workflow

import "errors"

var (
	// ErrValidation marks malformed or missing input; nothing is mutated.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks an action that is not legal for the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadySigned     = errors.New("already signed")
	ErrAlreadyFinal      = errors.New("document already final")

	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")

	ErrNotFound = errors.New("not found")

	// ErrStorageFailure marks an artifact fetch/store failure.
	ErrStorageFailure = errors.New("storage failure")
	// ErrNotificationFailure is never fatal to a transition.
	ErrNotificationFailure = errors.New("notification failure")

	// ErrNoSigners is an invariant violation: a document always has at least one signer.
	ErrNoSigners = errors.New("document has no signers")
)
