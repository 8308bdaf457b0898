package domain

import "errors"

var (
	// ErrInvalidMessage indicates a message that failed shape validation
	ErrInvalidMessage = errors.New("invalid message")
	// ErrRateLimited indicates an initialization attempt inside the cooldown window
	ErrRateLimited = errors.New("initialization rate limited")
	// ErrNotReady indicates no usable state token is held
	ErrNotReady = errors.New("no usable state token")
	// ErrTokenExpired indicates the held state token was rejected by the backend
	ErrTokenExpired = errors.New("state token expired or invalid")
	// ErrRetryExhausted indicates the append retry budget was spent without success
	ErrRetryExhausted = errors.New("append retry budget exhausted")
	// ErrBackendUnavailable indicates the backend could not be reached
	ErrBackendUnavailable = errors.New("backend unreachable")
	// ErrNoUsableState indicates a recall found no state for the held token
	ErrNoUsableState = errors.New("no usable conversation state")
)
