package domain

import "errors"

// Remote calendar failures. Adapters wrap these with %w so callers can
// classify with errors.Is.
var (
	ErrTransient          = errors.New("calendar: transient failure")
	ErrAuthExpired        = errors.New("calendar: authorization expired")
	ErrCursorExpired      = errors.New("calendar: sync cursor expired")
	ErrRemoteNotFound     = errors.New("calendar: event not found")
	ErrMaxRetriesExceeded = errors.New("sync: operation exceeded max retries")
	ErrMissingCursor      = errors.New("sync: full sync returned no cursor")
	ErrOffline            = errors.New("sync: offline")
)

// Store and session state failures.
var (
	ErrNotFound         = errors.New("not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionActive    = errors.New("session is active")
	ErrNotResumable     = errors.New("session is outside the merge window")
	ErrSessionDiscarded = errors.New("session is discarded")
	ErrLinkConflict     = errors.New("session has both owned and imported event ids")
	ErrInvalid          = errors.New("invalid input")
)
