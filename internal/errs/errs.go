package errs

import "errors"

// Доменные сентинель-ошибки для маппинга в HTTP коды в handlers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotReady     = errors.New("session has no call id yet")
	ErrAlreadyAttached     = errors.New("control channel already attached")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
	ErrShutdownInProgress  = errors.New("shutdown in progress")
)
