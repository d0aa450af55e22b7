package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidSignal   = errors.New("invalid signal")
	ErrDuplicateSignal = errors.New("duplicate signal")
	ErrAIUnavailable   = errors.New("ai backend unavailable")
	ErrRiskRejected    = errors.New("rejected by risk gate")
	ErrVenueTransient  = errors.New("transient venue failure")
	ErrVenueRejected   = errors.New("rejected by venue")
	ErrReconcileNeeded = errors.New("reconciliation required")
	ErrLockHeld        = errors.New("lock already held")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrBacklogExceeded = errors.New("subscriber backlog exceeded")
	ErrSequenceExpired = errors.New("requested sequence no longer retained")
)
