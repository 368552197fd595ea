package errs

import "errors"

// Доменные сентинель-ошибки для маппинга в HTTP коды и socket-события в handlers.
var (
	// ErrUnreachable: target astrologer has no presence entry.
	ErrUnreachable = errors.New("participant unreachable")
	// ErrStaleRequest: request already accepted/rejected/expired by a race.
	ErrStaleRequest = errors.New("stale chat request")
	// ErrInsufficientFunds: wallet debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrSessionNotActive: operation against an ended or unknown session.
	ErrSessionNotActive = errors.New("session not active")
	// ErrSessionNotFound: no session record for the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateCharge: a ledger entry for (session, minute) already exists.
	// Resolved internally by the billing clock, never surfaced to clients.
	ErrDuplicateCharge = errors.New("duplicate minute charge")
	// ErrRequestNotFound: no pending request with the given id.
	ErrRequestNotFound = errors.New("chat request not found")
)
