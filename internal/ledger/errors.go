package ledger

import "errors"

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicateAccount    = errors.New("duplicate account")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrHoldNotActive       = errors.New("hold not active")
	ErrLedgerDrift         = errors.New("ledger drift detected")
	ErrLockTimeout         = errors.New("lock acquisition timed out")
	ErrValidation          = errors.New("validation failed")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)
