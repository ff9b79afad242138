package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferKind string

const (
	KindTransfer       TransferKind = "transfer"
	KindHold           TransferKind = "hold"
	KindCapture        TransferKind = "capture"
	KindRelease        TransferKind = "release"
	KindRefund         TransferKind = "refund"
	KindExternalCredit TransferKind = "external_credit"
	KindExternalDebit  TransferKind = "external_debit"
	KindFee            TransferKind = "fee"
)

type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferApplied  TransferStatus = "applied"
	TransferFailed   TransferStatus = "failed"
	TransferReversed TransferStatus = "reversed"
)

type EntryKind string

const (
	EntryCredit   EntryKind = "credit"
	EntryDebit    EntryKind = "debit"
	EntryHold     EntryKind = "hold"
	EntryCapture  EntryKind = "capture"
	EntryRelease  EntryKind = "release"
	EntryReversal EntryKind = "reversal"
)

// Entry is one immutable signed movement against one account partition.
// Entries are written once at apply time and never updated; corrections are
// new reversal entries referencing the original transfer.
type Entry struct {
	Seq            int64           `json:"seq"`
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	TransferID     uuid.UUID       `json:"transfer_id"`
	Kind           EntryKind       `json:"kind"`
	Partition      Partition       `json:"partition"`
	Amount         decimal.Decimal `json:"amount"`
	AvailableAfter decimal.Decimal `json:"available_after"`
	PendingAfter   decimal.Decimal `json:"pending_after"`
	FrozenAfter    decimal.Decimal `json:"frozen_after"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Transfer is the unit of atomicity: one business operation producing a
// balanced set of entries, applied exactly once per idempotency key.
type Transfer struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	RequestHash    string          `json:"-"`
	Kind           TransferKind    `json:"kind"`
	Source         *uuid.UUID      `json:"source_account_id,omitempty"`
	Destination    *uuid.UUID      `json:"destination_account_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Related        Related         `json:"related,omitempty"`
	Status         TransferStatus  `json:"status"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	ReversalOf     *uuid.UUID      `json:"reversal_of,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (t *Transfer) Clone() *Transfer {
	cp := *t
	return &cp
}

// TransferRequest is what collaborator services submit. The idempotency key
// is caller-supplied; gateway callbacks use the gateway's own transaction id.
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	RequestHash    string          `json:"-"`
	Kind           TransferKind    `json:"kind"`
	Source         *uuid.UUID      `json:"source_account_id,omitempty"`
	Destination    *uuid.UUID      `json:"destination_account_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Related        Related         `json:"related,omitempty"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	ReversalOf     *uuid.UUID      `json:"reversal_of,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	// Partition selects the partition a hold pledges into. Empty means
	// pending; administrative freezes use frozen.
	Partition Partition `json:"partition,omitempty"`
}

// TransferResult is returned to the caller, including the global sequence
// numbers the journal assigned. Replayed reports an idempotent replay of a
// previously applied transfer.
type TransferResult struct {
	Transfer *Transfer `json:"transfer"`
	Entries  []*Entry  `json:"entries"`
	Replayed bool      `json:"replayed"`
}

// Validate checks the request shape before any account is locked. Amounts
// are fixed-point with at most two fractional digits; no partial validation
// result ever mutates state.
func (r *TransferRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	// Refunds carry no amount of their own; they mirror the original.
	if r.Kind != KindRefund {
		if !r.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrValidation)
		}
		if r.Amount.Exponent() < -2 {
			return fmt.Errorf("%w: amount precision exceeds 2 decimal places", ErrValidation)
		}
		if r.Fee.IsNegative() {
			return fmt.Errorf("%w: fee must not be negative", ErrValidation)
		}
		if r.Fee.Exponent() < -2 {
			return fmt.Errorf("%w: fee precision exceeds 2 decimal places", ErrValidation)
		}
	}

	switch r.Kind {
	case KindTransfer, KindCapture:
		if r.Source == nil || r.Destination == nil {
			return fmt.Errorf("%w: %s requires source and destination accounts", ErrValidation, r.Kind)
		}
		if *r.Source == *r.Destination {
			return fmt.Errorf("%w: source and destination must differ", ErrValidation)
		}
		if r.Fee.GreaterThanOrEqual(r.Amount) {
			return fmt.Errorf("%w: fee must be less than amount", ErrValidation)
		}
	case KindHold, KindRelease:
		if r.Source == nil {
			return fmt.Errorf("%w: %s requires a source account", ErrValidation, r.Kind)
		}
		if r.Destination != nil {
			return fmt.Errorf("%w: %s is intra-account", ErrValidation, r.Kind)
		}
		if !r.Fee.IsZero() {
			return fmt.Errorf("%w: %s does not carry a fee", ErrValidation, r.Kind)
		}
	case KindExternalCredit:
		if r.Destination == nil {
			return fmt.Errorf("%w: external credit requires a destination account", ErrValidation)
		}
		if r.Source != nil {
			return fmt.Errorf("%w: external credit has no source account", ErrValidation)
		}
		if !r.Fee.IsZero() && r.Fee.GreaterThanOrEqual(r.Amount) {
			return fmt.Errorf("%w: fee must be less than amount", ErrValidation)
		}
	case KindExternalDebit:
		if r.Source == nil {
			return fmt.Errorf("%w: external debit requires a source account", ErrValidation)
		}
		if r.Destination != nil {
			return fmt.Errorf("%w: external debit has no destination account", ErrValidation)
		}
		if !r.Fee.IsZero() && r.Fee.GreaterThanOrEqual(r.Amount) {
			return fmt.Errorf("%w: fee must be less than amount", ErrValidation)
		}
	case KindFee:
		if r.Source == nil {
			return fmt.Errorf("%w: fee requires a source account", ErrValidation)
		}
	case KindRefund:
		if r.ReversalOf == nil {
			return fmt.Errorf("%w: refund requires the original transfer id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown transfer kind %q", ErrValidation, r.Kind)
	}

	switch r.Kind {
	case KindHold, KindCapture, KindRelease:
		switch r.Partition {
		case "", PartitionPending, PartitionFrozen:
		default:
			return fmt.Errorf("%w: hold partition must be pending or frozen", ErrValidation)
		}
	default:
		if r.Partition != "" {
			return fmt.Errorf("%w: partition is only valid for hold operations", ErrValidation)
		}
	}

	return nil
}

// HoldPartition is the partition a hold request pledges into.
func (r *TransferRequest) HoldPartition() Partition {
	if r.Partition == PartitionFrozen {
		return PartitionFrozen
	}
	return PartitionPending
}
