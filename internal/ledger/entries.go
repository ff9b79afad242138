package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Movement is one planned balance change: a signed amount against one
// partition of one account. A transfer's movements are built first, then
// applied to the locked accounts and recorded as journal entries.
type Movement struct {
	AccountID uuid.UUID
	Kind      EntryKind
	Partition Partition
	Amount    decimal.Decimal
}

// BuildMovements expands a transfer into its balanced movement set.
//
// Internal kinds always sum to zero across the transfer, fee leg included.
// External credit/debit are single-sided: the missing counter-entry is the
// payment-gateway boundary, so the ledger total changes by exactly the net
// of external credits minus external debits and nothing else.
func BuildMovements(t *Transfer, holdPartition Partition, feeAccount *uuid.UUID) ([]Movement, error) {
	net := t.Amount.Sub(t.Fee)

	switch t.Kind {
	case KindTransfer:
		moves := []Movement{
			{AccountID: *t.Source, Kind: EntryDebit, Partition: PartitionAvailable, Amount: t.Amount.Neg()},
			{AccountID: *t.Destination, Kind: EntryCredit, Partition: PartitionAvailable, Amount: net},
		}
		return appendFee(moves, t.Fee, feeAccount)

	case KindHold:
		if holdPartition != PartitionPending && holdPartition != PartitionFrozen {
			return nil, fmt.Errorf("%w: hold partition must be pending or frozen", ErrValidation)
		}
		return []Movement{
			{AccountID: *t.Source, Kind: EntryHold, Partition: PartitionAvailable, Amount: t.Amount.Neg()},
			{AccountID: *t.Source, Kind: EntryHold, Partition: holdPartition, Amount: t.Amount},
		}, nil

	case KindCapture:
		if holdPartition != PartitionPending && holdPartition != PartitionFrozen {
			return nil, fmt.Errorf("%w: capture partition must be pending or frozen", ErrValidation)
		}
		moves := []Movement{
			{AccountID: *t.Source, Kind: EntryCapture, Partition: holdPartition, Amount: t.Amount.Neg()},
			{AccountID: *t.Destination, Kind: EntryCapture, Partition: PartitionAvailable, Amount: net},
		}
		return appendFee(moves, t.Fee, feeAccount)

	case KindRelease:
		if holdPartition != PartitionPending && holdPartition != PartitionFrozen {
			return nil, fmt.Errorf("%w: release partition must be pending or frozen", ErrValidation)
		}
		return []Movement{
			{AccountID: *t.Source, Kind: EntryRelease, Partition: holdPartition, Amount: t.Amount.Neg()},
			{AccountID: *t.Source, Kind: EntryRelease, Partition: PartitionAvailable, Amount: t.Amount},
		}, nil

	case KindExternalCredit:
		moves := []Movement{
			{AccountID: *t.Destination, Kind: EntryCredit, Partition: PartitionAvailable, Amount: net},
		}
		return appendFee(moves, t.Fee, feeAccount)

	case KindExternalDebit:
		moves := []Movement{
			{AccountID: *t.Source, Kind: EntryDebit, Partition: PartitionAvailable, Amount: t.Amount.Neg()},
		}
		return appendFee(moves, t.Fee, feeAccount)

	case KindFee:
		if feeAccount == nil {
			return nil, fmt.Errorf("%w: no fee account configured for currency", ErrValidation)
		}
		return []Movement{
			{AccountID: *t.Source, Kind: EntryDebit, Partition: PartitionAvailable, Amount: t.Amount.Neg()},
			{AccountID: *feeAccount, Kind: EntryCredit, Partition: PartitionAvailable, Amount: t.Amount},
		}, nil

	default:
		return nil, fmt.Errorf("%w: cannot build entries for kind %q", ErrValidation, t.Kind)
	}
}

func appendFee(moves []Movement, fee decimal.Decimal, feeAccount *uuid.UUID) ([]Movement, error) {
	if fee.IsZero() {
		return moves, nil
	}
	if feeAccount == nil {
		return nil, fmt.Errorf("%w: no fee account configured for currency", ErrValidation)
	}
	return append(moves, Movement{
		AccountID: *feeAccount,
		Kind:      EntryCredit,
		Partition: PartitionAvailable,
		Amount:    fee,
	}), nil
}

// BuildReversal mirrors the entries of an applied transfer: every movement
// negated, kind reversal. Reversing a capture is the one asymmetric case:
// its hold is terminally captured and can never be released, so the held
// partition's leg lands in available instead of stranding funds in pending.
func BuildReversal(original *Transfer, entries []*Entry) []Movement {
	moves := make([]Movement, 0, len(entries))
	for _, e := range entries {
		partition := e.Partition
		if original.Kind == KindCapture && partition != PartitionAvailable {
			partition = PartitionAvailable
		}
		moves = append(moves, Movement{
			AccountID: e.AccountID,
			Kind:      EntryReversal,
			Partition: partition,
			Amount:    e.Amount.Neg(),
		})
	}
	return moves
}

// ApplyMovement mutates the account's partition by the movement amount.
// A partition is never allowed to go negative: the whole transfer fails with
// ErrInsufficientFunds and nothing is applied.
func ApplyMovement(acct *Account, m Movement) error {
	next := acct.Balance(m.Partition).Add(m.Amount)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %s %s balance %s cannot cover %s",
			ErrInsufficientFunds, acct.ID, m.Partition, acct.Balance(m.Partition), m.Amount.Abs())
	}
	acct.setBalance(m.Partition, next)
	return nil
}

// MovementSum is the net of a movement set; zero for every internal transfer.
func MovementSum(moves []Movement) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range moves {
		sum = sum.Add(m.Amount)
	}
	return sum
}
