// Package storage provides the durable state behind the ledger: accounts,
// the append-only journal, transfers, holds, and reconciliation checkpoints.
//
// Two implementations exist: a Postgres store (pgx, row locks) and an
// in-memory store (per-account mutexes) with identical semantics. The
// transfer engine drives both through the same Atomic contract, so the
// locking and invariant rules live in exactly one place.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stagepass/creditledger/internal/ledger"
)

// Tx is the view inside one atomic ledger operation. Accounts named in the
// Atomic call are exclusively locked for the duration; everything read
// through the Tx is consistent and everything written becomes visible only
// if the callback returns nil.
type Tx interface {
	// Account returns a mutable copy of a locked account. Changes persist
	// only after UpdateAccount.
	Account(id uuid.UUID) (*ledger.Account, error)
	UpdateAccount(acct *ledger.Account) error

	TransferByKey(key string) (*ledger.Transfer, error)
	InsertTransfer(t *ledger.Transfer) error
	// MarkTransferReversed flips an applied transfer to reversed (refunds).
	MarkTransferReversed(id uuid.UUID) error
	EntriesByTransfer(id uuid.UUID) ([]*ledger.Entry, error)

	// AppendEntries writes journal entries and assigns each its global
	// sequence number in place.
	AppendEntries(entries []*ledger.Entry) error
	// EntriesAfter lists an account's entries with Seq > afterSeq, ordered.
	EntriesAfter(accountID uuid.UUID, afterSeq int64) ([]*ledger.Entry, error)

	InsertHold(h *ledger.Hold) error
	Hold(id uuid.UUID) (*ledger.Hold, error)
	UpdateHold(h *ledger.Hold) error

	Checkpoint(accountID uuid.UUID) (*ledger.Checkpoint, error)
	SaveCheckpoint(cp *ledger.Checkpoint) error
}

// Store is the durable account/journal/hold state.
type Store interface {
	// Atomic runs fn holding exclusive locks on the given accounts,
	// acquired in canonical ascending-id order so overlapping transfers
	// can never deadlock. fn must not perform external I/O.
	Atomic(ctx context.Context, accountIDs []uuid.UUID, fn func(Tx) error) error

	CreateAccount(ctx context.Context, acct *ledger.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error)
	GetAccountByOwner(ctx context.Context, owner ledger.Owner, currency string, kind ledger.AccountKind) (*ledger.Account, error)
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	GetTransfer(ctx context.Context, id uuid.UUID) (*ledger.Transfer, error)
	GetTransferByKey(ctx context.Context, key string) (*ledger.Transfer, error)
	GetTransferEntries(ctx context.Context, transferID uuid.UUID) ([]*ledger.Entry, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, afterSeq int64, limit int) ([]*ledger.Entry, error)

	GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*ledger.Hold, error)

	Close()
}

// SetAccountStatus applies an administrative status change under the
// account's exclusive lock. Moving out of closed is rejected.
func SetAccountStatus(ctx context.Context, s Store, id uuid.UUID, status ledger.AccountStatus) error {
	return s.Atomic(ctx, []uuid.UUID{id}, func(tx Tx) error {
		acct, err := tx.Account(id)
		if err != nil {
			return err
		}
		if !ledger.ValidStatusTransition(acct.Status, status) {
			return ledger.ErrInvalidTransition
		}
		acct.Status = status
		acct.UpdatedAt = time.Now().UTC()
		return tx.UpdateAccount(acct)
	})
}

// CanonicalOrder sorts account ids into the global lock acquisition order.
func CanonicalOrder(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b uuid.UUID) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
