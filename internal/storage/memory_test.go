package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagepass/creditledger/internal/ledger"
)

func newTestAccount(available string) *ledger.Account {
	now := time.Now().UTC()
	amt, _ := decimal.NewFromString(available)
	return &ledger.Account{
		ID:        uuid.New(),
		Owner:     ledger.Owner{Kind: ledger.OwnerUser, ID: uuid.New()},
		Currency:  "USD",
		Kind:      ledger.AccountPersonal,
		Status:    ledger.AccountActive,
		Available: amt,
		Pending:   decimal.Zero,
		Frozen:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCreateAccountOwnerUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))

	dup := newTestAccount("0")
	dup.Owner = acct.Owner
	err := s.CreateAccount(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)

	// Same owner, different currency is fine.
	other := newTestAccount("0")
	other.Owner = acct.Owner
	other.Currency = "EUR"
	assert.NoError(t, s.CreateAccount(ctx, other))

	// Escrow pools skip the uniqueness rule.
	pool1 := newTestAccount("0")
	pool1.Owner = acct.Owner
	pool1.Kind = ledger.AccountEscrowPool
	pool2 := newTestAccount("0")
	pool2.Owner = acct.Owner
	pool2.Kind = ledger.AccountEscrowPool
	assert.NoError(t, s.CreateAccount(ctx, pool1))
	assert.NoError(t, s.CreateAccount(ctx, pool2))
}

func TestMemoryStoreOwnerSlotFreedOnClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))
	require.NoError(t, SetAccountStatus(ctx, s, acct.ID, ledger.AccountClosed))

	replacement := newTestAccount("0")
	replacement.Owner = acct.Owner
	assert.NoError(t, s.CreateAccount(ctx, replacement))
}

func TestMemoryStoreAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := newTestAccount("100")
	require.NoError(t, s.CreateAccount(ctx, acct))

	sentinel := assert.AnError
	err := s.Atomic(ctx, []uuid.UUID{acct.ID}, func(tx Tx) error {
		got, err := tx.Account(acct.ID)
		require.NoError(t, err)
		got.Available = decimal.Zero
		require.NoError(t, tx.UpdateAccount(got))
		require.NoError(t, tx.AppendEntries([]*ledger.Entry{{
			ID:        uuid.New(),
			AccountID: acct.ID,
			Partition: ledger.PartitionAvailable,
			Amount:    decimal.NewFromInt(-100),
		}}))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.Available.Equal(decimal.NewFromInt(100)), "rollback must leave the balance untouched")

	entries, err := s.ListEntries(ctx, acct.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreAtomicRequiresLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	locked := newTestAccount("0")
	unlocked := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, locked))
	require.NoError(t, s.CreateAccount(ctx, unlocked))

	err := s.Atomic(ctx, []uuid.UUID{locked.ID}, func(tx Tx) error {
		_, err := tx.Account(unlocked.ID)
		return err
	})
	assert.Error(t, err)
}

func TestMemoryStoreInsertTransferDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))

	insert := func() error {
		return s.Atomic(ctx, []uuid.UUID{acct.ID}, func(tx Tx) error {
			return tx.InsertTransfer(&ledger.Transfer{
				ID:             uuid.New(),
				IdempotencyKey: "dup-key",
				Kind:           ledger.KindExternalCredit,
				Amount:         decimal.NewFromInt(1),
				Status:         ledger.TransferApplied,
			})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ledger.ErrIdempotencyConflict)
}

func TestMemoryStoreAppendEntriesAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))

	var seqs []int64
	for i := 0; i < 3; i++ {
		err := s.Atomic(ctx, []uuid.UUID{acct.ID}, func(tx Tx) error {
			e := &ledger.Entry{ID: uuid.New(), AccountID: acct.ID, TransferID: uuid.New(), Partition: ledger.PartitionAvailable, Amount: decimal.NewFromInt(1)}
			if err := tx.AppendEntries([]*ledger.Entry{e}); err != nil {
				return err
			}
			seqs = append(seqs, e.Seq)
			return nil
		})
		require.NoError(t, err)
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	entries, err := s.ListEntries(ctx, acct.ID, seqs[0], 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "after_seq pagination must skip the first entry")
}

func TestMemoryStoreConcurrentTransfersConserveTotal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	accounts := make([]*ledger.Account, 4)
	for i := range accounts {
		accounts[i] = newTestAccount("1000")
		require.NoError(t, s.CreateAccount(ctx, accounts[i]))
	}

	const workers = 8
	const transfersPerWorker = 50
	amount := decimal.NewFromInt(1)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < transfersPerWorker; i++ {
				src := accounts[(w+i)%len(accounts)]
				dst := accounts[(w+i+1)%len(accounts)]
				_ = s.Atomic(ctx, []uuid.UUID{src.ID, dst.ID}, func(tx Tx) error {
					a, err := tx.Account(src.ID)
					if err != nil {
						return err
					}
					b, err := tx.Account(dst.ID)
					if err != nil {
						return err
					}
					a.Available = a.Available.Sub(amount)
					b.Available = b.Available.Add(amount)
					if err := tx.UpdateAccount(a); err != nil {
						return err
					}
					return tx.UpdateAccount(b)
				})
			}
		}(w)
	}
	wg.Wait()

	total := decimal.Zero
	for _, acct := range accounts {
		got, err := s.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		total = total.Add(got.Available)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(4000)), "money must be conserved, got %s", total)
}

func TestMemoryStoreListExpiredHolds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))

	now := time.Now().UTC()
	mkHold := func(status ledger.HoldStatus, expires time.Time) *ledger.Hold {
		return &ledger.Hold{
			ID:         uuid.New(),
			TransferID: uuid.New(),
			AccountID:  acct.ID,
			Amount:     decimal.NewFromInt(5),
			Partition:  ledger.PartitionPending,
			Status:     status,
			ExpiresAt:  expires,
		}
	}
	expired := mkHold(ledger.HoldActive, now.Add(-time.Minute))
	future := mkHold(ledger.HoldActive, now.Add(time.Hour))
	captured := mkHold(ledger.HoldCaptured, now.Add(-time.Hour))

	err := s.Atomic(ctx, []uuid.UUID{acct.ID}, func(tx Tx) error {
		for _, h := range []*ledger.Hold{expired, future, captured} {
			if err := tx.InsertHold(h); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	out, err := s.ListExpiredHolds(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, expired.ID, out[0].ID)
}

func TestCanonicalOrderSortsAndDedupes(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	c := uuid.MustParse("00000000-0000-0000-0000-000000000003")

	out := CanonicalOrder([]uuid.UUID{c, a, b, a, c})
	require.Equal(t, []uuid.UUID{a, b, c}, out)
}

func TestSetAccountStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	acct := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, acct))

	require.NoError(t, SetAccountStatus(ctx, s, acct.ID, ledger.AccountSuspended))
	require.NoError(t, SetAccountStatus(ctx, s, acct.ID, ledger.AccountActive))
	require.NoError(t, SetAccountStatus(ctx, s, acct.ID, ledger.AccountClosed))

	err := SetAccountStatus(ctx, s, acct.ID, ledger.AccountActive)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "closed is terminal")
}

func TestMemoryStoreKeyClaimedAcrossDisjointLockSets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newTestAccount("0")
	b := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NoError(t, s.CreateAccount(ctx, b))

	entered := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Atomic(ctx, []uuid.UUID{a.ID}, func(tx Tx) error {
			if err := tx.InsertTransfer(&ledger.Transfer{
				ID:             uuid.New(),
				IdempotencyKey: "shared-key",
				Kind:           ledger.KindExternalCredit,
				Status:         ledger.TransferApplied,
			}); err != nil {
				return err
			}
			close(entered)
			<-finish
			return nil
		})
	}()
	<-entered

	// Disjoint lock set, same key: the claim must already be visible even
	// though the first transaction has not committed.
	err := s.Atomic(ctx, []uuid.UUID{b.ID}, func(tx Tx) error {
		return tx.InsertTransfer(&ledger.Transfer{
			ID:             uuid.New(),
			IdempotencyKey: "shared-key",
			Kind:           ledger.KindExternalCredit,
			Status:         ledger.TransferApplied,
		})
	})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyConflict)

	close(finish)
	require.NoError(t, <-done)

	got, err := s.GetTransferByKey(ctx, "shared-key")
	require.NoError(t, err)
	assert.Equal(t, "shared-key", got.IdempotencyKey)
}

func TestMemoryStoreKeyClaimReleasedOnRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newTestAccount("0")
	require.NoError(t, s.CreateAccount(ctx, a))

	err := s.Atomic(ctx, []uuid.UUID{a.ID}, func(tx Tx) error {
		require.NoError(t, tx.InsertTransfer(&ledger.Transfer{
			ID:             uuid.New(),
			IdempotencyKey: "retry-key",
			Kind:           ledger.KindExternalCredit,
			Status:         ledger.TransferApplied,
		}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// The failed transaction released its claim; the key is reusable.
	err = s.Atomic(ctx, []uuid.UUID{a.ID}, func(tx Tx) error {
		return tx.InsertTransfer(&ledger.Transfer{
			ID:             uuid.New(),
			IdempotencyKey: "retry-key",
			Kind:           ledger.KindExternalCredit,
			Status:         ledger.TransferApplied,
		})
	})
	require.NoError(t, err)
}
