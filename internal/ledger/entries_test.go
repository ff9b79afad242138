package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBuildMovementsTransferBalances(t *testing.T) {
	src, dst, fees := uuid.New(), uuid.New(), uuid.New()
	tr := &Transfer{
		Kind:        KindTransfer,
		Source:      &src,
		Destination: &dst,
		Amount:      dec("100.00"),
		Fee:         dec("2.50"),
	}

	moves, err := BuildMovements(tr, PartitionPending, &fees)
	require.NoError(t, err)
	require.Len(t, moves, 3)

	assert.True(t, MovementSum(moves).IsZero(), "internal transfer must sum to zero")
	assert.True(t, moves[0].Amount.Equal(dec("-100.00")))
	assert.True(t, moves[1].Amount.Equal(dec("97.50")))
	assert.True(t, moves[2].Amount.Equal(dec("2.50")))
	assert.Equal(t, fees, moves[2].AccountID)
}

func TestBuildMovementsHoldIsIntraAccount(t *testing.T) {
	src := uuid.New()
	tr := &Transfer{Kind: KindHold, Source: &src, Amount: dec("40")}

	moves, err := BuildMovements(tr, PartitionPending, nil)
	require.NoError(t, err)
	require.Len(t, moves, 2)

	assert.True(t, MovementSum(moves).IsZero())
	assert.Equal(t, PartitionAvailable, moves[0].Partition)
	assert.Equal(t, PartitionPending, moves[1].Partition)
	assert.Equal(t, src, moves[0].AccountID)
	assert.Equal(t, src, moves[1].AccountID)
}

func TestBuildMovementsCaptureDrawsFromHoldPartition(t *testing.T) {
	src, dst := uuid.New(), uuid.New()
	tr := &Transfer{Kind: KindCapture, Source: &src, Destination: &dst, Amount: dec("40")}

	moves, err := BuildMovements(tr, PartitionPending, nil)
	require.NoError(t, err)
	require.Len(t, moves, 2)

	assert.Equal(t, PartitionPending, moves[0].Partition)
	assert.True(t, moves[0].Amount.Equal(dec("-40")))
	assert.Equal(t, PartitionAvailable, moves[1].Partition)
	assert.True(t, MovementSum(moves).IsZero())
}

func TestBuildMovementsExternalCreditIsSingleSided(t *testing.T) {
	dst := uuid.New()
	tr := &Transfer{Kind: KindExternalCredit, Destination: &dst, Amount: dec("25.00")}

	moves, err := BuildMovements(tr, PartitionPending, nil)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.True(t, MovementSum(moves).Equal(dec("25.00")))
}

func TestBuildMovementsFeeRequiresFeeAccount(t *testing.T) {
	src := uuid.New()
	tr := &Transfer{Kind: KindFee, Source: &src, Amount: dec("1.00")}

	_, err := BuildMovements(tr, PartitionPending, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBuildReversalRestoresBalances(t *testing.T) {
	src, dst := uuid.New(), uuid.New()
	original := &Transfer{Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("100")}
	entries := []*Entry{
		{AccountID: src, Partition: PartitionAvailable, Amount: dec("-100")},
		{AccountID: dst, Partition: PartitionAvailable, Amount: dec("100")},
	}

	moves := BuildReversal(original, entries)
	require.Len(t, moves, 2)
	assert.True(t, moves[0].Amount.Equal(dec("100")))
	assert.True(t, moves[1].Amount.Equal(dec("-100")))
	for _, m := range moves {
		assert.Equal(t, EntryReversal, m.Kind)
	}
}

func TestBuildReversalOfCaptureLandsInAvailable(t *testing.T) {
	src, dst := uuid.New(), uuid.New()
	original := &Transfer{Kind: KindCapture, Source: &src, Destination: &dst, Amount: dec("40")}
	entries := []*Entry{
		{AccountID: src, Partition: PartitionPending, Amount: dec("-40")},
		{AccountID: dst, Partition: PartitionAvailable, Amount: dec("40")},
	}

	// The hold behind the capture is terminal; money returned to pending
	// could never be released again.
	moves := BuildReversal(original, entries)
	require.Len(t, moves, 2)
	assert.Equal(t, PartitionAvailable, moves[0].Partition)
	assert.True(t, moves[0].Amount.Equal(dec("40")))
	assert.Equal(t, PartitionAvailable, moves[1].Partition)
	assert.True(t, moves[1].Amount.Equal(dec("-40")))
}

func TestApplyMovementRejectsNegativeBalance(t *testing.T) {
	acct := &Account{ID: uuid.New(), Available: dec("10")}

	err := ApplyMovement(acct, Movement{AccountID: acct.ID, Partition: PartitionAvailable, Amount: dec("-10.01")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, acct.Available.Equal(dec("10")), "failed movement must not mutate")

	err = ApplyMovement(acct, Movement{AccountID: acct.ID, Partition: PartitionAvailable, Amount: dec("-10")})
	require.NoError(t, err)
	assert.True(t, acct.Available.IsZero())
}

func TestTransferRequestValidate(t *testing.T) {
	src, dst := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		req     TransferRequest
		wantErr bool
	}{
		{
			name: "valid transfer",
			req:  TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("10")},
		},
		{
			name:    "missing idempotency key",
			req:     TransferRequest{Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("10")},
			wantErr: true,
		},
		{
			name:    "zero amount",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &dst, Amount: decimal.Zero},
			wantErr: true,
		},
		{
			name:    "three decimal places",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("1.001")},
			wantErr: true,
		},
		{
			name:    "self transfer",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &src, Amount: dec("10")},
			wantErr: true,
		},
		{
			name:    "fee not less than amount",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("10"), Fee: dec("10")},
			wantErr: true,
		},
		{
			name: "hold with frozen partition",
			req:  TransferRequest{IdempotencyKey: "k", Kind: KindHold, Source: &src, Amount: dec("5"), Partition: PartitionFrozen},
		},
		{
			name:    "hold with destination",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindHold, Source: &src, Destination: &dst, Amount: dec("5")},
			wantErr: true,
		},
		{
			name:    "hold into available",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindHold, Source: &src, Amount: dec("5"), Partition: PartitionAvailable},
			wantErr: true,
		},
		{
			name:    "partition on plain transfer",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindTransfer, Source: &src, Destination: &dst, Amount: dec("5"), Partition: PartitionPending},
			wantErr: true,
		},
		{
			name: "external credit",
			req:  TransferRequest{IdempotencyKey: "k", Kind: KindExternalCredit, Destination: &dst, Amount: dec("5")},
		},
		{
			name:    "external credit with source",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindExternalCredit, Source: &src, Destination: &dst, Amount: dec("5")},
			wantErr: true,
		},
		{
			name:    "external credit fee swallows amount",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindExternalCredit, Destination: &dst, Amount: dec("5"), Fee: dec("5")},
			wantErr: true,
		},
		{
			name: "refund without amount",
			req:  TransferRequest{IdempotencyKey: "k", Kind: KindRefund, ReversalOf: &src},
		},
		{
			name:    "refund without original",
			req:     TransferRequest{IdempotencyKey: "k", Kind: KindRefund},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			req:     TransferRequest{IdempotencyKey: "k", Kind: "wire", Source: &src, Amount: dec("5")},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
