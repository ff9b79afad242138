package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagepass/creditledger/internal/events"
	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	values []any
}

func (p *capturePublisher) PublishJSON(_ context.Context, topic, _ string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newEscrowFixture(t *testing.T) (*testFixture, *Escrow, *capturePublisher) {
	t.Helper()
	f := newTestFixture(t)
	publisher := &capturePublisher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	escrow := NewEscrow(f.engine, f.store, publisher, nil, metrics)
	return f, escrow, publisher
}

func TestEscrowHoldCaptureScenario(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	c := f.newAccount(t, "0")

	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-b1",
		AccountID:      a.ID,
		Amount:         dec("40.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
		Related:        ledger.Related{ID: "B1", Kind: "booking"},
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldActive, held.Hold.Status)

	got := f.balance(t, a.ID)
	assert.True(t, got.Available.Equal(dec("60.00")))
	assert.True(t, got.Pending.Equal(dec("40.00")))

	// A second hold exceeding the remaining available must fail cleanly.
	_, err = escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-b2",
		AccountID:      a.ID,
		Amount:         dec("70.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	got = f.balance(t, a.ID)
	assert.True(t, got.Available.Equal(dec("60.00")))
	assert.True(t, got.Pending.Equal(dec("40.00")))

	captured, err := escrow.Capture(ctx, "capture-b1", "", held.Hold.ID, c.ID, dec("0"), "billing")
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldCaptured, captured.Hold.Status)

	got = f.balance(t, a.ID)
	assert.True(t, got.Pending.IsZero())
	assert.True(t, got.Available.Equal(dec("60.00")))
	assert.True(t, f.balance(t, c.ID).Available.Equal(dec("40.00")))
}

func TestEscrowCaptureOnTerminalHold(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "50.00")
	c := f.newAccount(t, "0")

	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-1",
		AccountID:      a.ID,
		Amount:         dec("10.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = escrow.Release(ctx, "release-1", "", held.Hold.ID, "billing")
	require.NoError(t, err)

	_, err = escrow.Capture(ctx, "capture-late", "", held.Hold.ID, c.ID, dec("0"), "billing")
	assert.ErrorIs(t, err, ledger.ErrHoldNotActive)
}

func TestEscrowReleaseReturnsFunds(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "30.00")
	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-r",
		AccountID:      a.ID,
		Amount:         dec("12.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	released, err := escrow.Release(ctx, "release-r", "", held.Hold.ID, "billing")
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldReleased, released.Hold.Status)

	got := f.balance(t, a.ID)
	assert.True(t, got.Available.Equal(dec("30.00")))
	assert.True(t, got.Pending.IsZero())
}

func TestEscrowPlaceHoldReplay(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	req := HoldRequest{
		IdempotencyKey: "hold-replay",
		AccountID:      a.ID,
		Amount:         dec("25.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	}

	first, err := escrow.PlaceHold(ctx, req)
	require.NoError(t, err)
	second, err := escrow.PlaceHold(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Transfer.Replayed)
	assert.Equal(t, first.Hold.ID, second.Hold.ID)
	assert.True(t, f.balance(t, a.ID).Pending.Equal(dec("25.00")), "replay must not pledge twice")
}

func TestEscrowFrozenPartitionHold(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "80.00")
	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-frozen",
		AccountID:      a.ID,
		Amount:         dec("15.00"),
		Partition:      ledger.PartitionFrozen,
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PartitionFrozen, held.Hold.Partition)

	got := f.balance(t, a.ID)
	assert.True(t, got.Frozen.Equal(dec("15.00")))
	assert.True(t, got.Pending.IsZero())

	_, err = escrow.Release(ctx, "release-frozen", "", held.Hold.ID, "admin")
	require.NoError(t, err)
	got = f.balance(t, a.ID)
	assert.True(t, got.Frozen.IsZero())
	assert.True(t, got.Available.Equal(dec("80.00")))
}

func TestEscrowSweepReleasesExpiredHolds(t *testing.T) {
	f, escrow, publisher := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-exp",
		AccountID:      a.ID,
		Amount:         dec("20.00"),
		ExpiresAt:      time.Now().Add(time.Minute),
		Related:        ledger.Related{ID: "B9", Kind: "booking"},
	})
	require.NoError(t, err)

	// Not yet expired: nothing to sweep.
	released, err := escrow.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, released)

	released, err = escrow.Sweep(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got := f.balance(t, a.ID)
	assert.True(t, got.Available.Equal(dec("100.00")))
	assert.True(t, got.Pending.IsZero())

	hold, err := escrow.GetHold(ctx, held.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldExpired, hold.Status)

	require.Len(t, publisher.values, 1)
	evt, ok := publisher.values[0].(events.HoldExpiredEvent)
	require.True(t, ok)
	assert.Equal(t, events.TypeHoldExpired, evt.EventType)
	assert.Equal(t, held.Hold.ID.String(), evt.HoldID)
	assert.Equal(t, events.TopicLedger, publisher.topics[0])

	// The release transfer carries the system creator reference.
	transfer, err := f.store.GetTransfer(ctx, uuid.MustParse(evt.TransferID))
	require.NoError(t, err)
	assert.Equal(t, "system:sweeper", transfer.CreatedBy)
	assert.Equal(t, ledger.KindRelease, transfer.Kind)

	// The hold is terminal now; a repeated sweep finds nothing to release.
	released, err = escrow.Sweep(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Len(t, publisher.values, 1)
}

func TestEscrowPlaceHoldRequiresFutureExpiry(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()
	a := f.newAccount(t, "10.00")

	_, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-past",
		AccountID:      a.ID,
		Amount:         dec("1.00"),
		ExpiresAt:      time.Now().Add(-time.Minute),
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-noexp",
		AccountID:      a.ID,
		Amount:         dec("1.00"),
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestEscrowCaptureReplay(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	c := f.newAccount(t, "0")

	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-cr",
		AccountID:      a.ID,
		Amount:         dec("40.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	first, err := escrow.Capture(ctx, "capture-cr", "", held.Hold.ID, c.ID, dec("0"), "billing")
	require.NoError(t, err)
	require.False(t, first.Transfer.Replayed)

	// Retrying the same capture must replay, not reject the terminal hold.
	second, err := escrow.Capture(ctx, "capture-cr", "", held.Hold.ID, c.ID, dec("0"), "billing")
	require.NoError(t, err)
	assert.True(t, second.Transfer.Replayed)
	require.NotNil(t, second.Hold)
	assert.Equal(t, held.Hold.ID, second.Hold.ID)
	assert.Equal(t, ledger.HoldCaptured, second.Hold.Status)
	assert.Equal(t, first.Transfer.Transfer.ID, second.Transfer.Transfer.ID)

	assert.True(t, f.balance(t, c.ID).Available.Equal(dec("40.00")), "replay must not credit twice")
	assert.True(t, f.balance(t, a.ID).Pending.IsZero())
}

func TestEscrowReleaseReplay(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "50.00")
	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-rr",
		AccountID:      a.ID,
		Amount:         dec("10.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = escrow.Release(ctx, "release-rr", "", held.Hold.ID, "billing")
	require.NoError(t, err)

	second, err := escrow.Release(ctx, "release-rr", "", held.Hold.ID, "billing")
	require.NoError(t, err)
	assert.True(t, second.Transfer.Replayed)
	require.NotNil(t, second.Hold)
	assert.Equal(t, ledger.HoldReleased, second.Hold.Status)
	assert.True(t, f.balance(t, a.ID).Available.Equal(dec("50.00")), "replay must not release twice")
}

func TestEscrowRefundedCaptureReturnsToAvailable(t *testing.T) {
	f, escrow, _ := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	c := f.newAccount(t, "0")

	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-rc",
		AccountID:      a.ID,
		Amount:         dec("40.00"),
		ExpiresAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	captured, err := escrow.Capture(ctx, "capture-rc", "", held.Hold.ID, c.ID, dec("1.50"), "billing")
	require.NoError(t, err)
	require.True(t, f.balance(t, c.ID).Available.Equal(dec("38.50")))

	refund, err := f.engine.Execute(ctx, ledger.TransferRequest{
		IdempotencyKey: "refund-rc",
		Kind:           ledger.KindRefund,
		ReversalOf:     &captured.Transfer.Transfer.ID,
	})
	require.NoError(t, err)
	require.False(t, refund.Replayed)

	// The payer gets the full amount back in available, never pending: the
	// hold is terminally captured and nothing could release pending again.
	got := f.balance(t, a.ID)
	assert.True(t, got.Available.Equal(dec("100.00")))
	assert.True(t, got.Pending.IsZero())
	assert.True(t, f.balance(t, c.ID).Available.IsZero())
	assert.True(t, f.balance(t, f.feeAcct).Available.IsZero())

	hold, err := escrow.GetHold(ctx, held.Hold.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.HoldCaptured, hold.Status)
}

// staleHoldLister simulates a sweeper instance whose expired-hold listing is
// stale: another instance already released the hold it is about to process.
type staleHoldLister struct {
	storage.Store
	holds []*ledger.Hold
}

func (s *staleHoldLister) ListExpiredHolds(context.Context, time.Time, int) ([]*ledger.Hold, error) {
	return s.holds, nil
}

func TestEscrowSweepRepublishesOnReplay(t *testing.T) {
	f, escrow, publisher := newEscrowFixture(t)
	ctx := context.Background()

	a := f.newAccount(t, "100.00")
	held, err := escrow.PlaceHold(ctx, HoldRequest{
		IdempotencyKey: "hold-race",
		AccountID:      a.ID,
		Amount:         dec("20.00"),
		ExpiresAt:      time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	released, err := escrow.Sweep(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Len(t, publisher.values, 1)

	// A second sweeper that listed the hold before the first committed sees
	// a replay. It must re-emit the event under the same deterministic id
	// rather than drop it.
	racer := NewEscrow(f.engine, &staleHoldLister{Store: f.store, holds: []*ledger.Hold{held.Hold}},
		publisher, nil, NewMetrics(prometheus.NewRegistry()))
	released, err = racer.Sweep(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, released)

	require.Len(t, publisher.values, 2)
	first, ok := publisher.values[0].(events.HoldExpiredEvent)
	require.True(t, ok)
	second, ok := publisher.values[1].(events.HoldExpiredEvent)
	require.True(t, ok)
	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, held.Hold.ID.String(), second.HoldID)

	assert.True(t, f.balance(t, a.ID).Available.Equal(dec("100.00")), "replay must not release twice")
}
