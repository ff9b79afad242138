package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/events"
	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/storage"
)

const (
	sweeperActor   = "system:sweeper"
	sweepBatchSize = 100
)

// Escrow layers the hold state machine on the transfer engine. Every hold
// transition rides inside the same storage transaction as its transfer, so
// hold status and the pending partition can never disagree.
type Escrow struct {
	engine    *Engine
	store     storage.Store
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

func NewEscrow(engine *Engine, store storage.Store, publisher events.Publisher, logger *slog.Logger, metrics *Metrics) *Escrow {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Escrow{
		engine:    engine,
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// HoldRequest pledges funds on one account against a pending obligation.
type HoldRequest struct {
	IdempotencyKey string           `json:"idempotency_key"`
	RequestHash    string           `json:"-"`
	AccountID      uuid.UUID        `json:"account_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Partition      ledger.Partition `json:"partition,omitempty"`
	ExpiresAt      time.Time        `json:"expires_at"`
	Related        ledger.Related   `json:"related,omitempty"`
	CreatedBy      string           `json:"created_by,omitempty"`
}

// HoldResult pairs the hold with the transfer that pledged it.
type HoldResult struct {
	Hold     *ledger.Hold           `json:"hold"`
	Transfer *ledger.TransferResult `json:"transfer"`
}

// holdIDFor derives the hold id from its transfer, so an idempotent replay
// of the hold transfer resolves to the same hold row.
func holdIDFor(transferID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("hold:"+transferID.String()))
}

// PlaceHold moves amount from available into the hold partition and records
// an active hold with an expiry deadline.
func (e *Escrow) PlaceHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	if req.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: hold expiry is required", ledger.ErrValidation)
	}
	if !req.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: hold expiry must be in the future", ledger.ErrValidation)
	}

	account := req.AccountID
	treq := ledger.TransferRequest{
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Kind:           ledger.KindHold,
		Source:         &account,
		Amount:         req.Amount,
		Related:        req.Related,
		Partition:      req.Partition,
		CreatedBy:      req.CreatedBy,
	}

	var hold *ledger.Hold
	res, err := e.engine.ExecuteWith(ctx, treq, func(tx storage.Tx, res *ledger.TransferResult) error {
		id := holdIDFor(res.Transfer.ID)
		if res.Replayed {
			existing, err := tx.Hold(id)
			if err != nil {
				return err
			}
			hold = existing
			return nil
		}
		now := time.Now().UTC()
		hold = &ledger.Hold{
			ID:         id,
			TransferID: res.Transfer.ID,
			AccountID:  req.AccountID,
			Amount:     req.Amount,
			Partition:  treq.HoldPartition(),
			Status:     ledger.HoldActive,
			ExpiresAt:  req.ExpiresAt.UTC(),
			Related:    req.Related,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.InsertHold(hold)
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed {
		e.logger.Info("hold placed",
			"hold_id", hold.ID.String(),
			"account_id", req.AccountID.String(),
			"amount", req.Amount.String(),
			"expires_at", hold.ExpiresAt)
	}
	return &HoldResult{Hold: hold, Transfer: res}, nil
}

// Capture resolves an active hold by moving the held amount to the
// destination account. The optional fee is skimmed to the platform fee
// account for the currency.
func (e *Escrow) Capture(ctx context.Context, idempotencyKey, requestHash string, holdID, destination uuid.UUID, fee decimal.Decimal, createdBy string) (*HoldResult, error) {
	hold, err := e.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Status != ledger.HoldActive {
		if err := e.checkResolvedByKey(ctx, idempotencyKey, hold); err != nil {
			return nil, err
		}
	}

	source := hold.AccountID
	treq := ledger.TransferRequest{
		IdempotencyKey: idempotencyKey,
		RequestHash:    requestHash,
		Kind:           ledger.KindCapture,
		Source:         &source,
		Destination:    &destination,
		Amount:         hold.Amount,
		Fee:            fee,
		Related:        hold.Related,
		Partition:      hold.Partition,
		CreatedBy:      createdBy,
	}
	return e.resolve(ctx, treq, holdID, ledger.HoldCaptured)
}

// Release resolves an active hold by returning the held amount to the same
// account's available partition.
func (e *Escrow) Release(ctx context.Context, idempotencyKey, requestHash string, holdID uuid.UUID, createdBy string) (*HoldResult, error) {
	hold, err := e.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Status != ledger.HoldActive {
		if err := e.checkResolvedByKey(ctx, idempotencyKey, hold); err != nil {
			return nil, err
		}
	}
	return e.release(ctx, hold, idempotencyKey, requestHash, createdBy, ledger.HoldReleased)
}

// checkResolvedByKey distinguishes a retry of the very request that resolved
// the hold, which must replay cleanly, from a fresh attempt to resolve a
// terminal hold.
func (e *Escrow) checkResolvedByKey(ctx context.Context, idempotencyKey string, hold *ledger.Hold) error {
	if _, err := e.store.GetTransferByKey(ctx, idempotencyKey); err != nil {
		if errors.Is(err, ledger.ErrTransferNotFound) {
			return fmt.Errorf("%w: hold %s is %s", ledger.ErrHoldNotActive, hold.ID, hold.Status)
		}
		return err
	}
	return nil
}

func (e *Escrow) release(ctx context.Context, hold *ledger.Hold, idempotencyKey, requestHash, createdBy string, terminal ledger.HoldStatus) (*HoldResult, error) {
	source := hold.AccountID
	treq := ledger.TransferRequest{
		IdempotencyKey: idempotencyKey,
		RequestHash:    requestHash,
		Kind:           ledger.KindRelease,
		Source:         &source,
		Amount:         hold.Amount,
		Related:        hold.Related,
		Partition:      hold.Partition,
		CreatedBy:      createdBy,
	}
	return e.resolve(ctx, treq, hold.ID, terminal)
}

// resolve runs the capture or release transfer and flips the hold to its
// terminal status inside the same transaction. The hold's status is
// re-checked under the account lock; a racing resolver loses cleanly.
func (e *Escrow) resolve(ctx context.Context, treq ledger.TransferRequest, holdID uuid.UUID, terminal ledger.HoldStatus) (*HoldResult, error) {
	var hold *ledger.Hold
	res, err := e.engine.ExecuteWith(ctx, treq, func(tx storage.Tx, res *ledger.TransferResult) error {
		current, err := tx.Hold(holdID)
		if err != nil {
			return err
		}
		if res.Replayed {
			hold = current
			return nil
		}
		if current.Status != ledger.HoldActive {
			return fmt.Errorf("%w: hold %s is %s", ledger.ErrHoldNotActive, current.ID, current.Status)
		}
		current.Status = terminal
		current.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateHold(current); err != nil {
			return err
		}
		hold = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &HoldResult{Hold: hold, Transfer: res}, nil
}

// GetHold looks up a hold by id.
func (e *Escrow) GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error) {
	return e.store.GetHold(ctx, id)
}

// Sweep releases every active hold whose expiry deadline has passed and
// publishes a HoldExpired event per hold. Each hold is released in its own
// transaction; one failure does not stall the rest of the batch.
func (e *Escrow) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ListExpiredHolds(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	released := 0
	for _, hold := range expired {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		// Deterministic key: a crashed sweep retried later replays instead
		// of double-releasing.
		key := "sweep:" + hold.ID.String()
		result, err := e.release(ctx, hold, key, "", sweeperActor, ledger.HoldExpired)
		if err != nil {
			e.logger.Error("hold expiry release failed",
				"hold_id", hold.ID.String(),
				"account_id", hold.AccountID.String(),
				"error", err)
			continue
		}
		if result.Transfer.Replayed {
			// Another sweeper (or an earlier attempt) released it first.
			// Re-emit the event; the deterministic event id keeps consumers
			// idempotent even if the first publish was lost.
			e.publishHoldExpired(ctx, result.Hold, result.Transfer.Transfer)
			continue
		}
		released++
		if e.metrics != nil {
			e.metrics.HoldsExpired.Inc()
		}
		e.publishHoldExpired(ctx, result.Hold, result.Transfer.Transfer)
	}
	return released, nil
}

func (e *Escrow) publishHoldExpired(ctx context.Context, hold *ledger.Hold, transfer *ledger.Transfer) {
	env, err := events.NewEnvelope(events.TypeHoldExpired, 1, hold.Related.ID)
	if err != nil {
		e.logger.Error("build hold expired event", "error", err)
		return
	}
	env.EventID = events.DeterministicEventID(events.TypeHoldExpired, hold.ID.String())
	evt := events.HoldExpiredEvent{
		Envelope:   env,
		HoldID:     hold.ID.String(),
		AccountID:  hold.AccountID.String(),
		TransferID: transfer.ID.String(),
		Amount:     hold.Amount.String(),
		ExpiredAt:  hold.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if err := e.publisher.PublishJSON(ctx, events.TopicLedger, hold.AccountID.String(), evt); err != nil {
		e.logger.Error("publish hold expired event", "hold_id", hold.ID.String(), "error", err)
	}
}

// RunSweeper loops the expiry sweep until the context is cancelled.
func (e *Escrow) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("hold expiry sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("hold expiry sweeper stopped")
			return
		case <-ticker.C:
			released, err := e.Sweep(ctx, time.Now())
			if err != nil && ctx.Err() == nil {
				e.logger.Error("expiry sweep failed", "error", err)
			}
			if released > 0 {
				e.logger.Info("expiry sweep released holds", "count", released)
			}
		}
	}
}
