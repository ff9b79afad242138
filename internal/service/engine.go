// Package service houses the transfer engine, the escrow coordinator, and
// the reconciliation job. All balance mutations in the system flow through
// Engine.ExecuteWith; nothing else writes to account partitions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/storage"
)

// Engine validates and applies atomic double-entry transfers. One call, one
// storage transaction: journal entries and balance partitions never diverge.
type Engine struct {
	store       storage.Store
	feeAccounts map[string]uuid.UUID
	logger      *slog.Logger
	metrics     *Metrics
}

func NewEngine(store storage.Store, feeAccounts map[string]uuid.UUID, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if feeAccounts == nil {
		feeAccounts = map[string]uuid.UUID{}
	}
	return &Engine{
		store:       store,
		feeAccounts: feeAccounts,
		logger:      logger,
		metrics:     metrics,
	}
}

// Execute applies a transfer request exactly once per idempotency key.
func (e *Engine) Execute(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error) {
	return e.ExecuteWith(ctx, req, nil)
}

// ExecuteWith additionally runs after inside the same storage transaction,
// once the transfer has been applied (or replayed). The escrow coordinator
// uses it to keep hold rows in step with hold/capture/release transfers.
func (e *Engine) ExecuteWith(ctx context.Context, req ledger.TransferRequest, after func(tx storage.Tx, res *ledger.TransferResult) error) (*ledger.TransferResult, error) {
	start := time.Now()
	res, err := e.execute(ctx, req, after)
	if e.metrics != nil {
		status := "applied"
		switch {
		case err != nil:
			status = "error"
		case res.Replayed:
			status = "replayed"
		}
		e.metrics.TransfersTotal.WithLabelValues(string(req.Kind), status).Inc()
		e.metrics.TransferDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (e *Engine) execute(ctx context.Context, req ledger.TransferRequest, after func(tx storage.Tx, res *ledger.TransferResult) error) (*ledger.TransferResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Fast path: a transfer already stored under this key is returned as-is.
	// The authoritative re-check happens again under the account locks.
	// Skipped when an after callback is present; the callback must run inside
	// the transaction, and only the in-transaction replay branch does that.
	if after == nil {
		if existing, err := e.store.GetTransferByKey(ctx, req.IdempotencyKey); err == nil {
			return e.replay(ctx, req, existing)
		} else if !errors.Is(err, ledger.ErrTransferNotFound) {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}

	plan, err := e.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	var res *ledger.TransferResult
	err = e.store.Atomic(ctx, plan.lockSet, func(tx storage.Tx) error {
		existing, err := tx.TransferByKey(req.IdempotencyKey)
		if err == nil {
			if req.RequestHash != "" && existing.RequestHash != req.RequestHash {
				return ledger.ErrIdempotencyMismatch
			}
			entries, err := tx.EntriesByTransfer(existing.ID)
			if err != nil {
				return err
			}
			res = &ledger.TransferResult{Transfer: existing, Entries: entries, Replayed: true}
		} else if !errors.Is(err, ledger.ErrTransferNotFound) {
			return err
		} else {
			res, err = e.apply(tx, req, plan)
			if err != nil {
				return err
			}
		}
		if after != nil {
			return after(tx, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) replay(ctx context.Context, req ledger.TransferRequest, existing *ledger.Transfer) (*ledger.TransferResult, error) {
	if req.RequestHash != "" && existing.RequestHash != req.RequestHash {
		return nil, ledger.ErrIdempotencyMismatch
	}
	entries, err := e.store.GetTransferEntries(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return &ledger.TransferResult{Transfer: existing, Entries: entries, Replayed: true}, nil
}

// transferPlan is everything resolvable before locks are taken: the lock
// set, the fee account, and for refunds the original transfer.
type transferPlan struct {
	lockSet    []uuid.UUID
	feeAccount *uuid.UUID
	original   *ledger.Transfer
}

func (e *Engine) plan(ctx context.Context, req ledger.TransferRequest) (*transferPlan, error) {
	plan := &transferPlan{}

	if req.Kind == ledger.KindRefund {
		original, err := e.store.GetTransfer(ctx, *req.ReversalOf)
		if err != nil {
			return nil, err
		}
		if original.Status != ledger.TransferApplied {
			return nil, fmt.Errorf("%w: transfer %s is %s, only applied transfers can be refunded",
				ledger.ErrInvalidTransition, original.ID, original.Status)
		}
		switch original.Kind {
		case ledger.KindHold, ledger.KindRelease, ledger.KindRefund:
			return nil, fmt.Errorf("%w: %s transfers cannot be refunded", ledger.ErrValidation, original.Kind)
		}
		entries, err := e.store.GetTransferEntries(ctx, original.ID)
		if err != nil {
			return nil, err
		}
		seen := map[uuid.UUID]struct{}{}
		for _, entry := range entries {
			if _, ok := seen[entry.AccountID]; !ok {
				seen[entry.AccountID] = struct{}{}
				plan.lockSet = append(plan.lockSet, entry.AccountID)
			}
		}
		plan.original = original
		return plan, nil
	}

	if req.Source != nil {
		plan.lockSet = append(plan.lockSet, *req.Source)
	}
	if req.Destination != nil {
		plan.lockSet = append(plan.lockSet, *req.Destination)
	}

	if !req.Fee.IsZero() || req.Kind == ledger.KindFee {
		anchor := req.Source
		if anchor == nil {
			anchor = req.Destination
		}
		acct, err := e.store.GetAccount(ctx, *anchor)
		if err != nil {
			return nil, err
		}
		feeID, ok := e.feeAccounts[acct.Currency]
		if !ok {
			return nil, fmt.Errorf("%w: no fee account configured for currency %s", ledger.ErrValidation, acct.Currency)
		}
		plan.feeAccount = &feeID
		plan.lockSet = append(plan.lockSet, feeID)
	}

	return plan, nil
}

func (e *Engine) apply(tx storage.Tx, req ledger.TransferRequest, plan *transferPlan) (*ledger.TransferResult, error) {
	now := time.Now().UTC()
	transfer := &ledger.Transfer{
		ID:             uuid.New(),
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Kind:           req.Kind,
		Source:         req.Source,
		Destination:    req.Destination,
		Amount:         req.Amount,
		Fee:            req.Fee,
		Related:        req.Related,
		Status:         ledger.TransferApplied,
		ExternalRef:    req.ExternalRef,
		ReversalOf:     req.ReversalOf,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
	}

	accounts := make(map[uuid.UUID]*ledger.Account, len(plan.lockSet))
	for _, id := range plan.lockSet {
		acct, err := tx.Account(id)
		if err != nil {
			return nil, err
		}
		accounts[id] = acct
	}

	if err := validateAccounts(accounts); err != nil {
		return nil, err
	}

	var moves []ledger.Movement
	if req.Kind == ledger.KindRefund {
		originalEntries, err := tx.EntriesByTransfer(plan.original.ID)
		if err != nil {
			return nil, err
		}
		transfer.Source = plan.original.Destination
		transfer.Destination = plan.original.Source
		transfer.Amount = plan.original.Amount
		transfer.Fee = plan.original.Fee
		moves = ledger.BuildReversal(plan.original, originalEntries)
	} else {
		built, err := ledger.BuildMovements(transfer, holdPartition(req), plan.feeAccount)
		if err != nil {
			return nil, err
		}
		moves = built
	}

	entries := make([]*ledger.Entry, 0, len(moves))
	for _, m := range moves {
		acct, ok := accounts[m.AccountID]
		if !ok {
			return nil, fmt.Errorf("account %s not in transaction lock set", m.AccountID)
		}
		if err := ledger.ApplyMovement(acct, m); err != nil {
			return nil, err
		}
		entries = append(entries, &ledger.Entry{
			ID:             uuid.New(),
			AccountID:      m.AccountID,
			TransferID:     transfer.ID,
			Kind:           m.Kind,
			Partition:      m.Partition,
			Amount:         m.Amount,
			AvailableAfter: acct.Available,
			PendingAfter:   acct.Pending,
			FrozenAfter:    acct.Frozen,
			CreatedBy:      req.CreatedBy,
			CreatedAt:      now,
		})
	}

	if err := tx.InsertTransfer(transfer); err != nil {
		return nil, err
	}
	if err := tx.AppendEntries(entries); err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(acct); err != nil {
			return nil, err
		}
	}
	if req.Kind == ledger.KindRefund {
		if err := tx.MarkTransferReversed(plan.original.ID); err != nil {
			return nil, err
		}
	}

	return &ledger.TransferResult{Transfer: transfer, Entries: entries}, nil
}

// validateAccounts enforces status and currency rules before any balance
// moves: every involved account must be active (closed forbids debits,
// suspended accounts are frozen pending review) and all must share one
// currency. Conversion never happens inside a transfer.
func validateAccounts(accounts map[uuid.UUID]*ledger.Account) error {
	currency := ""
	for _, acct := range accounts {
		if acct.Status != ledger.AccountActive {
			return fmt.Errorf("%w: account %s is %s", ledger.ErrValidation, acct.ID, acct.Status)
		}
		if currency == "" {
			currency = acct.Currency
		} else if acct.Currency != currency {
			return fmt.Errorf("%w: accounts do not share a currency (%s vs %s)",
				ledger.ErrValidation, currency, acct.Currency)
		}
	}
	return nil
}

func holdPartition(req ledger.TransferRequest) ledger.Partition {
	switch req.Kind {
	case ledger.KindHold, ledger.KindCapture, ledger.KindRelease:
		return req.HoldPartition()
	default:
		return ledger.PartitionPending
	}
}

// GetBalances returns the three balance partitions with a snapshot read.
func (e *Engine) GetBalances(ctx context.Context, accountID uuid.UUID) (*ledger.Account, error) {
	return e.store.GetAccount(ctx, accountID)
}

// GetLedgerEntries pages through an account's journal ordered by sequence.
func (e *Engine) GetLedgerEntries(ctx context.Context, accountID uuid.UUID, afterSeq int64, limit int) ([]*ledger.Entry, error) {
	return e.store.ListEntries(ctx, accountID, afterSeq, limit)
}

// CreateAccount provisions a wallet for a principal. Personal and business
// accounts are unique per (owner, currency); escrow pools may be shared.
func (e *Engine) CreateAccount(ctx context.Context, owner ledger.Owner, currency string, kind ledger.AccountKind) (*ledger.Account, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ledger.ErrValidation)
	}
	switch kind {
	case ledger.AccountPersonal, ledger.AccountBusiness, ledger.AccountEscrowPool:
	default:
		return nil, fmt.Errorf("%w: unknown account kind %q", ledger.ErrValidation, kind)
	}

	now := time.Now().UTC()
	acct := &ledger.Account{
		ID:        uuid.New(),
		Owner:     owner,
		Currency:  currency,
		Kind:      kind,
		Status:    ledger.AccountActive,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		Frozen:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	e.logger.Info("account created",
		"account_id", acct.ID.String(),
		"owner_kind", string(owner.Kind),
		"currency", currency,
		"kind", string(kind))
	return acct, nil
}

// SetAccountStatus performs an administrative status change. closed is
// terminal.
func (e *Engine) SetAccountStatus(ctx context.Context, id uuid.UUID, status ledger.AccountStatus) error {
	switch status {
	case ledger.AccountActive, ledger.AccountSuspended, ledger.AccountClosed:
	default:
		return fmt.Errorf("%w: unknown account status %q", ledger.ErrValidation, status)
	}
	return storage.SetAccountStatus(ctx, e.store, id, status)
}

// GetTransfer looks up a transfer and its entries.
func (e *Engine) GetTransfer(ctx context.Context, id uuid.UUID) (*ledger.Transfer, []*ledger.Entry, error) {
	t, err := e.store.GetTransfer(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	entries, err := e.store.GetTransferEntries(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, entries, nil
}
