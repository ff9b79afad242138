package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/events"
	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/storage"
)

// Reconciler periodically replays each account's journal from its last
// verified checkpoint and compares the result against the stored balance
// partitions. Drift is never auto-corrected: the account is suspended and
// the mismatch surfaced to operators.
type Reconciler struct {
	store     storage.Store
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

func NewReconciler(store storage.Store, publisher events.Publisher, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// drift describes one partition whose stored balance disagrees with the
// replayed journal.
type drift struct {
	partition ledger.Partition
	stored    decimal.Decimal
	replayed  decimal.Decimal
	lastSeq   int64
}

// ReconcileAccount verifies one account under its exclusive lock. On a clean
// pass the checkpoint advances; on drift the account is suspended and a
// DriftDetected event is published after commit.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID uuid.UUID) error {
	var drifts []drift

	err := r.store.Atomic(ctx, []uuid.UUID{accountID}, func(tx storage.Tx) error {
		acct, err := tx.Account(accountID)
		if err != nil {
			return err
		}
		if acct.Status == ledger.AccountClosed {
			return nil
		}

		available, pending, frozen := decimal.Zero, decimal.Zero, decimal.Zero
		lastSeq := int64(0)
		cp, err := tx.Checkpoint(accountID)
		if err != nil {
			return err
		}
		if cp != nil {
			available, pending, frozen = cp.Available, cp.Pending, cp.Frozen
			lastSeq = cp.LastSeq
		}

		entries, err := tx.EntriesAfter(accountID, lastSeq)
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch e.Partition {
			case ledger.PartitionPending:
				pending = pending.Add(e.Amount)
			case ledger.PartitionFrozen:
				frozen = frozen.Add(e.Amount)
			default:
				available = available.Add(e.Amount)
			}
			if e.Seq > lastSeq {
				lastSeq = e.Seq
			}
		}

		drifts = compareBalances(acct, available, pending, frozen, lastSeq)
		if len(drifts) > 0 {
			if acct.Status == ledger.AccountActive {
				acct.Status = ledger.AccountSuspended
				acct.UpdatedAt = time.Now().UTC()
				if err := tx.UpdateAccount(acct); err != nil {
					return err
				}
			}
			// Checkpoint stays put; the divergent range must remain
			// replayable for the operator.
			return nil
		}

		return tx.SaveCheckpoint(&ledger.Checkpoint{
			AccountID:  accountID,
			LastSeq:    lastSeq,
			Available:  available,
			Pending:    pending,
			Frozen:     frozen,
			VerifiedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.ReconcileRuns.WithLabelValues("error").Inc()
		}
		return err
	}

	if len(drifts) == 0 {
		if r.metrics != nil {
			r.metrics.ReconcileRuns.WithLabelValues("clean").Inc()
		}
		return nil
	}

	if r.metrics != nil {
		r.metrics.ReconcileRuns.WithLabelValues("drift").Inc()
		r.metrics.DriftDetected.Inc()
	}
	for _, d := range drifts {
		r.logger.Error("ledger drift detected",
			"account_id", accountID.String(),
			"partition", string(d.partition),
			"stored", d.stored.String(),
			"replayed", d.replayed.String(),
			"last_seq", d.lastSeq)
		r.publishDrift(ctx, accountID, d)
	}
	return ledger.ErrLedgerDrift
}

func compareBalances(acct *ledger.Account, available, pending, frozen decimal.Decimal, lastSeq int64) []drift {
	var out []drift
	checks := []struct {
		partition ledger.Partition
		stored    decimal.Decimal
		replayed  decimal.Decimal
	}{
		{ledger.PartitionAvailable, acct.Available, available},
		{ledger.PartitionPending, acct.Pending, pending},
		{ledger.PartitionFrozen, acct.Frozen, frozen},
	}
	for _, c := range checks {
		if !c.stored.Equal(c.replayed) {
			out = append(out, drift{
				partition: c.partition,
				stored:    c.stored,
				replayed:  c.replayed,
				lastSeq:   lastSeq,
			})
		}
	}
	return out
}

func (r *Reconciler) publishDrift(ctx context.Context, accountID uuid.UUID, d drift) {
	env, err := events.NewEnvelope(events.TypeDriftDetected, 1, "")
	if err != nil {
		r.logger.Error("build drift event", "error", err)
		return
	}
	env.EventID = events.DeterministicEventID(
		events.TypeDriftDetected, accountID.String(), string(d.partition), d.stored.String(), d.replayed.String())
	evt := events.DriftDetectedEvent{
		Envelope:         env,
		AccountID:        accountID.String(),
		Partition:        string(d.partition),
		StoredBalance:    d.stored.String(),
		ReplayedBalance:  d.replayed.String(),
		LastVerifiedSeq:  d.lastSeq,
		SuspendedAccount: true,
	}
	if err := r.publisher.PublishJSON(ctx, events.TopicLedger, accountID.String(), evt); err != nil {
		r.logger.Error("publish drift event", "account_id", accountID.String(), "error", err)
	}
}

// Run reconciles every account once. Drifted accounts are counted, not
// fatal; the pass continues so one bad account cannot hide another.
func (r *Reconciler) Run(ctx context.Context) (drifted int, err error) {
	ids, err := r.store.ListAccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		switch err := r.ReconcileAccount(ctx, id); {
		case err == nil:
		case errors.Is(err, ledger.ErrLedgerDrift):
			drifted++
		default:
			r.logger.Error("reconcile account failed", "account_id", id.String(), "error", err)
		}
	}
	return drifted, nil
}

// RunLoop runs reconciliation passes on an interval until cancelled.
func (r *Reconciler) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			drifted, err := r.Run(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile pass failed", "error", err)
			}
			if drifted > 0 {
				r.logger.Warn("reconcile pass found drift", "accounts", drifted)
			}
		}
	}
}
