package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/ledger"
)

// PostgresStore is the production store: one pgx transaction per atomic
// operation, exclusive row locks via SELECT ... FOR UPDATE acquired in
// canonical order, journal sequence numbers from a BIGSERIAL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the ledger tables if they do not exist. Used by the
// seeder and integration tests; production deploys run the same DDL through
// their migration tooling.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id            UUID PRIMARY KEY,
	owner_kind    TEXT NOT NULL,
	owner_id      UUID NOT NULL,
	currency      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	available     NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (available >= 0),
	pending       NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (pending >= 0),
	frozen        NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (frozen >= 0),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_owner_unique
	ON accounts (owner_kind, owner_id, currency, kind)
	WHERE status = 'active' AND kind <> 'escrow_pool';

CREATE TABLE IF NOT EXISTS transfers (
	id                     UUID PRIMARY KEY,
	idempotency_key        TEXT NOT NULL UNIQUE,
	request_hash           TEXT NOT NULL DEFAULT '',
	kind                   TEXT NOT NULL,
	source_account_id      UUID,
	destination_account_id UUID,
	amount                 NUMERIC(20,2) NOT NULL,
	fee                    NUMERIC(20,2) NOT NULL DEFAULT 0,
	related_id             TEXT NOT NULL DEFAULT '',
	related_kind           TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL,
	external_ref           TEXT NOT NULL DEFAULT '',
	reversal_of            UUID,
	created_by             TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq               BIGSERIAL PRIMARY KEY,
	id                UUID NOT NULL UNIQUE,
	account_id        UUID NOT NULL REFERENCES accounts(id),
	transfer_id       UUID NOT NULL REFERENCES transfers(id),
	kind              TEXT NOT NULL,
	balance_partition TEXT NOT NULL,
	amount            NUMERIC(20,2) NOT NULL,
	available_after   NUMERIC(20,2) NOT NULL,
	pending_after     NUMERIC(20,2) NOT NULL,
	frozen_after      NUMERIC(20,2) NOT NULL,
	created_by        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_entries_account_seq ON ledger_entries (account_id, seq);
CREATE INDEX IF NOT EXISTS ledger_entries_transfer ON ledger_entries (transfer_id);

CREATE TABLE IF NOT EXISTS holds (
	id                UUID PRIMARY KEY,
	transfer_id       UUID NOT NULL REFERENCES transfers(id),
	account_id        UUID NOT NULL REFERENCES accounts(id),
	amount            NUMERIC(20,2) NOT NULL,
	balance_partition TEXT NOT NULL,
	status            TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	related_id        TEXT NOT NULL DEFAULT '',
	related_kind      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS holds_expiry ON holds (status, expires_at);

CREATE TABLE IF NOT EXISTS reconcile_checkpoints (
	account_id  UUID PRIMARY KEY REFERENCES accounts(id),
	last_seq    BIGINT NOT NULL,
	available   NUMERIC(20,2) NOT NULL,
	pending     NUMERIC(20,2) NOT NULL,
	frozen      NUMERIC(20,2) NOT NULL,
	verified_at TIMESTAMPTZ NOT NULL
);
`

const accountColumns = `id, owner_kind, owner_id, currency, kind, status,
	available::text, pending::text, frozen::text, created_at, updated_at`

const transferColumns = `id, idempotency_key, request_hash, kind,
	source_account_id, destination_account_id, amount::text, fee::text,
	related_id, related_kind, status, external_ref, reversal_of, created_by, created_at`

const entryColumns = `seq, id, account_id, transfer_id, kind, balance_partition,
	amount::text, available_after::text, pending_after::text, frozen_after::text,
	created_by, created_at`

const holdColumns = `id, transfer_id, account_id, amount::text, balance_partition,
	status, expires_at, related_id, related_kind, created_at, updated_at`

func (s *PostgresStore) Atomic(ctx context.Context, accountIDs []uuid.UUID, fn func(Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = pgtx.Rollback(ctx)
		}
	}()

	tx := &postgresTx{
		ctx:    ctx,
		tx:     pgtx,
		locked: make(map[uuid.UUID]*ledger.Account),
	}

	// Deterministic locking: rows locked in ascending-id order so two
	// transfers touching the same account pair can never deadlock.
	for _, id := range CanonicalOrder(accountIDs) {
		acct, err := tx.lockAccount(id)
		if err != nil {
			return err
		}
		tx.locked[id] = acct
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, owner_kind, owner_id, currency, kind, status,
			available, pending, frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, acct.ID, acct.Owner.Kind, acct.Owner.ID, acct.Currency, acct.Kind, acct.Status,
		acct.Available.String(), acct.Pending.String(), acct.Frozen.String(),
		acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateAccount
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetAccountByOwner(ctx context.Context, owner ledger.Owner, currency string, kind ledger.AccountKind) (*ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE owner_kind = $1 AND owner_id = $2 AND currency = $3 AND kind = $4 AND status = 'active'
		ORDER BY created_at LIMIT 1
	`, owner.Kind, owner.ID, currency, kind)
	return scanAccount(row)
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id uuid.UUID) (*ledger.Transfer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	return scanTransfer(row)
}

func (s *PostgresStore) GetTransferByKey(ctx context.Context, key string) (*ledger.Transfer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key)
	return scanTransfer(row)
}

func (s *PostgresStore) GetTransferEntries(ctx context.Context, transferID uuid.UUID) ([]*ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE transfer_id = $1 ORDER BY seq
	`, transferID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID uuid.UUID, afterSeq int64, limit int) ([]*ledger.Entry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ledger.ErrAccountNotFound
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, accountID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PostgresStore) GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id)
	return scanHold(row)
}

func (s *PostgresStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*ledger.Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ledger.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type postgresTx struct {
	ctx    context.Context
	tx     pgx.Tx
	locked map[uuid.UUID]*ledger.Account
}

func (t *postgresTx) lockAccount(id uuid.UUID) (*ledger.Account, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if isLockTimeout(err) {
			return nil, ledger.ErrLockTimeout
		}
		return nil, err
	}
	return acct, nil
}

func (t *postgresTx) Account(id uuid.UUID) (*ledger.Account, error) {
	acct, ok := t.locked[id]
	if !ok {
		return nil, fmt.Errorf("account %s not in transaction lock set", id)
	}
	return acct.Clone(), nil
}

func (t *postgresTx) UpdateAccount(acct *ledger.Account) error {
	if _, ok := t.locked[acct.ID]; !ok {
		return fmt.Errorf("account %s not in transaction lock set", acct.ID)
	}
	_, err := t.tx.Exec(t.ctx, `
		UPDATE accounts
		SET status = $1, available = $2, pending = $3, frozen = $4, updated_at = $5
		WHERE id = $6
	`, acct.Status, acct.Available.String(), acct.Pending.String(), acct.Frozen.String(),
		acct.UpdatedAt, acct.ID)
	if err != nil {
		return err
	}
	t.locked[acct.ID] = acct.Clone()
	return nil
}

func (t *postgresTx) TransferByKey(key string) (*ledger.Transfer, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key)
	return scanTransfer(row)
}

func (t *postgresTx) InsertTransfer(tr *ledger.Transfer) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO transfers (id, idempotency_key, request_hash, kind,
			source_account_id, destination_account_id, amount, fee,
			related_id, related_kind, status, external_ref, reversal_of, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, tr.ID, tr.IdempotencyKey, tr.RequestHash, tr.Kind,
		tr.Source, tr.Destination, tr.Amount.String(), tr.Fee.String(),
		tr.Related.ID, tr.Related.Kind, tr.Status, tr.ExternalRef, tr.ReversalOf,
		tr.CreatedBy, tr.CreatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrIdempotencyConflict
	}
	return err
}

func (t *postgresTx) MarkTransferReversed(id uuid.UUID) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE transfers SET status = $1 WHERE id = $2 AND status = $3`,
		ledger.TransferReversed, id, ledger.TransferApplied)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(t.ctx, `SELECT true FROM transfers WHERE id = $1`, id).Scan(&exists); err != nil {
			return ledger.ErrTransferNotFound
		}
		return ledger.ErrInvalidTransition
	}
	return nil
}

func (t *postgresTx) EntriesByTransfer(id uuid.UUID) ([]*ledger.Entry, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE transfer_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (t *postgresTx) AppendEntries(entries []*ledger.Entry) error {
	for _, e := range entries {
		if _, ok := t.locked[e.AccountID]; !ok {
			return fmt.Errorf("account %s not in transaction lock set", e.AccountID)
		}
		err := t.tx.QueryRow(t.ctx, `
			INSERT INTO ledger_entries (id, account_id, transfer_id, kind, balance_partition,
				amount, available_after, pending_after, frozen_after, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING seq
		`, e.ID, e.AccountID, e.TransferID, e.Kind, e.Partition,
			e.Amount.String(), e.AvailableAfter.String(), e.PendingAfter.String(),
			e.FrozenAfter.String(), e.CreatedBy, e.CreatedAt).Scan(&e.Seq)
		if err != nil {
			return fmt.Errorf("ledger entry insert failed: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) EntriesAfter(accountID uuid.UUID, afterSeq int64) ([]*ledger.Entry, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND seq > $2
		ORDER BY seq
	`, accountID, afterSeq)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (t *postgresTx) InsertHold(h *ledger.Hold) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO holds (id, transfer_id, account_id, amount, balance_partition,
			status, expires_at, related_id, related_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.TransferID, h.AccountID, h.Amount.String(), h.Partition,
		h.Status, h.ExpiresAt, h.Related.ID, h.Related.Kind, h.CreatedAt, h.UpdatedAt)
	return err
}

func (t *postgresTx) Hold(id uuid.UUID) (*ledger.Hold, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, id)
	return scanHold(row)
}

func (t *postgresTx) UpdateHold(h *ledger.Hold) error {
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE holds SET status = $1, updated_at = $2 WHERE id = $3
	`, h.Status, h.UpdatedAt, h.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrHoldNotFound
	}
	return nil
}

func (t *postgresTx) Checkpoint(accountID uuid.UUID) (*ledger.Checkpoint, error) {
	var cp ledger.Checkpoint
	var availableStr, pendingStr, frozenStr string
	row := t.tx.QueryRow(t.ctx, `
		SELECT account_id, last_seq, available::text, pending::text, frozen::text, verified_at
		FROM reconcile_checkpoints WHERE account_id = $1
	`, accountID)
	err := row.Scan(&cp.AccountID, &cp.LastSeq, &availableStr, &pendingStr, &frozenStr, &cp.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cp.Available, err = decimal.NewFromString(availableStr); err != nil {
		return nil, fmt.Errorf("parse checkpoint available: %w", err)
	}
	if cp.Pending, err = decimal.NewFromString(pendingStr); err != nil {
		return nil, fmt.Errorf("parse checkpoint pending: %w", err)
	}
	if cp.Frozen, err = decimal.NewFromString(frozenStr); err != nil {
		return nil, fmt.Errorf("parse checkpoint frozen: %w", err)
	}
	return &cp, nil
}

func (t *postgresTx) SaveCheckpoint(cp *ledger.Checkpoint) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO reconcile_checkpoints (account_id, last_seq, available, pending, frozen, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET last_seq = EXCLUDED.last_seq, available = EXCLUDED.available,
			pending = EXCLUDED.pending, frozen = EXCLUDED.frozen, verified_at = EXCLUDED.verified_at
	`, cp.AccountID, cp.LastSeq, cp.Available.String(), cp.Pending.String(),
		cp.Frozen.String(), cp.VerifiedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var acct ledger.Account
	var availableStr, pendingStr, frozenStr string
	err := row.Scan(&acct.ID, &acct.Owner.Kind, &acct.Owner.ID, &acct.Currency, &acct.Kind,
		&acct.Status, &availableStr, &pendingStr, &frozenStr, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if acct.Available, err = decimal.NewFromString(availableStr); err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	if acct.Pending, err = decimal.NewFromString(pendingStr); err != nil {
		return nil, fmt.Errorf("parse pending balance: %w", err)
	}
	if acct.Frozen, err = decimal.NewFromString(frozenStr); err != nil {
		return nil, fmt.Errorf("parse frozen balance: %w", err)
	}
	return &acct, nil
}

func scanTransfer(row rowScanner) (*ledger.Transfer, error) {
	var tr ledger.Transfer
	var amountStr, feeStr string
	err := row.Scan(&tr.ID, &tr.IdempotencyKey, &tr.RequestHash, &tr.Kind,
		&tr.Source, &tr.Destination, &amountStr, &feeStr,
		&tr.Related.ID, &tr.Related.Kind, &tr.Status, &tr.ExternalRef, &tr.ReversalOf,
		&tr.CreatedBy, &tr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTransferNotFound
	}
	if err != nil {
		return nil, err
	}
	if tr.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse transfer amount: %w", err)
	}
	if tr.Fee, err = decimal.NewFromString(feeStr); err != nil {
		return nil, fmt.Errorf("parse transfer fee: %w", err)
	}
	return &tr, nil
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var amountStr, availStr, pendStr, frozStr string
	err := row.Scan(&e.Seq, &e.ID, &e.AccountID, &e.TransferID, &e.Kind, &e.Partition,
		&amountStr, &availStr, &pendStr, &frozStr, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if e.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse entry amount: %w", err)
	}
	if e.AvailableAfter, err = decimal.NewFromString(availStr); err != nil {
		return nil, fmt.Errorf("parse entry available snapshot: %w", err)
	}
	if e.PendingAfter, err = decimal.NewFromString(pendStr); err != nil {
		return nil, fmt.Errorf("parse entry pending snapshot: %w", err)
	}
	if e.FrozenAfter, err = decimal.NewFromString(frozStr); err != nil {
		return nil, fmt.Errorf("parse entry frozen snapshot: %w", err)
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*ledger.Entry, error) {
	defer rows.Close()
	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanHold(row rowScanner) (*ledger.Hold, error) {
	var h ledger.Hold
	var amountStr string
	err := row.Scan(&h.ID, &h.TransferID, &h.AccountID, &amountStr, &h.Partition,
		&h.Status, &h.ExpiresAt, &h.Related.ID, &h.Related.Kind, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if h.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse hold amount: %w", err)
	}
	return &h, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03"
	}
	return false
}
