package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stagepass/creditledger/internal/ledger"
)

type ownerKey struct {
	ownerKind ledger.OwnerKind
	ownerID   uuid.UUID
	currency  string
	kind      ledger.AccountKind
}

// MemoryStore keeps the full ledger state in process. It exists for tests,
// local development, and the benchmark tool; semantics match the Postgres
// store, with per-account mutexes standing in for row locks.
type MemoryStore struct {
	mu                sync.RWMutex
	accounts          map[uuid.UUID]*ledger.Account
	ownerIndex        map[ownerKey]uuid.UUID
	transfers         map[uuid.UUID]*ledger.Transfer
	transfersByKey    map[string]*ledger.Transfer
	reservedKeys      map[string]struct{}
	entriesByAccount  map[uuid.UUID][]*ledger.Entry
	entriesByTransfer map[uuid.UUID][]*ledger.Entry
	holds             map[uuid.UUID]*ledger.Hold
	checkpoints       map[uuid.UUID]*ledger.Checkpoint

	lockMu sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex

	seq atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:          make(map[uuid.UUID]*ledger.Account),
		ownerIndex:        make(map[ownerKey]uuid.UUID),
		transfers:         make(map[uuid.UUID]*ledger.Transfer),
		transfersByKey:    make(map[string]*ledger.Transfer),
		reservedKeys:      make(map[string]struct{}),
		entriesByAccount:  make(map[uuid.UUID][]*ledger.Entry),
		entriesByTransfer: make(map[uuid.UUID][]*ledger.Entry),
		holds:             make(map[uuid.UUID]*ledger.Hold),
		checkpoints:       make(map[uuid.UUID]*ledger.Checkpoint),
		locks:             make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) lockFor(id uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if m, ok := s.locks[id]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[id] = m
	return m
}

// Atomic locks the accounts in canonical order, runs fn against a buffering
// transaction, and commits the buffered writes only when fn succeeds.
func (s *MemoryStore) Atomic(ctx context.Context, accountIDs []uuid.UUID, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ordered := CanonicalOrder(accountIDs)
	// Hold the mutexes themselves for the unlock path; re-reading s.locks
	// would race with lockFor from concurrent calls.
	mus := make([]*sync.Mutex, len(ordered))
	for i, id := range ordered {
		mus[i] = s.lockFor(id)
		mus[i].Lock()
	}
	defer func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}()

	tx := &memTx{
		store:  s,
		locked: make(map[uuid.UUID]struct{}, len(ordered)),
	}
	for _, id := range ordered {
		tx.locked[id] = struct{}{}
	}

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: account id %s", ledger.ErrDuplicateAccount, acct.ID)
	}
	key, unique := accountOwnerKey(acct)
	if unique {
		if _, ok := s.ownerIndex[key]; ok {
			return ledger.ErrDuplicateAccount
		}
	}
	s.accounts[acct.ID] = acct.Clone()
	if unique {
		s.ownerIndex[key] = acct.ID
	}
	return nil
}

// accountOwnerKey reports the uniqueness key for an account and whether the
// uniqueness rule applies: one active personal/business account per owner
// and currency; escrow pools are shared.
func accountOwnerKey(acct *ledger.Account) (ownerKey, bool) {
	key := ownerKey{
		ownerKind: acct.Owner.Kind,
		ownerID:   acct.Owner.ID,
		currency:  acct.Currency,
		kind:      acct.Kind,
	}
	unique := acct.Kind != ledger.AccountEscrowPool && acct.Status == ledger.AccountActive
	return key, unique
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (s *MemoryStore) GetAccountByOwner(ctx context.Context, owner ledger.Owner, currency string, kind ledger.AccountKind) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ownerIndex[ownerKey{ownerKind: owner.Kind, ownerID: owner.ID, currency: currency, kind: kind}]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return s.accounts[id].Clone(), nil
}

func (s *MemoryStore) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
	return ids, nil
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id uuid.UUID) (*ledger.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetTransferByKey(ctx context.Context, key string) (*ledger.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfersByKey[key]
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetTransferEntries(ctx context.Context, transferID uuid.UUID) ([]*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.entriesByTransfer[transferID]), nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, accountID uuid.UUID, afterSeq int64, limit int) ([]*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ledger.ErrAccountNotFound
	}
	var out []*ledger.Entry
	for _, e := range s.entriesByAccount[accountID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetHold(ctx context.Context, id uuid.UUID) (*ledger.Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, ledger.ErrHoldNotFound
	}
	return h.Clone(), nil
}

func (s *MemoryStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*ledger.Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Hold
	for _, h := range s.holds {
		if h.Status == ledger.HoldActive && !h.ExpiresAt.After(now) {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx buffers all writes; commit applies them while the account locks are
// still held, so a failed operation leaves no trace.
type memTx struct {
	store  *MemoryStore
	locked map[uuid.UUID]struct{}

	dirtyAccounts map[uuid.UUID]*ledger.Account
	newTransfers  []*ledger.Transfer
	claimedKeys   []string
	reversed      []uuid.UUID
	newEntries    []*ledger.Entry
	dirtyHolds    map[uuid.UUID]*ledger.Hold
	newCheckpoint *ledger.Checkpoint
}

func (tx *memTx) requireLocked(id uuid.UUID) error {
	if _, ok := tx.locked[id]; !ok {
		return fmt.Errorf("account %s not in transaction lock set", id)
	}
	return nil
}

func (tx *memTx) Account(id uuid.UUID) (*ledger.Account, error) {
	if err := tx.requireLocked(id); err != nil {
		return nil, err
	}
	if acct, ok := tx.dirtyAccounts[id]; ok {
		return acct.Clone(), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	acct, ok := tx.store.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (tx *memTx) UpdateAccount(acct *ledger.Account) error {
	if err := tx.requireLocked(acct.ID); err != nil {
		return err
	}
	if tx.dirtyAccounts == nil {
		tx.dirtyAccounts = make(map[uuid.UUID]*ledger.Account)
	}
	tx.dirtyAccounts[acct.ID] = acct.Clone()
	return nil
}

func (tx *memTx) TransferByKey(key string) (*ledger.Transfer, error) {
	for _, t := range tx.newTransfers {
		if t.IdempotencyKey == key {
			return t.Clone(), nil
		}
	}
	return tx.store.GetTransferByKey(context.Background(), key)
}

func (tx *memTx) InsertTransfer(t *ledger.Transfer) error {
	for _, pending := range tx.newTransfers {
		if pending.IdempotencyKey == t.IdempotencyKey {
			return ledger.ErrIdempotencyConflict
		}
	}
	// Claim the key in shared state, the stand-in for the unique column.
	// Without it two transactions over disjoint lock sets could both pass
	// the check and both commit under one key.
	s := tx.store
	s.mu.Lock()
	_, committed := s.transfersByKey[t.IdempotencyKey]
	_, claimed := s.reservedKeys[t.IdempotencyKey]
	if committed || claimed {
		s.mu.Unlock()
		return ledger.ErrIdempotencyConflict
	}
	s.reservedKeys[t.IdempotencyKey] = struct{}{}
	s.mu.Unlock()

	tx.claimedKeys = append(tx.claimedKeys, t.IdempotencyKey)
	tx.newTransfers = append(tx.newTransfers, t.Clone())
	return nil
}

func (tx *memTx) MarkTransferReversed(id uuid.UUID) error {
	tx.store.mu.RLock()
	t, ok := tx.store.transfers[id]
	tx.store.mu.RUnlock()
	if !ok {
		return ledger.ErrTransferNotFound
	}
	if t.Status != ledger.TransferApplied {
		return ledger.ErrInvalidTransition
	}
	for _, prior := range tx.reversed {
		if prior == id {
			return ledger.ErrInvalidTransition
		}
	}
	tx.reversed = append(tx.reversed, id)
	return nil
}

func (tx *memTx) EntriesByTransfer(id uuid.UUID) ([]*ledger.Entry, error) {
	out, err := tx.store.GetTransferEntries(context.Background(), id)
	if err != nil {
		return nil, err
	}
	for _, e := range tx.newEntries {
		if e.TransferID == id {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (tx *memTx) AppendEntries(entries []*ledger.Entry) error {
	for _, e := range entries {
		if err := tx.requireLocked(e.AccountID); err != nil {
			return err
		}
	}
	for _, e := range entries {
		e.Seq = tx.store.seq.Add(1)
		tx.newEntries = append(tx.newEntries, cloneEntry(e))
	}
	return nil
}

func (tx *memTx) EntriesAfter(accountID uuid.UUID, afterSeq int64) ([]*ledger.Entry, error) {
	if err := tx.requireLocked(accountID); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	committed := cloneEntries(tx.store.entriesByAccount[accountID])
	tx.store.mu.RUnlock()

	var out []*ledger.Entry
	for _, e := range committed {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	for _, e := range tx.newEntries {
		if e.AccountID == accountID && e.Seq > afterSeq {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (tx *memTx) InsertHold(h *ledger.Hold) error {
	if err := tx.requireLocked(h.AccountID); err != nil {
		return err
	}
	if tx.dirtyHolds == nil {
		tx.dirtyHolds = make(map[uuid.UUID]*ledger.Hold)
	}
	tx.dirtyHolds[h.ID] = h.Clone()
	return nil
}

func (tx *memTx) Hold(id uuid.UUID) (*ledger.Hold, error) {
	if h, ok := tx.dirtyHolds[id]; ok {
		return h.Clone(), nil
	}
	return tx.store.GetHold(context.Background(), id)
}

func (tx *memTx) UpdateHold(h *ledger.Hold) error {
	return tx.InsertHold(h)
}

func (tx *memTx) Checkpoint(accountID uuid.UUID) (*ledger.Checkpoint, error) {
	if err := tx.requireLocked(accountID); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	cp, ok := tx.store.checkpoints[accountID]
	if !ok {
		return nil, nil
	}
	out := *cp
	return &out, nil
}

func (tx *memTx) SaveCheckpoint(cp *ledger.Checkpoint) error {
	if err := tx.requireLocked(cp.AccountID); err != nil {
		return err
	}
	out := *cp
	tx.newCheckpoint = &out
	return nil
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, acct := range tx.dirtyAccounts {
		prev := s.accounts[id]
		if prev != nil {
			if key, unique := accountOwnerKey(prev); unique {
				delete(s.ownerIndex, key)
			}
		}
		s.accounts[id] = acct
		if key, unique := accountOwnerKey(acct); unique {
			s.ownerIndex[key] = id
		}
	}
	for _, t := range tx.newTransfers {
		s.transfers[t.ID] = t
		s.transfersByKey[t.IdempotencyKey] = t
	}
	for _, key := range tx.claimedKeys {
		delete(s.reservedKeys, key)
	}
	for _, id := range tx.reversed {
		if t, ok := s.transfers[id]; ok {
			t.Status = ledger.TransferReversed
		}
	}
	for _, e := range tx.newEntries {
		s.entriesByAccount[e.AccountID] = append(s.entriesByAccount[e.AccountID], e)
		s.entriesByTransfer[e.TransferID] = append(s.entriesByTransfer[e.TransferID], e)
	}
	for id, h := range tx.dirtyHolds {
		s.holds[id] = h
	}
	if tx.newCheckpoint != nil {
		s.checkpoints[tx.newCheckpoint.AccountID] = tx.newCheckpoint
	}
}

// rollback releases key claims made by a failed transaction so the key is
// immediately reusable, matching Postgres rollback semantics.
func (tx *memTx) rollback() {
	if len(tx.claimedKeys) == 0 {
		return
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range tx.claimedKeys {
		delete(s.reservedKeys, key)
	}
}

func cloneEntry(e *ledger.Entry) *ledger.Entry {
	cp := *e
	return &cp
}

func cloneEntries(entries []*ledger.Entry) []*ledger.Entry {
	out := make([]*ledger.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneEntry(e))
	}
	return out
}
