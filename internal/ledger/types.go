package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerTeam OwnerKind = "team"
)

// Owner identifies the single principal an account belongs to. The tagged
// pair replaces the user-or-team nullable foreign keys of the upstream
// schema: exactly one kind, exactly one id.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func (o Owner) Validate() error {
	if o.Kind != OwnerUser && o.Kind != OwnerTeam {
		return fmt.Errorf("%w: owner kind must be user or team", ErrValidation)
	}
	if o.ID == uuid.Nil {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	return nil
}

type AccountKind string

const (
	AccountPersonal   AccountKind = "personal"
	AccountBusiness   AccountKind = "business"
	AccountEscrowPool AccountKind = "escrow_pool"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// Partition names one of the three balance buckets of an account.
type Partition string

const (
	PartitionAvailable Partition = "available"
	PartitionPending   Partition = "pending"
	PartitionFrozen    Partition = "frozen"
)

// Account is one fungible store of platform credit. The partitions are a
// derived cache of the journal: available+pending+frozen must always equal
// the replayed sum of the account's entries.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Owner     Owner           `json:"owner"`
	Currency  string          `json:"currency"`
	Kind      AccountKind     `json:"kind"`
	Status    AccountStatus   `json:"status"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Frozen    decimal.Decimal `json:"frozen"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Balance returns the named partition.
func (a *Account) Balance(p Partition) decimal.Decimal {
	switch p {
	case PartitionPending:
		return a.Pending
	case PartitionFrozen:
		return a.Frozen
	default:
		return a.Available
	}
}

func (a *Account) setBalance(p Partition, v decimal.Decimal) {
	switch p {
	case PartitionPending:
		a.Pending = v
	case PartitionFrozen:
		a.Frozen = v
	default:
		a.Available = v
	}
}

// Total is the sum of all three partitions.
func (a *Account) Total() decimal.Decimal {
	return a.Available.Add(a.Pending).Add(a.Frozen)
}

// Clone returns a copy safe to mutate without affecting the original.
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}

// ValidStatusTransition reports whether an account may move between the two
// statuses. closed is terminal.
func ValidStatusTransition(from, to AccountStatus) bool {
	if from == to {
		return false
	}
	if from == AccountClosed {
		return false
	}
	switch to {
	case AccountActive, AccountSuspended, AccountClosed:
		return true
	}
	return false
}

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldCaptured HoldStatus = "captured"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

// Related is an opaque reference to an entity owned by a collaborator
// service (a booking, a subscription, a gateway charge). The ledger stores
// it and never dereferences it.
type Related struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// Hold is a pending obligation overlaying a transfer of kind hold. Its
// amount stays mirrored in the account's pending (or frozen) partition until
// exactly one of capture, release, or expiry resolves it.
type Hold struct {
	ID         uuid.UUID       `json:"id"`
	TransferID uuid.UUID       `json:"transfer_id"`
	AccountID  uuid.UUID       `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Partition  Partition       `json:"partition"`
	Status     HoldStatus      `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Related    Related         `json:"related,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (h *Hold) Clone() *Hold {
	cp := *h
	return &cp
}

// Checkpoint records the last journal position at which an account's stored
// partitions were verified against the replayed entry sums. Reconciliation
// resumes from here instead of replaying the full history.
type Checkpoint struct {
	AccountID  uuid.UUID       `json:"account_id"`
	LastSeq    int64           `json:"last_seq"`
	Available  decimal.Decimal `json:"available"`
	Pending    decimal.Decimal `json:"pending"`
	Frozen     decimal.Decimal `json:"frozen"`
	VerifiedAt time.Time       `json:"verified_at"`
}
