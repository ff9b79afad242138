// Package events publishes ledger observability events for alerting
// collaborators: hold expirations and detected ledger drift.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TopicLedger = "ledger.events"

	TypeHoldExpired   = "ledger.hold.expired"
	TypeDriftDetected = "ledger.drift.detected"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event_type is required")
	}
	if version <= 0 {
		return Envelope{}, fmt.Errorf("event_version must be positive")
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// DeterministicEventID derives a stable id from its parts, so a retried
// publisher emits the same event id for the same underlying occurrence.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// HoldExpiredEvent is emitted after the sweep releases a hold past its
// expiry deadline.
type HoldExpiredEvent struct {
	Envelope
	HoldID     string `json:"hold_id"`
	AccountID  string `json:"account_id"`
	TransferID string `json:"transfer_id"`
	Amount     string `json:"amount"`
	ExpiredAt  string `json:"expired_at"`
}

// DriftDetectedEvent is emitted when reconciliation finds stored balances
// that disagree with the replayed journal. Never auto-corrected.
type DriftDetectedEvent struct {
	Envelope
	AccountID        string `json:"account_id"`
	Partition        string `json:"partition"`
	StoredBalance    string `json:"stored_balance"`
	ReplayedBalance  string `json:"replayed_balance"`
	LastVerifiedSeq  int64  `json:"last_verified_seq"`
	SuspendedAccount bool   `json:"suspended_account"`
}
