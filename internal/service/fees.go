package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/storage"
)

// PlatformTeamID owns the per-currency fee accounts. Derived, not random,
// so every deployment against the same store converges on one owner.
var PlatformTeamID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("creditledger:platform"))

// EnsureFeeAccounts provisions one business account per currency to receive
// platform fee revenue. Idempotent: an existing account is reused.
func EnsureFeeAccounts(ctx context.Context, store storage.Store, currencies []string) (map[string]uuid.UUID, error) {
	owner := ledger.Owner{Kind: ledger.OwnerTeam, ID: PlatformTeamID}
	out := make(map[string]uuid.UUID, len(currencies))
	for _, currency := range currencies {
		acct, err := store.GetAccountByOwner(ctx, owner, currency, ledger.AccountBusiness)
		if err == nil {
			out[currency] = acct.ID
			continue
		}
		if !errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, fmt.Errorf("look up fee account for %s: %w", currency, err)
		}

		now := time.Now().UTC()
		acct = &ledger.Account{
			ID:        uuid.New(),
			Owner:     owner,
			Currency:  currency,
			Kind:      ledger.AccountBusiness,
			Status:    ledger.AccountActive,
			Available: decimal.Zero,
			Pending:   decimal.Zero,
			Frozen:    decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateAccount(ctx, acct); err != nil {
			// Lost a race with a concurrent instance; read theirs.
			if errors.Is(err, ledger.ErrDuplicateAccount) {
				existing, lookupErr := store.GetAccountByOwner(ctx, owner, currency, ledger.AccountBusiness)
				if lookupErr != nil {
					return nil, lookupErr
				}
				out[currency] = existing.ID
				continue
			}
			return nil, fmt.Errorf("create fee account for %s: %w", currency, err)
		}
		out[currency] = acct.ID
	}
	return out, nil
}
