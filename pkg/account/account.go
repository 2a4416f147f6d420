// Package account resolves identities to accounts: given a customer-id
// and/or wallet address, find or create the single
// account that canonically owns both identities. It is a thin wrapper over
// store.Tx.FetchOrCreateAccount — the identity-conflict and linearizability
// guarantees live in the store implementation (the unique index on
// identity_links is the actual source of atomicity); this package is the
// stable, store-agnostic entry point business code calls.
package account

import (
	"context"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

// Resolve finds or creates the account owning custID and/or address within
// tx, attaching whichever link is missing. Returns domain.ErrIdentityConflict
// if the two keys already resolve to different accounts.
func Resolve(ctx context.Context, tx store.Tx, custID, address string) (int64, error) {
	return tx.FetchOrCreateAccount(ctx, custID, address)
}

// Merge links (kind, key) to accountID, used by claim_order where a wallet
// claim may introduce a second identity for an order's existing account. An
// empty key is a no-op. Fails with domain.ErrIdentityConflict if key is
// already linked to a different account.
func Merge(ctx context.Context, tx store.Tx, accountID int64, kind domain.IdentityKind, key string) error {
	if key == "" {
		return nil
	}
	return tx.LinkIdentity(ctx, kind, key, accountID)
}

// Lookup returns the account linked to (kind, key), or ok=false if no link
// exists yet.
func Lookup(ctx context.Context, tx store.Tx, kind domain.IdentityKind, key string) (int64, bool, error) {
	return tx.FindAccountForIdentity(ctx, kind, key)
}
