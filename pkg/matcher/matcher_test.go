package matcher_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxzoid/flowpay/pkg/account"
	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/matcher"
	"github.com/oxzoid/flowpay/pkg/store"
	"github.com/oxzoid/flowpay/pkg/store/memory"
)

// claimedOrder resolves accountID for custID, inserts a Claimed order for
// amount, and returns the account id.
func claimedOrder(t *testing.T, ctx context.Context, tx store.Tx, custID, orderID string, amount int64) int64 {
	t.Helper()
	accountID, err := account.Resolve(ctx, tx, custID, "")
	require.NoError(t, err)
	_, err = tx.InsertOrder(ctx, &domain.Order{
		OrderID:         orderID,
		CustomerID:      custID,
		LinkedAccountID: &accountID,
		Amount:          amount,
		Status:          domain.OrderClaimed,
	})
	require.NoError(t, err)
	require.NoError(t, tx.AdjustAccount(ctx, accountID, store.AccountDelta{Pending: amount}, "order", orderID))
	return accountID
}

func TestRunPaysWithinBalanceAndLeavesRemainderClaimed(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var accountID int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accountID = claimedOrder(t, ctx, tx, "c1", "A", 100)
		return tx.AdjustAccount(ctx, accountID, store.AccountDelta{Credits: 150}, "payment", "t1")
	}))

	var paid []*domain.Order
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		paid, err = matcher.Run(ctx, tx, accountID)
		return err
	}))
	require.Len(t, paid, 1)
	require.Equal(t, "A", paid[0].OrderID)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acc, err := tx.GetAccount(ctx, accountID)
		require.NoError(t, err)
		require.Equal(t, int64(150), acc.Credits)
		require.Equal(t, int64(100), acc.Debits)
		require.Equal(t, int64(0), acc.Pending)
		require.Equal(t, int64(50), acc.Spendable())
		return nil
	}))
}

func TestRunStopsAtFirstOrderExceedingBalance(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var accountID int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accountID = claimedOrder(t, ctx, tx, "c1", "A", 100)
		claimedOrder(t, ctx, tx, "c1", "B", 200)
		return tx.AdjustAccount(ctx, accountID, store.AccountDelta{Credits: 150}, "payment", "t1")
	}))

	var paid []*domain.Order
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		paid, err = matcher.Run(ctx, tx, accountID)
		return err
	}))
	require.Len(t, paid, 1, "order B (200) exceeds the 50 spendable left after A; it must not be paid")
	require.Equal(t, "A", paid[0].OrderID)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetOrder(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, domain.OrderClaimed, b.Status)
		return nil
	}))
}

func TestRunNoClaimableOrdersIsANoop(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	accountID := resolveOnly(t, st, "c1")
	var paid []*domain.Order
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		paid, err = matcher.Run(ctx, tx, accountID)
		return err
	}))
	require.Empty(t, paid)
}

func resolveOnly(t *testing.T, st store.Store, custID string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		id, err = account.Resolve(ctx, tx, custID, "")
		return err
	}))
	return id
}
