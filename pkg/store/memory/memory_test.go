package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
	"github.com/oxzoid/flowpay/pkg/store/memory"
)

func TestWithTxRollsBackEveryMutationOnError(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var accountID int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		accountID, err = tx.FetchOrCreateAccount(ctx, "c1", "")
		return err
	}))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.InsertOrder(ctx, &domain.Order{OrderID: "A", LinkedAccountID: &accountID, Amount: 10, Status: domain.OrderUnclaimed}); err != nil {
			return err
		}
		if err := tx.AdjustAccount(ctx, accountID, store.AccountDelta{Pending: 10}, "order", "A"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, getErr := tx.GetOrder(ctx, "A")
		require.ErrorIs(t, getErr, domain.ErrOrderNotFound, "a failed transaction must leave no trace of its order insert")

		acc, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		require.Equal(t, int64(0), acc.Pending, "a failed transaction must leave no trace of its account delta")
		return nil
	}))
}

func TestInsertOrderIdempotentOnConflict(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var accountID int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		accountID, err = tx.FetchOrCreateAccount(ctx, "c1", "")
		return err
	}))

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, err := tx.InsertOrder(ctx, &domain.Order{OrderID: "A", LinkedAccountID: &accountID, Amount: 10, Status: domain.OrderUnclaimed})
		require.NoError(t, err)
		require.False(t, res.WasExisting)
		return nil
	}))

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, err := tx.InsertOrder(ctx, &domain.Order{OrderID: "A", LinkedAccountID: &accountID, Amount: 999, Status: domain.OrderClaimed})
		require.NoError(t, err)
		require.True(t, res.WasExisting)
		o, err := tx.GetOrder(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, int64(10), o.Amount, "a conflicting insert must not mutate the existing row")
		return nil
	}))
}

func TestAdjustAccountRejectsNegativeSpendable(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	var accountID int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		accountID, err = tx.FetchOrCreateAccount(ctx, "c1", "")
		return err
	}))

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AdjustAccount(ctx, accountID, store.AccountDelta{Debits: 10}, "order", "A")
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
