// Package matcher greedily pays off an account's Claimed orders in
// ascending (created_at, order_id) order until the next order would
// exceed its spendable balance.
package matcher

import (
	"context"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

// Run selects and pays every Claimed order on accountID that current
// spendable balance covers, in tie-break order, stopping at the first order
// that would exceed what remains. It must run inside the caller's
// transaction: a failed status update or account adjustment aborts the
// whole pass.
func Run(ctx context.Context, tx store.Tx, accountID int64) ([]*domain.Order, error) {
	acc, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	spendable := acc.Spendable()

	claimable, err := tx.ClaimableOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var paid []*domain.Order
	for _, o := range claimable {
		if o.Amount > spendable {
			break
		}
		if err := tx.SetOrderStatus(ctx, o.OrderID, domain.OrderPaid); err != nil {
			return nil, err
		}
		if err := tx.AdjustAccount(ctx, accountID, store.AccountDelta{
			Debits:  o.Amount,
			Pending: -o.Amount,
		}, "order", o.OrderID); err != nil {
			return nil, err
		}
		spendable -= o.Amount
		o.Status = domain.OrderPaid
		paid = append(paid, o)
	}
	return paid, nil
}
