// Package orderflow is the state machine over orders and payments. It is
// the heart of the system — every
// operation runs inside exactly one store transaction (ExpireStaleOrders
// uses one per status it expires), publishes its domain
// events only after that transaction commits, and leaves no partial state
// visible on error.
package orderflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oxzoid/flowpay/pkg/account"
	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/eventbus"
	"github.com/oxzoid/flowpay/pkg/matcher"
	"github.com/oxzoid/flowpay/pkg/store"
)

// ClaimVerifier checks that sig proves walletAddress's control over orderID,
// satisfied by pkg/walletauth.Verifier. Kept as a narrow interface here so
// orderflow does not import the crypto stack directly.
type ClaimVerifier interface {
	VerifyClaim(orderID, walletAddress string, sig []byte) (bool, error)
}

// Engine wires the Store, Matcher and Event Bus together behind every
// order and payment lifecycle operation.
type Engine struct {
	Store    store.Store
	Bus      *eventbus.Bus
	Verifier ClaimVerifier

	UnclaimedOrderTimeout time.Duration
	UnpaidOrderTimeout    time.Duration
	ExpiryBatchSize       int
}

// New constructs an Engine with the given collaborators and timeouts.
func New(st store.Store, bus *eventbus.Bus, verifier ClaimVerifier, unclaimedTimeout, unpaidTimeout time.Duration) *Engine {
	return &Engine{
		Store:                 st,
		Bus:                   bus,
		Verifier:              verifier,
		UnclaimedOrderTimeout: unclaimedTimeout,
		UnpaidOrderTimeout:    unpaidTimeout,
		ExpiryBatchSize:       200,
	}
}

// pendingEvent is an event queued during a transaction, flushed to the bus
// only once that transaction has committed.
type pendingEvent struct {
	kind      eventbus.Kind
	order     *domain.Order
	payment   *domain.Payment
	accountID int64
}

func (e *Engine) recordAndQueue(ctx context.Context, tx store.Tx, pending *[]pendingEvent, kind eventbus.Kind, aggregateType, aggregateID string, order *domain.Order, payment *domain.Payment, accountID int64) error {
	payload, err := json.Marshal(struct {
		Kind      eventbus.Kind `json:"kind"`
		OrderID   string        `json:"order_id,omitempty"`
		TxID      string        `json:"txid,omitempty"`
		AccountID int64         `json:"account_id"`
	}{Kind: kind, OrderID: orderIDOf(order), TxID: txIDOf(payment), AccountID: accountID})
	if err != nil {
		return err
	}
	if err := tx.RecordOutboxEvent(ctx, string(kind), aggregateType, aggregateID, payload); err != nil {
		return err
	}
	*pending = append(*pending, pendingEvent{kind: kind, order: order, payment: payment, accountID: accountID})
	return nil
}

func orderIDOf(o *domain.Order) string {
	if o == nil {
		return ""
	}
	return o.OrderID
}

func txIDOf(p *domain.Payment) string {
	if p == nil {
		return ""
	}
	return p.TxID
}

func (e *Engine) flush(pending []pendingEvent) {
	now := time.Now().UTC()
	for _, p := range pending {
		e.Bus.Publish(eventbus.Event{Kind: p.kind, Order: p.order, Payment: p.payment, AccountID: p.accountID, At: now})
	}
}

func (e *Engine) queuePaidEvents(ctx context.Context, tx store.Tx, pending *[]pendingEvent, accountID int64, paid []*domain.Order) error {
	for _, o := range paid {
		if err := e.recordAndQueue(ctx, tx, pending, eventbus.OrderPaid, "order", o.OrderID, o, nil, accountID); err != nil {
			return err
		}
	}
	return nil
}

// ProcessNewOrder ingests an order from the storefront. Duplicate order_ids
// are a silent idempotent no-op: the existing row is returned, unchanged,
// and no event is emitted.
func (e *Engine) ProcessNewOrder(ctx context.Context, no domain.NewOrder) (*domain.Order, error) {
	var result *domain.Order
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		accountID, err := account.Resolve(ctx, tx, no.CustomerID, "")
		if err != nil {
			return err
		}

		claimed := no.ClaimWallet != ""
		status := domain.OrderUnclaimed
		if claimed {
			status = domain.OrderClaimed
		}

		order := &domain.Order{
			OrderID:         no.OrderID,
			CustomerID:      no.CustomerID,
			LinkedAccountID: &accountID,
			Amount:          no.Amount,
			Memo:            no.Memo,
			Status:          status,
		}
		ins, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		if ins.WasExisting {
			existing, err := tx.GetOrder(ctx, no.OrderID)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		if err := tx.AdjustAccount(ctx, accountID, store.AccountDelta{Pending: no.Amount}, "order", order.OrderID); err != nil {
			return err
		}

		if claimed {
			if err := e.verifyAndLinkClaim(ctx, tx, order.OrderID, no.ClaimWallet, no.ClaimSignature, accountID); err != nil {
				return err
			}
		}

		if err := e.recordAndQueue(ctx, tx, &pending, eventbus.OrderReceived, "order", order.OrderID, order, nil, accountID); err != nil {
			return err
		}

		if claimed {
			paid, err := matcher.Run(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if err := e.queuePaidEvents(ctx, tx, &pending, accountID, paid); err != nil {
				return err
			}
			if containsOrder(paid, order.OrderID) {
				order.Status = domain.OrderPaid
			}
		}

		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(pending)
	return result, nil
}

func containsOrder(orders []*domain.Order, orderID string) bool {
	for _, o := range orders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

// verifyAndLinkClaim checks sig (if provided) and links the wallet's
// identity to accountID, used both by ProcessNewOrder (pre-claimed orders)
// and ClaimOrder.
func (e *Engine) verifyAndLinkClaim(ctx context.Context, tx store.Tx, orderID, wallet string, sig []byte, accountID int64) error {
	if len(sig) > 0 && e.Verifier != nil {
		ok, err := e.Verifier.VerifyClaim(orderID, wallet, sig)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidSignature
		}
	}
	return account.Merge(ctx, tx, accountID, domain.IdentityWalletAddress, wallet)
}

// ProcessNewPayment ingests a wallet notification of an incoming transfer.
// The payment contributes to pending credit only; confirmation is a
// separate step.
func (e *Engine) ProcessNewPayment(ctx context.Context, np domain.NewPayment) (*domain.Payment, error) {
	var result *domain.Payment
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		accountID, err := account.Resolve(ctx, tx, "", np.SenderAddress)
		if err != nil {
			return err
		}

		payment := &domain.Payment{
			TxID:          np.TxID,
			SenderAddress: np.SenderAddress,
			Amount:        np.Amount,
			Memo:          np.Memo,
			OrderID:       np.OrderID,
			PaymentType:   domain.PaymentOnChain,
			Status:        domain.PaymentReceived,
		}
		ins, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		if ins.WasExisting {
			existing, err := tx.GetPayment(ctx, np.TxID)
			if err != nil {
				return err
			}
			result = existing
			return nil
		}

		if err := e.recordAndQueue(ctx, tx, &pending, eventbus.PaymentReceived, "payment", payment.TxID, nil, payment, accountID); err != nil {
			return err
		}
		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(pending)
	return result, nil
}

// ConfirmPayment moves a Received payment to Confirmed, credits the
// account, and runs the matcher over it.
func (e *Engine) ConfirmPayment(ctx context.Context, txid string) error {
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		accountID, changed, err := tx.UpdatePaymentStatus(ctx, txid, domain.PaymentConfirmed)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		payment, err := tx.GetPayment(ctx, txid)
		if err != nil {
			return err
		}
		if err := tx.AdjustAccount(ctx, accountID, store.AccountDelta{Credits: payment.Amount}, "payment", txid); err != nil {
			return err
		}
		if err := e.recordAndQueue(ctx, tx, &pending, eventbus.PaymentConfirmed, "payment", txid, nil, payment, accountID); err != nil {
			return err
		}
		paid, err := matcher.Run(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return e.queuePaidEvents(ctx, tx, &pending, accountID, paid)
	})
	if err != nil {
		return err
	}
	e.flush(pending)
	return nil
}

// CancelPayment moves a Received payment to Cancelled, reversing its
// pending-credit contribution. No matcher run: the payment never reached
// spendable balance.
func (e *Engine) CancelPayment(ctx context.Context, txid string) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, changed, err := tx.UpdatePaymentStatus(ctx, txid, domain.PaymentCancelled)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return nil
	})
}

// ClaimOrder binds orderID to the wallet that signed sig, transitioning
// Unclaimed -> Claimed and running the matcher.
func (e *Engine) ClaimOrder(ctx context.Context, orderID, walletAddress string, sig []byte) error {
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderUnclaimed {
			return domain.ErrInvalidTransition
		}
		if order.LinkedAccountID == nil {
			return fmt.Errorf("claim_order: order %s has no account: %w", orderID, domain.ErrBackend)
		}
		accountID := *order.LinkedAccountID

		if err := e.verifyAndLinkClaim(ctx, tx, orderID, walletAddress, sig, accountID); err != nil {
			return err
		}
		if err := tx.SetOrderStatus(ctx, orderID, domain.OrderClaimed); err != nil {
			return err
		}

		paid, err := matcher.Run(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return e.queuePaidEvents(ctx, tx, &pending, accountID, paid)
	})
	if err != nil {
		return err
	}
	e.flush(pending)
	return nil
}

// ResetOrder reverses a Paid order back to Claimed and undoes its account
// deltas, refusing if the order has since been fulfilled externally.
func (e *Engine) ResetOrder(ctx context.Context, orderID string) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.ResetOrderToClaimed(ctx, orderID); err != nil {
			return err
		}
		if order.LinkedAccountID == nil {
			return nil
		}
		return tx.AdjustAccount(ctx, *order.LinkedAccountID, store.AccountDelta{
			Debits:  -order.Amount,
			Pending: order.Amount,
		}, "order", orderID)
	})
}

// CancelOrder cancels an order from New, Unclaimed or Claimed, releasing its
// pending reservation.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) error {
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return domain.ErrInvalidTransition
		}
		if err := tx.SetOrderStatus(ctx, orderID, domain.OrderCancelled); err != nil {
			return err
		}
		if order.LinkedAccountID != nil {
			if err := tx.AdjustAccount(ctx, *order.LinkedAccountID, store.AccountDelta{Pending: -order.Amount}, "order", orderID); err != nil {
				return err
			}
		}
		order.Status = domain.OrderCancelled
		log.Info().Str("order_id", orderID).Str("reason", reason).Msg("orderflow: order cancelled")
		return e.recordAndQueue(ctx, tx, &pending, eventbus.OrderCancelled, "order", orderID, order, nil, accountIDOf(order))
	})
	if err != nil {
		return err
	}
	e.flush(pending)
	return nil
}

func accountIDOf(o *domain.Order) int64 {
	if o.LinkedAccountID == nil {
		return 0
	}
	return *o.LinkedAccountID
}

// FulfilOrder records that a Paid order's goods have been delivered
// externally. Idempotent.
func (e *Engine) FulfilOrder(ctx context.Context, orderID string) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPaid {
			return domain.ErrInvalidTransition
		}
		return tx.SetOrderFulfilled(ctx, orderID)
	})
}

// ReassignOrder moves orderID to a different account, resolved from
// newCustomerID / newWalletAddress, reversing the pending delta on the old
// account and applying it to the new one. Refuses once the order is Paid.
func (e *Engine) ReassignOrder(ctx context.Context, orderID, newCustomerID, newWalletAddress string) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderPaid || order.Status.Terminal() {
			return domain.ErrModificationForbidden
		}
		newAccountID, err := account.Resolve(ctx, tx, newCustomerID, newWalletAddress)
		if err != nil {
			return err
		}
		oldAccountID := accountIDOf(order)
		if oldAccountID == newAccountID {
			return nil
		}
		if oldAccountID != 0 {
			if err := tx.AdjustAccount(ctx, oldAccountID, store.AccountDelta{Pending: -order.Amount}, "order", orderID); err != nil {
				return err
			}
		}
		if err := tx.AdjustAccount(ctx, newAccountID, store.AccountDelta{Pending: order.Amount}, "order", orderID); err != nil {
			return err
		}
		return tx.ReassignOrder(ctx, orderID, newAccountID)
	})
}

// IssueCredit is the admin surface for Credit Notes: a synthetic Confirmed
// payment crediting an account without an on-chain transfer.
func (e *Engine) IssueCredit(ctx context.Context, note domain.CreditNote) error {
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		accountID, err := account.Resolve(ctx, tx, note.CustomerID, "")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		payment := &domain.Payment{
			TxID:          fmt.Sprintf("credit_note_%s:%d:%d", note.CustomerID, note.Amount, now.Unix()),
			SenderAddress: creditNoteSenderAddress(note.CustomerID),
			Amount:        note.Amount,
			Memo:          note.Reason,
			PaymentType:   domain.PaymentManual,
			Status:        domain.PaymentConfirmed,
		}
		ins, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		if ins.WasExisting {
			return nil
		}

		if err := tx.AdjustAccount(ctx, accountID, store.AccountDelta{Credits: note.Amount}, "payment", payment.TxID); err != nil {
			return err
		}
		if err := e.recordAndQueue(ctx, tx, &pending, eventbus.PaymentConfirmed, "payment", payment.TxID, nil, payment, accountID); err != nil {
			return err
		}
		paid, err := matcher.Run(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return e.queuePaidEvents(ctx, tx, &pending, accountID, paid)
	})
	if err != nil {
		return err
	}
	e.flush(pending)
	return nil
}

// creditNoteSenderAddress derives a deterministic placeholder sender
// address for a synthesized Credit Note payment.
func creditNoteSenderAddress(customerID string) string {
	return "credit-note:" + customerID
}

// UpdateOrderMemo edits an order's memo without touching its status.
func (e *Engine) UpdateOrderMemo(ctx context.Context, orderID, memo string) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateOrderMemo(ctx, orderID, memo)
	})
}

// UpdatePrice edits an order's amount; rejected once the order is Paid or
// later, since paid amounts are immutable.
func (e *Engine) UpdatePrice(ctx context.Context, orderID string, newAmount int64) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateOrderAmount(ctx, orderID, newAmount)
	})
}

// UpdateRoles mutates an Authorized Wallet's role.
func (e *Engine) UpdateRoles(ctx context.Context, walletAddress string, role domain.WalletRole) error {
	return e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAuthorizedWallet(ctx, walletAddress, role)
	})
}

// RescanOpenOrders re-runs the matcher over every account holding at least
// one Claimed order, repairing drift after a manual DB intervention or a
// missed event. Returns the aggregate list of newly-paid orders.
func (e *Engine) RescanOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	var allPaid []*domain.Order
	var pending []pendingEvent

	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		allPaid = nil
		accounts, err := tx.AccountsWithClaimedOrders(ctx)
		if err != nil {
			return err
		}
		for _, accountID := range accounts {
			paid, err := matcher.Run(ctx, tx, accountID)
			if err != nil {
				return err
			}
			if err := e.queuePaidEvents(ctx, tx, &pending, accountID, paid); err != nil {
				return err
			}
			allPaid = append(allPaid, paid...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(pending)
	return allPaid, nil
}

// ExpireStaleOrders transitions Unclaimed orders older than
// UnclaimedOrderTimeout and Claimed orders older than UnpaidOrderTimeout to
// Expired, in bounded batches, releasing their pending reservation. Called
// by pkg/expiry.Worker on each tick.
func (e *Engine) ExpireStaleOrders(ctx context.Context) (int, error) {
	expired := 0
	for _, status := range []domain.OrderStatus{domain.OrderUnclaimed, domain.OrderClaimed} {
		n, err := e.expireBatch(ctx, status)
		if err != nil {
			return expired, err
		}
		expired += n
	}
	return expired, nil
}

func (e *Engine) expireBatch(ctx context.Context, status domain.OrderStatus) (int, error) {
	timeout := e.UnclaimedOrderTimeout
	if status == domain.OrderClaimed {
		timeout = e.UnpaidOrderTimeout
	}
	cutoff := time.Now().Add(-timeout).Unix()
	batch := e.ExpiryBatchSize
	if batch <= 0 {
		batch = 200
	}

	var pending []pendingEvent
	n := 0
	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending = nil
		n = 0
		var stale []*domain.Order
		var err error
		if status == domain.OrderUnclaimed {
			stale, err = tx.StaleUnclaimedOrders(ctx, cutoff, batch)
		} else {
			stale, err = tx.StaleClaimedOrders(ctx, cutoff, batch)
		}
		if err != nil {
			return err
		}
		for _, o := range stale {
			if err := tx.SetOrderStatus(ctx, o.OrderID, domain.OrderExpired); err != nil {
				return err
			}
			if o.LinkedAccountID != nil {
				if err := tx.AdjustAccount(ctx, *o.LinkedAccountID, store.AccountDelta{Pending: -o.Amount}, "order", o.OrderID); err != nil {
					return err
				}
			}
			o.Status = domain.OrderExpired
			if err := e.recordAndQueue(ctx, tx, &pending, eventbus.OrderCancelled, "order", o.OrderID, o, nil, accountIDOf(o)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.flush(pending)
	return n, nil
}
