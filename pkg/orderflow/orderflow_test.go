package orderflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/eventbus"
	"github.com/oxzoid/flowpay/pkg/orderflow"
	"github.com/oxzoid/flowpay/pkg/store"
	"github.com/oxzoid/flowpay/pkg/store/memory"
)

// recorder collects every event a test's engine publishes, synchronized via
// the bus's own Close() drain so no sleeps are needed to observe them.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) record(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []eventbus.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newEngine(t *testing.T) (*orderflow.Engine, *recorder) {
	t.Helper()
	st := memory.New()
	bus := eventbus.New(64, time.Second)
	rec := &recorder{}
	bus.Subscribe("test", 64, rec.record)
	e := orderflow.New(st, bus, nil, time.Minute, time.Minute)
	t.Cleanup(bus.Close)
	return e, rec
}

func getOrder(t *testing.T, st store.Store, orderID string) *domain.Order {
	t.Helper()
	var o *domain.Order
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	}))
	return o
}

func getAccount(t *testing.T, st store.Store, accountID int64) *domain.Account {
	t.Helper()
	var a *domain.Account
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		a, err = tx.GetAccount(ctx, accountID)
		return err
	}))
	return a
}

// Scenario 1 (spec.md §8): order then matching payment, claimed, confirmed.
func TestScenarioOrderThenMatchingPayment(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	o, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100})
	require.NoError(t, err)
	require.Equal(t, domain.OrderUnclaimed, o.Status)

	// Claim while "W" is still a fresh identity, so it merges cleanly into
	// c1's account; then the payment arrives already resolving to it.
	require.NoError(t, e.ClaimOrder(ctx, "A", "W", nil))
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	final := getOrder(t, e.Store, "A")
	require.Equal(t, domain.OrderPaid, final.Status)

	acc := getAccount(t, e.Store, *final.LinkedAccountID)
	require.Equal(t, int64(100), acc.Credits)
	require.Equal(t, int64(100), acc.Debits)
	require.Equal(t, int64(0), acc.Pending)
}

// Scenario 2: duplicate order is a silent idempotent no-op.
func TestScenarioDuplicateOrder(t *testing.T) {
	ctx := context.Background()
	e, rec := newEngine(t)

	no := domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100}
	first, err := e.ProcessNewOrder(ctx, no)
	require.NoError(t, err)
	second, err := e.ProcessNewOrder(ctx, no)
	require.NoError(t, err)
	require.Equal(t, first.OrderID, second.OrderID)

	orderReceived := 0
	for _, k := range rec.kinds() {
		if k == eventbus.OrderReceived {
			orderReceived++
		}
	}
	require.Equal(t, 1, orderReceived, "duplicate ingestion must not emit a second OrderReceived")
}

// Scenario 3: overpayment pays the order and leaves spendable credit.
func TestScenarioOverpay(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ClaimOrder(ctx, "A", "W", nil))
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 150})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	final := getOrder(t, e.Store, "A")
	require.Equal(t, domain.OrderPaid, final.Status)

	acc := getAccount(t, e.Store, *final.LinkedAccountID)
	require.Equal(t, int64(50), acc.Spendable())
}

// Scenario 4: claiming across two pre-existing, distinct accounts conflicts.
func TestScenarioIdentityConflict(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100})
	require.NoError(t, err)
	// Give "W" its own, separate account by receiving a payment from it
	// before any claim links it to c1's account.
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)

	before := getOrder(t, e.Store, "A")
	err = e.ClaimOrder(ctx, "A", "W", nil)
	require.ErrorIs(t, err, domain.ErrIdentityConflict)

	after := getOrder(t, e.Store, "A")
	require.Equal(t, before.Status, after.Status, "a rejected claim must not mutate the order")
}

// Scenario 5: a Claimed order outliving unpaid_order_timeout expires and
// releases its pending reservation.
func TestScenarioExpiry(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	bus := eventbus.New(64, time.Second)
	rec := &recorder{}
	bus.Subscribe("test", 64, rec.record)
	e := orderflow.New(st, bus, nil, time.Minute, 60*time.Second)
	t.Cleanup(bus.Close)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "O2", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)

	order := getOrder(t, st, "O2")
	require.Equal(t, domain.OrderClaimed, order.Status)
	accountID := *order.LinkedAccountID

	// Backdate the order past the unpaid timeout the way a real clock
	// advancing 70s would, without sleeping the test.
	st.Backdate("O2", -70*time.Second)

	n, err := e.ExpireStaleOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final := getOrder(t, st, "O2")
	require.Equal(t, domain.OrderExpired, final.Status)

	acc := getAccount(t, st, accountID)
	require.Equal(t, int64(0), acc.Pending)

	found := false
	for _, ev := range rec.events {
		if ev.Kind == eventbus.OrderCancelled && ev.Order != nil && ev.Order.OrderID == "O2" {
			found = true
		}
	}
	require.True(t, found, "expiry must publish OrderCancelled for the expired order")
}

// Scenario 6: admin-issued credit note credits the account and runs the
// matcher.
func TestScenarioCreditNote(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 50})
	require.NoError(t, err)
	require.NoError(t, e.ClaimOrder(ctx, "A", "0xWallet", nil))

	require.NoError(t, e.IssueCredit(ctx, domain.CreditNote{CustomerID: "c1", Amount: 50, Reason: "goodwill"}))

	final := getOrder(t, e.Store, "A")
	require.Equal(t, domain.OrderPaid, final.Status)
}

func TestProcessNewPaymentDoesNotTouchSpendableUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	p, err := e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentReceived, p.Status)

	var accountID int64
	require.NoError(t, e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var ok bool
		var err error
		accountID, ok, err = tx.FindAccountForIdentity(ctx, domain.IdentityWalletAddress, "W")
		require.True(t, ok)
		return err
	}))
	acc := getAccount(t, e.Store, accountID)
	require.Equal(t, int64(0), acc.Credits, "a merely Received payment must not be spendable")
}

func TestCancelledPaymentCannotBeConfirmed(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.CancelPayment(ctx, "t1"))

	err = e.ConfirmPayment(ctx, "t1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition, "a cancelled payment is terminal")
}

func TestCancelOrderReleasesPending(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	o, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.CancelOrder(ctx, "A", "customer requested"))

	final := getOrder(t, e.Store, "A")
	require.Equal(t, domain.OrderCancelled, final.Status)
	acc := getAccount(t, e.Store, *o.LinkedAccountID)
	require.Equal(t, int64(0), acc.Pending)
}

func TestResetOrderRefusesOnceFulfilled(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	require.Equal(t, domain.OrderPaid, getOrder(t, e.Store, "A").Status)

	require.NoError(t, e.FulfilOrder(ctx, "A"))
	err = e.ResetOrder(ctx, "A")
	require.ErrorIs(t, err, domain.ErrModificationForbidden)
}

func TestResetOrderSucceedsBeforeFulfilment(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	require.NoError(t, e.ResetOrder(ctx, "A"))
	final := getOrder(t, e.Store, "A")
	require.Equal(t, domain.OrderClaimed, final.Status)

	acc := getAccount(t, e.Store, *final.LinkedAccountID)
	require.Equal(t, int64(0), acc.Debits)
	require.Equal(t, int64(100), acc.Pending)
}

func TestUpdatePriceRejectedOncePaid(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	err = e.UpdatePrice(ctx, "A", 200)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReassignOrderMovesPendingBetweenAccounts(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	o, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100})
	require.NoError(t, err)
	oldAccountID := *o.LinkedAccountID

	require.NoError(t, e.ReassignOrder(ctx, "A", "c2", ""))

	final := getOrder(t, e.Store, "A")
	require.NotEqual(t, oldAccountID, *final.LinkedAccountID)

	oldAcc := getAccount(t, e.Store, oldAccountID)
	require.Equal(t, int64(0), oldAcc.Pending)
	newAcc := getAccount(t, e.Store, *final.LinkedAccountID)
	require.Equal(t, int64(100), newAcc.Pending)
}

func TestReassignOrderRefusedOncePaid(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	err = e.ReassignOrder(ctx, "A", "c2", "")
	require.ErrorIs(t, err, domain.ErrModificationForbidden)
}

func TestRescanOpenOrdersRepaysDrift(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 100})
	require.NoError(t, err)
	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 100})
	require.NoError(t, err)

	// Credit the account directly, simulating a confirmation whose matcher
	// pass was missed (e.g. a crash between AdjustAccount and the run).
	require.NoError(t, e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accountID, ok, err := tx.FindAccountForIdentity(ctx, domain.IdentityWalletAddress, "W")
		require.True(t, ok)
		require.NoError(t, err)
		return tx.AdjustAccount(ctx, accountID, store.AccountDelta{Credits: 100}, "payment", "t1")
	}))

	paid, err := e.RescanOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.Equal(t, domain.OrderPaid, getOrder(t, e.Store, "A").Status)
}

// Tie-break law (spec.md §4.3): orders on one account pay out in ascending
// (created_at, order_id) order, regardless of arrival order.
func TestTieBreakPaysOldestOrderFirst(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	bus := eventbus.New(64, time.Second)
	e := orderflow.New(st, bus, nil, time.Minute, time.Minute)
	t.Cleanup(bus.Close)

	_, err := e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "B", CustomerID: "c1", ClaimWallet: "W", Amount: 60})
	require.NoError(t, err)
	_, err = e.ProcessNewOrder(ctx, domain.NewOrder{OrderID: "A", CustomerID: "c1", ClaimWallet: "W", Amount: 60})
	require.NoError(t, err)
	// A arrived second but is backdated before B so it is the older order.
	st.Backdate("A", -time.Hour)

	_, err = e.ProcessNewPayment(ctx, domain.NewPayment{TxID: "t1", SenderAddress: "W", Amount: 60})
	require.NoError(t, err)
	require.NoError(t, e.ConfirmPayment(ctx, "t1"))

	require.Equal(t, domain.OrderPaid, getOrder(t, e.Store, "A").Status)
	require.Equal(t, domain.OrderClaimed, getOrder(t, e.Store, "B").Status, "B (60) exceeds the 0 remaining after A (60) is paid")
}

func TestIdempotentReplayOfSameOrder(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	no := domain.NewOrder{OrderID: "A", CustomerID: "c1", Amount: 100}
	_, err := e.ProcessNewOrder(ctx, no)
	require.NoError(t, err)
	_, err = e.ProcessNewOrder(ctx, no)
	require.NoError(t, err)

	acc := getAccount(t, e.Store, *getOrder(t, e.Store, "A").LinkedAccountID)
	require.Equal(t, int64(100), acc.Pending, "replaying the same order must not double its pending contribution")
}
