// Package store defines the durable, transactional persistence contract for
// the order/payment matching engine. Store is a
// capability interface: the sqlite and memory sub-packages are
// interchangeable implementations, and all business logic in pkg/orderflow,
// pkg/account and pkg/matcher is written against this interface alone.
package store

import (
	"context"

	"github.com/oxzoid/flowpay/pkg/domain"
)

// InsertOrderResult is the outcome of an idempotent order insert.
type InsertOrderResult struct {
	OrderID    string
	WasExisting bool
}

// InsertPaymentResult is the outcome of an idempotent payment insert.
type InsertPaymentResult struct {
	TxID       string
	WasExisting bool
}

// AccountDelta describes a signed adjustment to an account's aggregates,
// applied atomically by AdjustAccount.
type AccountDelta struct {
	Credits int64
	Debits  int64
	Pending int64
}

// Tx is a single database transaction borrowed from the pool for the
// duration of one top-level engine operation. Every method on Tx
// participates in the same transaction; the caller commits or rolls back
// exactly once.
type Tx interface {
	// FetchOrCreateAccount resolves the account owning custID and/or
	// address, creating one and attaching missing links if neither
	// resolves to an existing account. Returns domain.ErrIdentityConflict
	// if the two keys resolve to different existing accounts.
	FetchOrCreateAccount(ctx context.Context, custID, address string) (int64, error)

	// LinkIdentity attaches an additional (kind, key) link to an existing
	// account, failing with domain.ErrIdentityConflict if the key is
	// already linked to a different account.
	LinkIdentity(ctx context.Context, kind domain.IdentityKind, key string, accountID int64) error

	// InsertOrder is keyed on OrderID; on conflict the existing row's
	// state is returned unchanged and WasExisting is true.
	InsertOrder(ctx context.Context, o *domain.Order) (InsertOrderResult, error)

	// InsertPayment is keyed on TxID; on conflict WasExisting is true.
	InsertPayment(ctx context.Context, p *domain.Payment) (InsertPaymentResult, error)

	// UpdatePaymentStatus fails with domain.ErrPaymentNotFound if txid is
	// unknown, domain.ErrInvalidTransition if the current status is
	// terminal. Returns (accountID, false, nil) when newStatus already
	// holds (no-op); (accountID, true, nil) when a change occurred.
	UpdatePaymentStatus(ctx context.Context, txid string, newStatus domain.PaymentStatus) (accountID int64, changed bool, err error)

	// SetOrderStatus validates the transition against the order status
	// graph before applying it.
	SetOrderStatus(ctx context.Context, orderID string, newStatus domain.OrderStatus) error

	// ResetOrderToClaimed is the one Paid->Claimed transition the status
	// graph in SetOrderStatus deliberately excludes: it exists only for
	// the admin reset_order operation, and fails with
	// domain.ErrModificationForbidden if the order has already been
	// fulfilled (fulfilled_at set).
	ResetOrderToClaimed(ctx context.Context, orderID string) error

	// AdjustAccount applies signed deltas within the enclosing transaction
	// and fails with a domain.ErrInsufficientFunds-wrapped error if an
	// invariant (credits>=debits, pending>=0) would break. It
	// also appends a ledger_entries row per non-zero delta component.
	AdjustAccount(ctx context.Context, accountID int64, delta AccountDelta, refType, refID string) error

	// GetOrder, GetPayment, GetAccount fetch current row state within the
	// transaction (read-your-writes).
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetPayment(ctx context.Context, txid string) (*domain.Payment, error)
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)

	// FindAccountForIdentity looks up the account linked to (kind, key),
	// returning (0, false, nil) if no link exists.
	FindAccountForIdentity(ctx context.Context, kind domain.IdentityKind, key string) (int64, bool, error)

	// ClaimableOrders returns every Claimed order for an account, ordered
	// ascending by (created_at, order_id) — the Matcher's tie-break rule.
	ClaimableOrders(ctx context.Context, accountID int64) ([]*domain.Order, error)

	// AccountsWithClaimedOrders returns every distinct account_id that
	// currently owns at least one Claimed order — used by
	// rescan_open_orders.
	AccountsWithClaimedOrders(ctx context.Context) ([]int64, error)

	// StaleUnclaimedOrders / StaleClaimedOrders feed the expiry worker.
	StaleUnclaimedOrders(ctx context.Context, olderThan int64, limit int) ([]*domain.Order, error)
	StaleClaimedOrders(ctx context.Context, olderThan int64, limit int) ([]*domain.Order, error)

	// SetOrderFulfilled marks fulfilled_at on an order, idempotently.
	SetOrderFulfilled(ctx context.Context, orderID string) error

	// ReassignOrder moves an order to a new account, only valid pre-Paid.
	ReassignOrder(ctx context.Context, orderID string, newAccountID int64) error

	// UpdateOrderMemo / UpdateOrderAmount edit order metadata.
	UpdateOrderMemo(ctx context.Context, orderID, memo string) error
	UpdateOrderAmount(ctx context.Context, orderID string, amount int64) error

	// UpsertAuthorizedWallet / GetAuthorizedWallet manage wallet roles.
	UpsertAuthorizedWallet(ctx context.Context, address string, role domain.WalletRole) error
	GetAuthorizedWallet(ctx context.Context, address string) (*domain.AuthorizedWallet, error)

	// RecordOutboxEvent persists a durable pre-publish record of a domain
	// event in the same transaction as the state change that produced it.
	RecordOutboxEvent(ctx context.Context, eventName, aggregateType, aggregateID string, payload []byte) error
}

// Store is the top-level capability interface: it opens transactions and
// owns the connection pool's lifecycle.
type Store interface {
	// WithTx runs fn inside a single serializable-or-snapshot transaction,
	// committing on a nil return and rolling back otherwise. On a
	// transient conflict (domain.ErrConflict) or backend failure
	// (domain.ErrBackend) the call is retried with bounded exponential
	// backoff (see WithRetry).
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases the pool. Safe to call once during shutdown, after
	// the event bus and expiry worker have stopped.
	Close() error
}
