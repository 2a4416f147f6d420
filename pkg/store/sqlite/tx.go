package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

type tx struct {
	sqlTx *sql.Tx
}

var _ store.Tx = (*tx)(nil)

// orderTransitions is the order status graph. Paid has no outgoing edges
// here on purpose: the admin reset_order exception goes through
// ResetOrderToClaimed instead of this graph.
var orderTransitions = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderNew:       {domain.OrderUnclaimed: true, domain.OrderClaimed: true, domain.OrderCancelled: true},
	domain.OrderUnclaimed: {domain.OrderClaimed: true, domain.OrderCancelled: true, domain.OrderExpired: true},
	domain.OrderClaimed:   {domain.OrderPaid: true, domain.OrderCancelled: true, domain.OrderExpired: true},
	domain.OrderPaid:      {},
	domain.OrderCancelled: {},
	domain.OrderExpired:   {},
}

var paymentTransitions = map[domain.PaymentStatus]map[domain.PaymentStatus]bool{
	domain.PaymentReceived:  {domain.PaymentConfirmed: true, domain.PaymentCancelled: true},
	domain.PaymentConfirmed: {},
	domain.PaymentCancelled: {},
}

func (t *tx) FetchOrCreateAccount(ctx context.Context, custID, address string) (int64, error) {
	var custAcc, addrAcc int64
	var haveCust, haveAddr bool

	if custID != "" {
		id, ok, err := t.FindAccountForIdentity(ctx, domain.IdentityCustomerID, custID)
		if err != nil {
			return 0, err
		}
		custAcc, haveCust = id, ok
	}
	if address != "" {
		id, ok, err := t.FindAccountForIdentity(ctx, domain.IdentityWalletAddress, address)
		if err != nil {
			return 0, err
		}
		addrAcc, haveAddr = id, ok
	}

	switch {
	case haveCust && haveAddr:
		if custAcc != addrAcc {
			return 0, domain.ErrIdentityConflict
		}
		return custAcc, nil
	case haveCust:
		if address != "" {
			if err := t.LinkIdentity(ctx, domain.IdentityWalletAddress, address, custAcc); err != nil {
				return 0, err
			}
		}
		return custAcc, nil
	case haveAddr:
		if custID != "" {
			if err := t.LinkIdentity(ctx, domain.IdentityCustomerID, custID, addrAcc); err != nil {
				return 0, err
			}
		}
		return addrAcc, nil
	default:
		now := nowStr()
		res, err := t.sqlTx.ExecContext(ctx,
			`INSERT INTO accounts (credits, debits, pending, created_at, updated_at) VALUES (0,0,0,?,?)`,
			now, now)
		if err != nil {
			return 0, err
		}
		accountID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		if custID != "" {
			if err := t.LinkIdentity(ctx, domain.IdentityCustomerID, custID, accountID); err != nil {
				return 0, err
			}
		}
		if address != "" {
			if err := t.LinkIdentity(ctx, domain.IdentityWalletAddress, address, accountID); err != nil {
				return 0, err
			}
		}
		return accountID, nil
	}
}

func (t *tx) LinkIdentity(ctx context.Context, kind domain.IdentityKind, key string, accountID int64) error {
	existing, ok, err := t.FindAccountForIdentity(ctx, kind, key)
	if err != nil {
		return err
	}
	if ok {
		if existing != accountID {
			return domain.ErrIdentityConflict
		}
		return nil
	}
	_, err = t.sqlTx.ExecContext(ctx,
		`INSERT INTO identity_links (kind, key, account_id, created_at) VALUES (?,?,?,?)`,
		string(kind), key, accountID, nowStr())
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (t *tx) FindAccountForIdentity(ctx context.Context, kind domain.IdentityKind, key string) (int64, bool, error) {
	var accountID int64
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT account_id FROM identity_links WHERE kind = ? AND key = ?`, string(kind), key).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return accountID, true, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) (store.InsertOrderResult, error) {
	existing, err := t.GetOrder(ctx, o.OrderID)
	if err == nil {
		return store.InsertOrderResult{OrderID: existing.OrderID, WasExisting: true}, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return store.InsertOrderResult{}, err
	}

	now := nowStr()
	var accountID any
	if o.LinkedAccountID != nil {
		accountID = *o.LinkedAccountID
	}
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO orders (order_id, customer_id, account_id, amount, memo, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		o.OrderID, o.CustomerID, accountID, o.Amount, o.Memo, string(o.Status), now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, gerr := t.GetOrder(ctx, o.OrderID)
			if gerr == nil {
				return store.InsertOrderResult{OrderID: existing.OrderID, WasExisting: true}, nil
			}
			return store.InsertOrderResult{}, domain.ErrConflict
		}
		return store.InsertOrderResult{}, err
	}
	o.CreatedAt, o.UpdatedAt = parseTime(now), parseTime(now)
	return store.InsertOrderResult{OrderID: o.OrderID, WasExisting: false}, nil
}

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) (store.InsertPaymentResult, error) {
	existing, err := t.GetPayment(ctx, p.TxID)
	if err == nil {
		return store.InsertPaymentResult{TxID: existing.TxID, WasExisting: true}, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return store.InsertPaymentResult{}, err
	}

	now := nowStr()
	_, err = t.sqlTx.ExecContext(ctx, `
		INSERT INTO payments (txid, sender_address, amount, memo, order_id, payment_type, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.TxID, p.SenderAddress, p.Amount, p.Memo, p.OrderID, string(p.PaymentType), string(p.Status), now)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, gerr := t.GetPayment(ctx, p.TxID)
			if gerr == nil {
				return store.InsertPaymentResult{TxID: existing.TxID, WasExisting: true}, nil
			}
			return store.InsertPaymentResult{}, domain.ErrConflict
		}
		return store.InsertPaymentResult{}, err
	}
	p.CreatedAt = parseTime(now)
	return store.InsertPaymentResult{TxID: p.TxID, WasExisting: false}, nil
}

func (t *tx) UpdatePaymentStatus(ctx context.Context, txid string, newStatus domain.PaymentStatus) (int64, bool, error) {
	p, err := t.GetPayment(ctx, txid)
	if err != nil {
		return 0, false, err
	}
	if p.Status == newStatus {
		return t.accountForPayment(ctx, p)
	}
	if p.Status.Terminal() {
		return 0, false, domain.ErrInvalidTransition
	}
	if !paymentTransitions[p.Status][newStatus] {
		return 0, false, domain.ErrInvalidTransition
	}
	if _, err := t.sqlTx.ExecContext(ctx, `UPDATE payments SET status = ? WHERE txid = ?`, string(newStatus), txid); err != nil {
		return 0, false, err
	}
	accountID, _, err := t.accountForPayment(ctx, p)
	if err != nil {
		return 0, false, err
	}
	return accountID, true, nil
}

func (t *tx) accountForPayment(ctx context.Context, p *domain.Payment) (int64, bool, error) {
	accountID, ok, err := t.FindAccountForIdentity(ctx, domain.IdentityWalletAddress, p.SenderAddress)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, domain.ErrOrderNotFound
	}
	return accountID, false, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, orderID string, newStatus domain.OrderStatus) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == newStatus {
		return nil
	}
	if !orderTransitions[o.Status][newStatus] {
		return domain.ErrInvalidTransition
	}
	_, err = t.sqlTx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`,
		string(newStatus), nowStr(), orderID)
	return err
}

func (t *tx) ResetOrderToClaimed(ctx context.Context, orderID string) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != domain.OrderPaid {
		return domain.ErrInvalidTransition
	}
	if o.FulfilledAt != nil {
		return domain.ErrModificationForbidden
	}
	_, err = t.sqlTx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`,
		string(domain.OrderClaimed), nowStr(), orderID)
	return err
}

func (t *tx) AdjustAccount(ctx context.Context, accountID int64, delta store.AccountDelta, refType, refID string) error {
	acc, err := t.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	newCredits := acc.Credits + delta.Credits
	newDebits := acc.Debits + delta.Debits
	newPending := acc.Pending + delta.Pending
	if newCredits < newDebits {
		return domain.ErrInsufficientFunds
	}
	if newPending < 0 {
		return fmt.Errorf("%w: pending would go negative", domain.ErrInsufficientFunds)
	}
	if _, err := t.sqlTx.ExecContext(ctx,
		`UPDATE accounts SET credits=?, debits=?, pending=?, updated_at=? WHERE id=?`,
		newCredits, newDebits, newPending, nowStr(), accountID); err != nil {
		return err
	}
	return t.writeLedger(ctx, accountID, delta, refType, refID)
}

func (t *tx) writeLedger(ctx context.Context, accountID int64, delta store.AccountDelta, refType, refID string) error {
	now := nowStr()
	entries := []struct {
		bucket string
		amount int64
	}{
		{"credits", delta.Credits},
		{"debits", delta.Debits},
		{"pending", delta.Pending},
	}
	for _, e := range entries {
		if e.amount == 0 {
			continue
		}
		dir := "credit"
		amt := e.amount
		if e.amount < 0 {
			dir = "debit"
			amt = -e.amount
		}
		if _, err := t.sqlTx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, bucket, direction, amount, ref_type, ref_id, created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			uuid.New().String(), accountID, e.bucket, dir, amt, refType, refID, now); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	var accountID sql.NullInt64
	var fulfilledAt sql.NullString
	var createdAt, updatedAt string
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT order_id, customer_id, account_id, amount, memo, status, fulfilled_at, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID).Scan(
		&o.OrderID, &o.CustomerID, &accountID, &o.Amount, &o.Memo, &o.Status, &fulfilledAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		v := accountID.Int64
		o.LinkedAccountID = &v
	}
	if fulfilledAt.Valid {
		t := parseTime(fulfilledAt.String)
		o.FulfilledAt = &t
	}
	o.CreatedAt, o.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &o, nil
}

func (t *tx) GetPayment(ctx context.Context, txid string) (*domain.Payment, error) {
	var p domain.Payment
	var orderID sql.NullString
	var createdAt string
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT txid, sender_address, amount, memo, order_id, payment_type, status, created_at
		FROM payments WHERE txid = ?`, txid).Scan(
		&p.TxID, &p.SenderAddress, &p.Amount, &p.Memo, &orderID, &p.PaymentType, &p.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p.OrderID = orderID.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (t *tx) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var a domain.Account
	var createdAt, updatedAt string
	err := t.sqlTx.QueryRowContext(ctx,
		`SELECT id, credits, debits, pending, created_at, updated_at FROM accounts WHERE id = ?`, accountID).Scan(
		&a.ID, &a.Credits, &a.Debits, &a.Pending, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &a, nil
}

func (t *tx) ClaimableOrders(ctx context.Context, accountID int64) ([]*domain.Order, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT order_id, customer_id, account_id, amount, memo, status, fulfilled_at, created_at, updated_at
		FROM orders WHERE account_id = ? AND status = ?
		ORDER BY created_at ASC, order_id ASC`, accountID, string(domain.OrderClaimed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *tx) AccountsWithClaimedOrders(ctx context.Context) ([]int64, error) {
	rows, err := t.sqlTx.QueryContext(ctx,
		`SELECT DISTINCT account_id FROM orders WHERE status = ? AND account_id IS NOT NULL`, string(domain.OrderClaimed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *tx) StaleUnclaimedOrders(ctx context.Context, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	return t.staleOrders(ctx, domain.OrderUnclaimed, olderThanUnix, limit)
}

func (t *tx) StaleClaimedOrders(ctx context.Context, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	return t.staleOrders(ctx, domain.OrderClaimed, olderThanUnix, limit)
}

func (t *tx) staleOrders(ctx context.Context, status domain.OrderStatus, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	cutoff := parseUnixRFC3339(olderThanUnix)
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT order_id, customer_id, account_id, amount, memo, status, fulfilled_at, created_at, updated_at
		FROM orders WHERE status = ? AND created_at <= ?
		ORDER BY created_at ASC, order_id ASC LIMIT ?`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *tx) SetOrderFulfilled(ctx context.Context, orderID string) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.FulfilledAt != nil {
		return nil
	}
	_, err = t.sqlTx.ExecContext(ctx, `UPDATE orders SET fulfilled_at = ?, updated_at = ? WHERE order_id = ?`,
		nowStr(), nowStr(), orderID)
	return err
}

func (t *tx) ReassignOrder(ctx context.Context, orderID string, newAccountID int64) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == domain.OrderPaid || o.Status.Terminal() {
		return domain.ErrModificationForbidden
	}
	_, err = t.sqlTx.ExecContext(ctx, `UPDATE orders SET account_id = ?, updated_at = ? WHERE order_id = ?`,
		newAccountID, nowStr(), orderID)
	return err
}

func (t *tx) UpdateOrderMemo(ctx context.Context, orderID, memo string) error {
	if _, err := t.GetOrder(ctx, orderID); err != nil {
		return err
	}
	_, err := t.sqlTx.ExecContext(ctx, `UPDATE orders SET memo = ?, updated_at = ? WHERE order_id = ?`, memo, nowStr(), orderID)
	return err
}

func (t *tx) UpdateOrderAmount(ctx context.Context, orderID string, amount int64) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == domain.OrderPaid || o.Status.Terminal() {
		return domain.ErrInvalidTransition
	}
	_, err = t.sqlTx.ExecContext(ctx, `UPDATE orders SET amount = ?, updated_at = ? WHERE order_id = ?`, amount, nowStr(), orderID)
	return err
}

func (t *tx) UpsertAuthorizedWallet(ctx context.Context, address string, role domain.WalletRole) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO authorized_wallets (address, role) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET role = excluded.role`, address, string(role))
	return err
}

func (t *tx) GetAuthorizedWallet(ctx context.Context, address string) (*domain.AuthorizedWallet, error) {
	var w domain.AuthorizedWallet
	err := t.sqlTx.QueryRowContext(ctx, `SELECT address, role FROM authorized_wallets WHERE address = ?`, address).
		Scan(&w.Address, &w.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthorizedWallet
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (t *tx) RecordOutboxEvent(ctx context.Context, eventName, aggregateType, aggregateID string, payload []byte) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_name, aggregate_type, aggregate_id, payload_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		uuid.New().String(), eventName, aggregateType, aggregateID, string(payload), nowStr())
	return err
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		var o domain.Order
		var accountID sql.NullInt64
		var fulfilledAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&o.OrderID, &o.CustomerID, &accountID, &o.Amount, &o.Memo, &o.Status,
			&fulfilledAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if accountID.Valid {
			v := accountID.Int64
			o.LinkedAccountID = &v
		}
		if fulfilledAt.Valid {
			t := parseTime(fulfilledAt.String)
			o.FulfilledAt = &t
		}
		o.CreatedAt, o.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}
