// Package memory is an in-process fake of store.Store: the same business
// logic in pkg/orderflow runs unmodified against either this or
// pkg/store/sqlite. A single mutex plays the role SQLite's single-writer
// serialization plays in the real store, sufficient for linearizable
// semantics since all of it lives in one process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

type Store struct {
	mu sync.Mutex

	nextAccountID int64
	accounts      map[int64]*domain.Account
	links         map[string]int64 // kind+"\x00"+key -> account id
	orders        map[string]*domain.Order
	payments      map[string]*domain.Payment
	wallets       map[string]*domain.AuthorizedWallet
	ledger        []*domain.LedgerEntry
	outbox        []outboxRow
}

type outboxRow struct {
	id, eventName, aggregateType, aggregateID string
	payload                                   []byte
	createdAt                                 time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[int64]*domain.Account),
		links:    make(map[string]int64),
		orders:   make(map[string]*domain.Order),
		payments: make(map[string]*domain.Payment),
		wallets:  make(map[string]*domain.AuthorizedWallet),
	}
}

func (s *Store) Close() error { return nil }

// Backdate shifts orderID's created_at by delta, standing in for "advance
// the clock" in deterministic expiry/tie-break tests without a sleep.
func (s *Store) Backdate(orderID string, delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.CreatedAt = o.CreatedAt.Add(delta)
	}
}

// WithTx takes the store's mutex for the duration of fn, so concurrent
// callers observe full transaction isolation without needing real savepoint
// support — there is only ever one in-flight "transaction".
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	txn := &tx{s: s}
	if err := fn(ctx, txn); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

// snapshot/restore give WithTx all-or-nothing semantics: a mid-transaction
// error rolls every map mutation back, the same way a real ROLLBACK would.
type snap struct {
	accounts map[int64]*domain.Account
	links    map[string]int64
	orders   map[string]*domain.Order
	payments map[string]*domain.Payment
	wallets  map[string]*domain.AuthorizedWallet
	ledgerN  int
	outboxN  int
}

func (s *Store) snapshot() snap {
	cp := snap{
		accounts: make(map[int64]*domain.Account, len(s.accounts)),
		links:    make(map[string]int64, len(s.links)),
		orders:   make(map[string]*domain.Order, len(s.orders)),
		payments: make(map[string]*domain.Payment, len(s.payments)),
		wallets:  make(map[string]*domain.AuthorizedWallet, len(s.wallets)),
		ledgerN:  len(s.ledger),
		outboxN:  len(s.outbox),
	}
	for k, v := range s.accounts {
		acc := *v
		cp.accounts[k] = &acc
	}
	for k, v := range s.links {
		cp.links[k] = v
	}
	for k, v := range s.orders {
		o := *v
		cp.orders[k] = &o
	}
	for k, v := range s.payments {
		p := *v
		cp.payments[k] = &p
	}
	for k, v := range s.wallets {
		w := *v
		cp.wallets[k] = &w
	}
	return cp
}

func (s *Store) restore(cp snap) {
	s.accounts = cp.accounts
	s.links = cp.links
	s.orders = cp.orders
	s.payments = cp.payments
	s.wallets = cp.wallets
	s.ledger = s.ledger[:cp.ledgerN]
	s.outbox = s.outbox[:cp.outboxN]
}

func linkKey(kind domain.IdentityKind, key string) string {
	return string(kind) + "\x00" + key
}

type tx struct {
	s *Store
}

var _ store.Tx = (*tx)(nil)

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
		if id, ok := t.s.links[linkKey(domain.IdentityCustomerID, custID)]; ok {
			custAcc, haveCust = id, true
		}
	}
	if address != "" {
		if id, ok := t.s.links[linkKey(domain.IdentityWalletAddress, address)]; ok {
			addrAcc, haveAddr = id, true
		}
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
		t.s.nextAccountID++
		id := t.s.nextAccountID
		now := time.Now().UTC()
		t.s.accounts[id] = &domain.Account{ID: id, CreatedAt: now, UpdatedAt: now}
		if custID != "" {
			t.s.links[linkKey(domain.IdentityCustomerID, custID)] = id
		}
		if address != "" {
			t.s.links[linkKey(domain.IdentityWalletAddress, address)] = id
		}
		return id, nil
	}
}

func (t *tx) LinkIdentity(ctx context.Context, kind domain.IdentityKind, key string, accountID int64) error {
	if existing, ok := t.s.links[linkKey(kind, key)]; ok {
		if existing != accountID {
			return domain.ErrIdentityConflict
		}
		return nil
	}
	t.s.links[linkKey(kind, key)] = accountID
	return nil
}

func (t *tx) FindAccountForIdentity(ctx context.Context, kind domain.IdentityKind, key string) (int64, bool, error) {
	id, ok := t.s.links[linkKey(kind, key)]
	return id, ok, nil
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) (store.InsertOrderResult, error) {
	if existing, ok := t.s.orders[o.OrderID]; ok {
		return store.InsertOrderResult{OrderID: existing.OrderID, WasExisting: true}, nil
	}
	now := time.Now().UTC()
	cp := *o
	cp.CreatedAt, cp.UpdatedAt = now, now
	t.s.orders[o.OrderID] = &cp
	*o = cp
	return store.InsertOrderResult{OrderID: o.OrderID, WasExisting: false}, nil
}

func (t *tx) InsertPayment(ctx context.Context, p *domain.Payment) (store.InsertPaymentResult, error) {
	if existing, ok := t.s.payments[p.TxID]; ok {
		return store.InsertPaymentResult{TxID: existing.TxID, WasExisting: true}, nil
	}
	now := time.Now().UTC()
	cp := *p
	cp.CreatedAt = now
	t.s.payments[p.TxID] = &cp
	*p = cp
	return store.InsertPaymentResult{TxID: p.TxID, WasExisting: false}, nil
}

func (t *tx) UpdatePaymentStatus(ctx context.Context, txid string, newStatus domain.PaymentStatus) (int64, bool, error) {
	p, ok := t.s.payments[txid]
	if !ok {
		return 0, false, domain.ErrPaymentNotFound
	}
	if p.Status == newStatus {
		return t.accountForPayment(p)
	}
	if p.Status.Terminal() || !paymentTransitions[p.Status][newStatus] {
		return 0, false, domain.ErrInvalidTransition
	}
	p.Status = newStatus
	accountID, _, err := t.accountForPayment(p)
	if err != nil {
		return 0, false, err
	}
	return accountID, true, nil
}

func (t *tx) accountForPayment(p *domain.Payment) (int64, bool, error) {
	id, ok := t.s.links[linkKey(domain.IdentityWalletAddress, p.SenderAddress)]
	if !ok {
		return 0, false, domain.ErrOrderNotFound
	}
	return id, false, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, orderID string, newStatus domain.OrderStatus) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status == newStatus {
		return nil
	}
	if !orderTransitions[o.Status][newStatus] {
		return domain.ErrInvalidTransition
	}
	o.Status = newStatus
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) ResetOrderToClaimed(ctx context.Context, orderID string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderPaid {
		return domain.ErrInvalidTransition
	}
	if o.FulfilledAt != nil {
		return domain.ErrModificationForbidden
	}
	o.Status = domain.OrderClaimed
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) AdjustAccount(ctx context.Context, accountID int64, delta store.AccountDelta, refType, refID string) error {
	acc, ok := t.s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, domain.ErrOrderNotFound)
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
	acc.Credits, acc.Debits, acc.Pending = newCredits, newDebits, newPending
	acc.UpdatedAt = time.Now().UTC()

	for bucket, amount := range map[string]int64{"credits": delta.Credits, "debits": delta.Debits, "pending": delta.Pending} {
		if amount == 0 {
			continue
		}
		dir, amt := "credit", amount
		if amount < 0 {
			dir, amt = "debit", -amount
		}
		t.s.ledger = append(t.s.ledger, &domain.LedgerEntry{
			ID: uuid.New().String(), AccountID: accountID, Bucket: bucket, Direction: dir,
			Amount: amt, RefType: refType, RefID: refID, CreatedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (t *tx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *tx) GetPayment(ctx context.Context, txid string) (*domain.Payment, error) {
	p, ok := t.s.payments[txid]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *tx) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	a, ok := t.s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrOrderNotFound)
	}
	cp := *a
	return &cp, nil
}

func (t *tx) ClaimableOrders(ctx context.Context, accountID int64) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range t.s.orders {
		if o.LinkedAccountID != nil && *o.LinkedAccountID == accountID && o.Status == domain.OrderClaimed {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *tx) AccountsWithClaimedOrders(ctx context.Context) ([]int64, error) {
	seen := map[int64]bool{}
	for _, o := range t.s.orders {
		if o.Status == domain.OrderClaimed && o.LinkedAccountID != nil {
			seen[*o.LinkedAccountID] = true
		}
	}
	var ids []int64
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) StaleUnclaimedOrders(ctx context.Context, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	return t.staleOrders(domain.OrderUnclaimed, olderThanUnix, limit)
}

func (t *tx) StaleClaimedOrders(ctx context.Context, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	return t.staleOrders(domain.OrderClaimed, olderThanUnix, limit)
}

func (t *tx) staleOrders(status domain.OrderStatus, olderThanUnix int64, limit int) ([]*domain.Order, error) {
	cutoff := time.Unix(olderThanUnix, 0).UTC()
	var out []*domain.Order
	for _, o := range t.s.orders {
		if o.Status == status && !o.CreatedAt.After(cutoff) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOrders(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortOrders(out []*domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func (t *tx) SetOrderFulfilled(ctx context.Context, orderID string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.FulfilledAt != nil {
		return nil
	}
	now := time.Now().UTC()
	o.FulfilledAt = &now
	o.UpdatedAt = now
	return nil
}

func (t *tx) ReassignOrder(ctx context.Context, orderID string, newAccountID int64) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status == domain.OrderPaid || o.Status.Terminal() {
		return domain.ErrModificationForbidden
	}
	o.LinkedAccountID = &newAccountID
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) UpdateOrderMemo(ctx context.Context, orderID, memo string) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Memo = memo
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) UpdateOrderAmount(ctx context.Context, orderID string, amount int64) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Status == domain.OrderPaid || o.Status.Terminal() {
		return domain.ErrInvalidTransition
	}
	o.Amount = amount
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) UpsertAuthorizedWallet(ctx context.Context, address string, role domain.WalletRole) error {
	t.s.wallets[address] = &domain.AuthorizedWallet{Address: address, Role: role}
	return nil
}

func (t *tx) GetAuthorizedWallet(ctx context.Context, address string) (*domain.AuthorizedWallet, error) {
	w, ok := t.s.wallets[address]
	if !ok {
		return nil, domain.ErrUnauthorizedWallet
	}
	cp := *w
	return &cp, nil
}

func (t *tx) RecordOutboxEvent(ctx context.Context, eventName, aggregateType, aggregateID string, payload []byte) error {
	t.s.outbox = append(t.s.outbox, outboxRow{
		id: strconv.Itoa(len(t.s.outbox)), eventName: eventName, aggregateType: aggregateType,
		aggregateID: aggregateID, payload: payload, createdAt: time.Now().UTC(),
	})
	return nil
}
