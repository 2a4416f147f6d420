// Package domain holds the core types of the order/payment matching engine:
// accounts, identity links, orders, payments and the errors the engine can
// raise. Nothing in this package touches a database or the network.
package domain

import "time"

// IdentityKind is the kind half of an (kind, key) -> account_id identity link.
type IdentityKind string

const (
	IdentityCustomerID     IdentityKind = "customer_id"
	IdentityWalletAddress  IdentityKind = "wallet_address"
)

// OrderStatus is a node in the order lifecycle graph (see orderTransitions
// in the store implementations).
type OrderStatus string

const (
	OrderNew       OrderStatus = "New"
	OrderUnclaimed OrderStatus = "Unclaimed"
	OrderClaimed   OrderStatus = "Claimed"
	OrderPaid      OrderStatus = "Paid"
	OrderCancelled OrderStatus = "Cancelled"
	OrderExpired   OrderStatus = "Expired"
)

// Terminal reports whether no further transition is possible from s, outside
// of the admin-only reset_order exception handled by orderflow.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderPaid, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

// PaymentStatus tracks a Payment's confirmation lifecycle.
type PaymentStatus string

const (
	PaymentReceived  PaymentStatus = "Received"
	PaymentConfirmed PaymentStatus = "Confirmed"
	PaymentCancelled PaymentStatus = "Cancelled"
)

// Terminal reports whether no further status update is possible.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentConfirmed || s == PaymentCancelled
}

// PaymentType distinguishes on-chain wallet transfers from manually issued
// credit notes.
type PaymentType string

const (
	PaymentOnChain PaymentType = "OnChain"
	PaymentManual  PaymentType = "Manual"
)

// WalletRole is the permission a wallet carries in authorized_wallets.
type WalletRole string

const (
	RoleNotifier WalletRole = "Notifier"
	RoleAdmin    WalletRole = "Admin"
)

// Account is an abstract payer identity aggregating one or more external
// identity keys (customer-id, wallet address).
type Account struct {
	ID           int64
	Credits      int64
	Debits       int64
	Pending      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Spendable returns credits minus debits, the amount available to pay new
// orders. Must never go negative.
func (a Account) Spendable() int64 {
	return a.Credits - a.Debits
}

// IdentityLink is an (kind, key) -> account_id edge. Each (kind, key) maps
// to at most one account; an account may own any number of links.
type IdentityLink struct {
	Kind      IdentityKind
	Key       string
	AccountID int64
	CreatedAt time.Time
}

// Order is an instruction to deliver goods against a specific amount.
type Order struct {
	OrderID         string
	CustomerID      string // optional, may be empty
	LinkedAccountID *int64 // nullable until resolved
	Amount          int64
	Memo            string
	Status          OrderStatus
	FulfilledAt     *time.Time // set by fulfil_order; consulted by reset_order
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrder is the input to process_new_order: everything known about an
// order at ingestion time, before an account has been resolved for it.
type NewOrder struct {
	OrderID          string
	CustomerID       string
	Amount           int64
	Memo             string
	ClaimWallet      string // non-empty if the order arrives pre-claimed
	ClaimSignature   []byte
}

// Payment is a received transfer, on-chain or a manually issued credit note.
type Payment struct {
	TxID          string
	SenderAddress string
	Amount        int64
	Memo          string
	OrderID       string // optional hint, may be empty
	PaymentType   PaymentType
	Status        PaymentStatus
	CreatedAt     time.Time
}

// NewPayment is the input to process_new_payment.
type NewPayment struct {
	TxID          string
	SenderAddress string
	Amount        int64
	Memo          string
	OrderID       string
}

// CreditNote describes a manually issued, synthetic Payment crediting an
// account without an on-chain transfer.
type CreditNote struct {
	CustomerID string
	Amount     int64
	Reason     string
}

// AuthorizedWallet grants a wallet address permission to post payment
// notifications (role Notifier) or perform admin actions (role Admin).
type AuthorizedWallet struct {
	Address string
	Role    WalletRole
}

// LedgerEntry is an append-only audit row for one side of a balance
// mutation.
type LedgerEntry struct {
	ID        string
	AccountID int64
	Bucket    string // "credits" | "debits" | "pending"
	Direction string // "debit" | "credit"
	Amount    int64
	RefType   string
	RefID     string
	CreatedAt time.Time
}
