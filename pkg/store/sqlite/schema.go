package sqlite

import "database/sql"

// ddl defines the accounts/identity-link/order/payment/ledger/outbox
// tables the matching engine needs.
const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  credits INTEGER NOT NULL DEFAULT 0,
  debits  INTEGER NOT NULL DEFAULT 0,
  pending INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_links (
  kind TEXT NOT NULL,
  key  TEXT NOT NULL,
  account_id INTEGER NOT NULL REFERENCES accounts(id),
  created_at TEXT NOT NULL,
  PRIMARY KEY (kind, key)
);
CREATE INDEX IF NOT EXISTS idx_identity_links_account ON identity_links(account_id);

CREATE TABLE IF NOT EXISTS orders (
  order_id TEXT PRIMARY KEY,
  customer_id TEXT,
  account_id INTEGER REFERENCES accounts(id),
  amount INTEGER NOT NULL,
  memo TEXT,
  status TEXT NOT NULL,
  fulfilled_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders(account_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at, order_id);

CREATE TABLE IF NOT EXISTS payments (
  txid TEXT PRIMARY KEY,
  sender_address TEXT NOT NULL,
  amount INTEGER NOT NULL,
  memo TEXT,
  order_id TEXT,
  payment_type TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id);
CREATE INDEX IF NOT EXISTS idx_payments_sender ON payments(sender_address);

CREATE TABLE IF NOT EXISTS authorized_wallets (
  address TEXT PRIMARY KEY,
  role TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  account_id INTEGER NOT NULL,
  bucket TEXT NOT NULL,
  direction TEXT NOT NULL,
  amount INTEGER NOT NULL,
  ref_type TEXT,
  ref_id TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id);

CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_name TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_undelivered ON outbox_events(delivered_at);
`

// EnsureSchema creates every table and index the store needs, idempotently.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(ddl)
	return err
}
