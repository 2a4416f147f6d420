package domain

import "errors"

// Sentinel error kinds. Callers use errors.Is against these, never string
// matching, except at the pkg/store/sqlite boundary where the driver gives
// us no typed constraint errors.
var (
	// ErrIdentityConflict: a (cust_id, address) pair resolves to two
	// distinct accounts. Surfaced; admin-repairable.
	ErrIdentityConflict = errors.New("identity conflict: customer id and wallet address resolve to different accounts")

	// ErrOrderAlreadyExists: duplicate order_id. Treated as an idempotent
	// success: the stores report a duplicate through
	// InsertOrderResult.WasExisting and process_new_order returns the
	// existing row with a nil error and emits no event.
	ErrOrderAlreadyExists = errors.New("order already exists")

	// ErrPaymentAlreadyExists: duplicate txid. Same treatment.
	ErrPaymentAlreadyExists = errors.New("payment already exists")

	// ErrInvalidTransition: disallowed order/payment status edge.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrOrderNotFound / ErrPaymentNotFound: unknown key.
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInsufficientFunds: a debit/refund would break the
	// credits >= debits invariant.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidSignature: wallet claim signature fails verification.
	ErrInvalidSignature = errors.New("invalid wallet signature")

	// ErrUnauthorizedWallet: a wallet not present in authorized_wallets
	// (or lacking the required role) attempted a privileged action.
	ErrUnauthorizedWallet = errors.New("unauthorized wallet")

	// ErrBackend: a transient store failure. Retried bounded, then
	// surfaced.
	ErrBackend = errors.New("backend error")

	// ErrConflict: an optimistic-write loss on a unique index. Retried
	// bounded by pkg/store.
	ErrConflict = errors.New("write conflict")

	// ErrModificationForbidden: a modification (e.g. reset_order on a
	// fulfilled order) is individually valid as a status transition but
	// forbidden by a side condition.
	ErrModificationForbidden = errors.New("modification forbidden")

	// ErrNoOp: the requested change would have no effect. Not an error
	// condition for the caller — treated as a successful no-op. The
	// stores do not return it: UpdatePaymentStatus reports setting a
	// payment to its current status as changed=false.
	ErrNoOp = errors.New("no-op: state already as requested")
)
