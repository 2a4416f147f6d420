// Package walletauth verifies wallet-signed claims and checks authorized
// wallet roles using go-ethereum's ECDSA recovery primitives.
package walletauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/store"
)

// claimPrefix is prepended to an order_id to build the canonical payload a
// wallet signs to prove it controls a claim over that order.
const claimPrefix = "claim:"

// Verifier checks wallet-signed order claims against go-ethereum's
// ECDSA/secp256k1 recovery, and authorized-wallet roles against the Store.
type Verifier struct {
	Store store.Store
}

// New constructs a Verifier backed by st.
func New(st store.Store) *Verifier {
	return &Verifier{Store: st}
}

// VerifyClaim recovers the signing address from sig over the canonical
// claim payload ("claim:" + orderID) and checks it matches walletAddress.
// sig must be the 65-byte [R || S || V] signature produced by
// crypto.Sign over the Keccak256 hash of the payload.
func (v *Verifier) VerifyClaim(orderID, walletAddress string, sig []byte) (bool, error) {
	if len(sig) != 65 {
		return false, fmt.Errorf("%w: signature must be 65 bytes, got %d", domain.ErrInvalidSignature, len(sig))
	}
	payload := []byte(claimPrefix + orderID)
	hash := crypto.Keccak256Hash(payload)

	pubKey, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)

	if !strings.EqualFold(recovered.Hex(), common.HexToAddress(walletAddress).Hex()) {
		return false, domain.ErrInvalidSignature
	}
	return true, nil
}

// IsAuthorized reports whether address holds role (or Admin, which
// subsumes Notifier) in the authorized_wallets table.
func (v *Verifier) IsAuthorized(ctx context.Context, address string, role domain.WalletRole) (bool, error) {
	var authorized bool
	err := v.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wallet, err := tx.GetAuthorizedWallet(ctx, address)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorizedWallet) {
				authorized = false
				return nil
			}
			return err
		}
		authorized = wallet.Role == role || wallet.Role == domain.RoleAdmin
		return nil
	})
	if err != nil {
		return false, err
	}
	return authorized, nil
}
