// Package chainwatch verifies on-chain ERC20 transfers against a receipt's
// logs: it matches the Transfer event by Keccak256 event signature against
// a configured contract address, destination, and amount, for any asset
// registered in TokenContracts.
package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

var transferSigHash = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrNoMatchingTransfer is returned when a receipt's logs contain no
// Transfer event matching the expected contract, destination and amount.
var ErrNoMatchingTransfer = errors.New("chainwatch: no matching transfer found in receipt")

// Verifier confirms ERC20 transfers by fetching a transaction receipt from
// an RPC endpoint and scanning its logs. One Verifier serves every asset
// configured in TokenContracts; callers choose the contract by asset name.
type Verifier struct {
	TokenContracts map[string]common.Address // asset name -> ERC20 contract address
	ReceiptTimeout time.Duration

	mu     sync.Mutex
	client *ethclient.Client
	rpcURL string
	dialed bool
	dialErr error
}

// New constructs a Verifier. rpcURL is dialed lazily on first use, guarded
// by a mutex rather than sync.Once since failed dials must be retried.
func New(rpcURL string, tokenContracts map[string]string) *Verifier {
	addrs := make(map[string]common.Address, len(tokenContracts))
	for asset, addr := range tokenContracts {
		addrs[asset] = common.HexToAddress(addr)
	}
	return &Verifier{
		TokenContracts: addrs,
		ReceiptTimeout: 10 * time.Second,
		rpcURL:         rpcURL,
	}
}

func (v *Verifier) dial() (*ethclient.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dialed {
		v.client, v.dialErr = ethclient.Dial(v.rpcURL)
		v.dialed = v.dialErr == nil
	}
	return v.client, v.dialErr
}

// VerifyTransfer checks whether txHash's receipt contains a Transfer log
// from asset's configured contract, to destAddress, for exactly
// expectedAmount.
func (v *Verifier) VerifyTransfer(ctx context.Context, asset, txHash, destAddress string, expectedAmount *big.Int) (bool, error) {
	contract, ok := v.TokenContracts[asset]
	if !ok {
		return false, fmt.Errorf("chainwatch: no contract configured for asset %q", asset)
	}

	client, err := v.dial()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.ReceiptTimeout)
	defer cancel()

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("chainwatch: fetch receipt %s: %w", txHash, err)
	}

	dest := common.HexToAddress(destAddress)
	for _, vLog := range receipt.Logs {
		if vLog.Address != contract || len(vLog.Topics) != 3 || vLog.Topics[0] != transferSigHash {
			continue
		}
		to := common.HexToAddress(vLog.Topics[2].Hex())
		amount := new(big.Int).SetBytes(vLog.Data)
		if !strings.EqualFold(to.Hex(), dest.Hex()) {
			continue
		}
		if amount.Cmp(expectedAmount) == 0 {
			return true, nil
		}
		log.Warn().Str("tx", txHash).Str("asset", asset).Str("amount", amount.String()).
			Str("expected", expectedAmount.String()).Msg("chainwatch: transfer amount mismatch")
	}
	return false, ErrNoMatchingTransfer
}
