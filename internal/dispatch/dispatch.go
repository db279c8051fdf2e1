// Package dispatch performs the gateway's external calls: batch item
// execution and native-value refunds. The EVM implementation submits each
// call as a transaction from the relayer's service account and reports the
// receipt status as an opaque success or failure.
package dispatch

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMCaller sends calls as signed transactions and waits for confirmation.
type EVMCaller struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

func NewEVMCaller(eth *ethclient.Client, key *ecdsa.PrivateKey, chainID *big.Int) *EVMCaller {
	return &EVMCaller{
		eth:     eth,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
}

// From returns the service account the calls are sent from.
func (c *EVMCaller) From() common.Address { return c.from }

// Call sends one transaction carrying value and data to `to` and waits for
// the receipt. A reverted transaction is an error; the caller records it as
// an item failure without inspecting the revert reason.
func (c *EVMCaller) Call(ctx context.Context, to common.Address, value *big.Int, data []byte) error {
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation fails when the call would revert; surface it as the
		// item failure it is.
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("call reverted: %s", signed.Hash().Hex())
	}
	return nil
}
