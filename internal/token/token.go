// Package token defines the asset transfer boundary used by the gateway and
// the credit vault. A false transfer return and a reverted transfer are both
// reported as an error; callers never distinguish the two.
package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is one transferable asset held by the service account.
type Asset interface {
	// Address identifies the asset contract.
	Address() common.Address
	// Decimals is the asset's display precision, used for credit scaling.
	Decimals() uint8
	// TransferFrom pulls amount from `from` into the service account. The
	// owner must have approved the service account beforehand.
	TransferFrom(ctx context.Context, from common.Address, amount *big.Int) error
	// Transfer pushes amount from the service account to `to`.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	// BalanceOf reads the asset balance of addr.
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}
