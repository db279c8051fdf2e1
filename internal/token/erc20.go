package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// ERC20 is the on-chain Asset implementation. Transfers are submitted as
// transactions signed by the service key and confirmed via receipt status, so
// a reverting token and a false-returning token fail the same way.
type ERC20 struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	addr     common.Address
	holder   common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	decimals uint8
}

// NewERC20 binds an ERC-20 token and caches its decimals.
func NewERC20(ctx context.Context, eth *ethclient.Client, addr common.Address, key *ecdsa.PrivateKey, chainID *big.Int) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	contract := bind.NewBoundContract(addr, parsed, eth, eth, eth)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return nil, fmt.Errorf("read decimals %s: %w", addr.Hex(), err)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("decimals %s: unexpected type %T", addr.Hex(), out[0])
	}

	return &ERC20{
		eth:      eth,
		contract: contract,
		addr:     addr,
		holder:   crypto.PubkeyToAddress(key.PublicKey),
		key:      key,
		chainID:  chainID,
		decimals: dec,
	}, nil
}

func (t *ERC20) Address() common.Address { return t.addr }

func (t *ERC20) Decimals() uint8 { return t.decimals }

func (t *ERC20) TransferFrom(ctx context.Context, from common.Address, amount *big.Int) error {
	return t.transact(ctx, "transferFrom", from, t.holder, amount)
}

func (t *ERC20) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	return t.transact(ctx, "transfer", to, amount)
}

func (t *ERC20) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", addr); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", out[0])
	}
	return bal, nil
}

func (t *ERC20) transact(ctx context.Context, method string, args ...interface{}) error {
	opts, err := bind.NewKeyedTransactorWithChainID(t.key, t.chainID)
	if err != nil {
		return fmt.Errorf("build tx opts: %w", err)
	}
	opts.Context = ctx

	tx, err := t.contract.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s tx: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, t.eth, tx)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("%s reverted: %s", method, tx.Hash().Hex())
	}
	return nil
}
