package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const aggregatorABI = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// ChainlinkFeed reads a Chainlink-compatible aggregator. Feed decimals are
// read once at construction; latestRoundData is read per call.
type ChainlinkFeed struct {
	contract *bind.BoundContract
	addr     common.Address
	decimals uint8
}

func NewChainlinkFeed(ctx context.Context, eth *ethclient.Client, addr common.Address) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}
	contract := bind.NewBoundContract(addr, parsed, eth, eth, eth)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return nil, fmt.Errorf("read feed decimals %s: %w", addr.Hex(), err)
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("feed decimals %s: unexpected type %T", addr.Hex(), out[0])
	}
	return &ChainlinkFeed{contract: contract, addr: addr, decimals: dec}, nil
}

func (f *ChainlinkFeed) Address() common.Address { return f.addr }

func (f *ChainlinkFeed) Read(ctx context.Context) (Reading, error) {
	var out []interface{}
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Reading{}, fmt.Errorf("latestRoundData %s: %w", f.addr.Hex(), err)
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return Reading{}, fmt.Errorf("latestRoundData %s: unexpected answer type %T", f.addr.Hex(), out[1])
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return Reading{}, fmt.Errorf("latestRoundData %s: unexpected updatedAt type %T", f.addr.Hex(), out[3])
	}
	return Reading{
		Price:     answer,
		Decimals:  f.decimals,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

// StaticFeed returns a fixed reading. Used in tests and local development.
type StaticFeed struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

func (f *StaticFeed) Read(ctx context.Context) (Reading, error) {
	return Reading{Price: f.Price, Decimals: f.Decimals, UpdatedAt: f.UpdatedAt}, nil
}
