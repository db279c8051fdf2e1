package vault

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Additive-only: fields are never renamed or relocated.
const (
	creditHashKey   = "vault:credits"   // hash: account (lowercase hex) -> credit balance (decimal string)
	heldHashKey     = "vault:held"      // hash: asset (lowercase hex) -> held balance
	consumerHashKey = "vault:consumers" // hash: consumer (lowercase hex) -> "1"
	assetHashKey    = "vault:assets"    // hash: asset (lowercase hex) -> "fixed"|"priced"
	consumedPoolKey = "vault:consumed_pool"
)

// State is the durable slice of vault state. Assets records the persisted
// whitelist (true marks a fixed-unit asset); the live whitelist always comes
// from configuration, so Restore ignores it, but operators compare the two at
// startup to catch a config that silently dropped an asset with held funds.
type State struct {
	Credits      map[common.Address]*big.Int
	Held         map[common.Address]*big.Int
	ConsumedPool *big.Int
	Consumers    map[common.Address]struct{}
	Assets       map[common.Address]bool
}

// RedisStore persists vault state to Redis hashes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SaveCredit(ctx context.Context, account common.Address, balance *big.Int) error {
	return s.rdb.HSet(ctx, creditHashKey, addrField(account), balance.String()).Err()
}

func (s *RedisStore) SaveHeld(ctx context.Context, asset common.Address, balance *big.Int) error {
	return s.rdb.HSet(ctx, heldHashKey, addrField(asset), balance.String()).Err()
}

func (s *RedisStore) SaveConsumedPool(ctx context.Context, balance *big.Int) error {
	return s.rdb.Set(ctx, consumedPoolKey, balance.String(), 0).Err()
}

func (s *RedisStore) SaveConsumer(ctx context.Context, consumer common.Address, authorized bool) error {
	if authorized {
		return s.rdb.HSet(ctx, consumerHashKey, addrField(consumer), "1").Err()
	}
	return s.rdb.HDel(ctx, consumerHashKey, addrField(consumer)).Err()
}

func (s *RedisStore) SaveAsset(ctx context.Context, asset common.Address, fixedUnit bool) error {
	kind := "priced"
	if fixedUnit {
		kind = "fixed"
	}
	return s.rdb.HSet(ctx, assetHashKey, addrField(asset), kind).Err()
}

// LoadState reads the persisted vault state. Missing keys yield an empty
// ledger (fresh deployment).
func LoadState(ctx context.Context, rdb *redis.Client) (*State, error) {
	st := &State{
		Credits:      make(map[common.Address]*big.Int),
		Held:         make(map[common.Address]*big.Int),
		ConsumedPool: new(big.Int),
		Consumers:    make(map[common.Address]struct{}),
		Assets:       make(map[common.Address]bool),
	}

	credits, err := rdb.HGetAll(ctx, creditHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load credits: %w", err)
	}
	for field, raw := range credits {
		if bal, ok := new(big.Int).SetString(raw, 10); ok {
			st.Credits[common.HexToAddress(field)] = bal
		}
	}

	held, err := rdb.HGetAll(ctx, heldHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load held balances: %w", err)
	}
	for field, raw := range held {
		if bal, ok := new(big.Int).SetString(raw, 10); ok {
			st.Held[common.HexToAddress(field)] = bal
		}
	}

	raw, err := rdb.Get(ctx, consumedPoolKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load consumed pool: %w", err)
	}
	if raw != "" {
		if pool, ok := new(big.Int).SetString(raw, 10); ok {
			st.ConsumedPool = pool
		}
	}

	consumers, err := rdb.HGetAll(ctx, consumerHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load consumers: %w", err)
	}
	for field := range consumers {
		st.Consumers[common.HexToAddress(field)] = struct{}{}
	}

	assets, err := rdb.HGetAll(ctx, assetHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	for field, kind := range assets {
		st.Assets[common.HexToAddress(field)] = kind == "fixed"
	}
	return st, nil
}

func addrField(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
