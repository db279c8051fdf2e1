package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// State is the durable slice of gateway state: replay nonces, the relayer
// set, and the batch counter.
type State struct {
	Nonces   map[common.Address]uint64
	Relayers map[common.Address]struct{}
	BatchID  uint64
}

// RedisStore persists gateway state to Redis hashes.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) SaveNonce(ctx context.Context, signer common.Address, nonce uint64) error {
	return s.rdb.HSet(ctx, nonceHashKey, addrField(signer), nonce).Err()
}

func (s *RedisStore) SaveRelayer(ctx context.Context, relayer common.Address, authorized bool) error {
	if authorized {
		return s.rdb.HSet(ctx, relayerHashKey, addrField(relayer), "1").Err()
	}
	return s.rdb.HDel(ctx, relayerHashKey, addrField(relayer)).Err()
}

func (s *RedisStore) SaveBatchID(ctx context.Context, id uint64) error {
	return s.rdb.Set(ctx, batchIDKey, id, 0).Err()
}

// LoadState reads the persisted gateway state. Missing keys yield empty maps
// and a zero batch counter (fresh deployment).
func LoadState(ctx context.Context, rdb *redis.Client) (*State, error) {
	st := &State{
		Nonces:   make(map[common.Address]uint64),
		Relayers: make(map[common.Address]struct{}),
	}

	nonces, err := rdb.HGetAll(ctx, nonceHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	for field, raw := range nonces {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		st.Nonces[common.HexToAddress(field)] = n
	}

	relayers, err := rdb.HGetAll(ctx, relayerHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load relayers: %w", err)
	}
	for field := range relayers {
		st.Relayers[common.HexToAddress(field)] = struct{}{}
	}

	raw, err := rdb.Get(ctx, batchIDKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load batch id: %w", err)
	}
	if raw != "" {
		st.BatchID, _ = strconv.ParseUint(raw, 10, 64)
	}
	return st, nil
}

func addrField(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
