package gateway

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	store := NewRedisStore(rdb)

	signer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	relayer := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if err := store.SaveNonce(ctx, signer, 12); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRelayer(ctx, relayer, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveBatchID(ctx, 99); err != nil {
		t.Fatal(err)
	}

	st, err := LoadState(ctx, rdb)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Nonces[signer] != 12 {
		t.Errorf("nonce = %d, want 12", st.Nonces[signer])
	}
	if _, ok := st.Relayers[relayer]; !ok {
		t.Error("relayer missing from state")
	}
	if st.BatchID != 99 {
		t.Errorf("batch id = %d, want 99", st.BatchID)
	}
}

func TestRedisStore_RevokeRelayer(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	store := NewRedisStore(rdb)

	relayer := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if err := store.SaveRelayer(ctx, relayer, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveRelayer(ctx, relayer, false); err != nil {
		t.Fatal(err)
	}

	st, err := LoadState(ctx, rdb)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Relayers[relayer]; ok {
		t.Error("revoked relayer should not survive a reload")
	}
}

func TestLoadState_Fresh(t *testing.T) {
	st, err := LoadState(context.Background(), testRedis(t))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(st.Nonces) != 0 || len(st.Relayers) != 0 || st.BatchID != 0 {
		t.Errorf("fresh state not empty: %+v", st)
	}
}
