package vault

import (
	"context"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
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

	bal, _ := new(big.Int).SetString("123456789000000000000", 10)
	if err := store.SaveCredit(ctx, testAccount, bal); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveHeld(ctx, usdAddr, big.NewInt(5_000_000)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveConsumedPool(ctx, big.NewInt(42)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveConsumer(ctx, testConsumer, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveAsset(ctx, usdAddr, true); err != nil {
		t.Fatal(err)
	}

	st, err := LoadState(ctx, rdb)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st.Credits[testAccount].Cmp(bal) != 0 {
		t.Errorf("credits = %s, want %s", st.Credits[testAccount], bal)
	}
	if st.Held[usdAddr].Cmp(big.NewInt(5_000_000)) != 0 {
		t.Errorf("held = %s, want 5000000", st.Held[usdAddr])
	}
	if st.ConsumedPool.Cmp(big.NewInt(42)) != 0 {
		t.Errorf("pool = %s, want 42", st.ConsumedPool)
	}
	if _, ok := st.Consumers[testConsumer]; !ok {
		t.Error("consumer missing from state")
	}
	fixed, ok := st.Assets[usdAddr]
	if !ok {
		t.Error("asset missing from state")
	}
	if !fixed {
		t.Error("asset should reload as fixed-unit")
	}
}

func TestRedisStore_RevokeConsumer(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	store := NewRedisStore(rdb)

	if err := store.SaveConsumer(ctx, testConsumer, true); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveConsumer(ctx, testConsumer, false); err != nil {
		t.Fatal(err)
	}
	st, err := LoadState(ctx, rdb)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Consumers[testConsumer]; ok {
		t.Error("revoked consumer should not survive a reload")
	}
}

func TestLoadState_Fresh(t *testing.T) {
	st, err := LoadState(context.Background(), testRedis(t))
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(st.Credits) != 0 || len(st.Held) != 0 || st.ConsumedPool.Sign() != 0 {
		t.Errorf("fresh state not empty: %+v", st)
	}
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)
	store := NewRedisStore(rdb)

	bal, _ := new(big.Int).SetString("7000000000000000000", 10)
	if err := store.SaveCredit(ctx, testAccount, bal); err != nil {
		t.Fatal(err)
	}
	st, err := LoadState(ctx, rdb)
	if err != nil {
		t.Fatal(err)
	}

	v, _, _ := newTestVault(t)
	v.Restore(st)
	if v.Credits(testAccount).Cmp(bal) != 0 {
		t.Errorf("restored credits = %s, want %s", v.Credits(testAccount), bal)
	}
}
