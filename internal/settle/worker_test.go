package settle

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/gateway"
	"github.com/DINetworks/metatx-relay/internal/vault"
)

var (
	testConsumer = common.HexToAddress("0x00000000000000000000000000000000000000BB")
	testAccount  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherAccount = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeLedger records consumed charges; failFor maps accounts to forced errors.
type fakeLedger struct {
	mu       sync.Mutex
	consumed []Charge
	failFor  map[common.Address]error
}

func (f *fakeLedger) ConsumeCredit(_ context.Context, _, account common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[account]; ok {
		return err
	}
	f.consumed = append(f.consumed, Charge{Account: account, Credits: new(big.Int).Set(amount)})
	return nil
}

func (f *fakeLedger) charges() []Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Charge, len(f.consumed))
	copy(out, f.consumed)
	return out
}

func testEnv(t *testing.T) (*redis.Client, *fakeLedger, *Worker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := &fakeLedger{failFor: make(map[common.Address]error)}
	w := NewWorker(rdb, ledger, testConsumer, zap.NewNop())
	w.BlockTimeout = 50 * time.Millisecond
	return rdb, ledger, w
}

func runBriefly(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.Run(ctx)
}

func TestWorker_AppliesCharges(t *testing.T) {
	ctx := context.Background()
	rdb, ledger, w := testEnv(t)

	for i := 1; i <= 3; i++ {
		c := Charge{Account: testAccount, Credits: big.NewInt(int64(i * 100)), BatchID: uint64(i)}
		if err := Enqueue(ctx, rdb, c); err != nil {
			t.Fatal(err)
		}
	}
	runBriefly(t, w)

	got := ledger.charges()
	if len(got) != 3 {
		t.Fatalf("applied %d charges, want 3", len(got))
	}
	if got[0].Credits.Cmp(big.NewInt(100)) != 0 || got[2].Credits.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("charges out of order: %+v", got)
	}
	if n, _ := rdb.LLen(ctx, ChargeQueueKey).Result(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestWorker_DeadLettersUnfixable(t *testing.T) {
	ctx := context.Background()
	rdb, ledger, w := testEnv(t)
	ledger.failFor[testAccount] = vault.ErrInsufficientCredits

	if err := Enqueue(ctx, rdb, Charge{Account: testAccount, Credits: big.NewInt(500), BatchID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := Enqueue(ctx, rdb, Charge{Account: otherAccount, Credits: big.NewInt(700), BatchID: 2}); err != nil {
		t.Fatal(err)
	}
	runBriefly(t, w)

	got := ledger.charges()
	if len(got) != 1 || got[0].Account != otherAccount {
		t.Fatalf("charges = %+v, want only the solvent account", got)
	}
	dead, err := rdb.LRange(ctx, ChargeDLQKey, 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("DLQ length = %d, want 1", len(dead))
	}
	var c Charge
	if err := json.Unmarshal([]byte(dead[0]), &c); err != nil {
		t.Fatal(err)
	}
	if c.Account != testAccount || c.BatchID != 1 {
		t.Errorf("dead-lettered charge = %+v", c)
	}
}

func TestWorker_DefersWhilePaused(t *testing.T) {
	ctx := context.Background()
	rdb, ledger, w := testEnv(t)
	ledger.failFor[testAccount] = vault.ErrPaused

	if err := Enqueue(ctx, rdb, Charge{Account: testAccount, Credits: big.NewInt(500), BatchID: 1}); err != nil {
		t.Fatal(err)
	}
	runBriefly(t, w)

	// The charge stays queued for a later pass instead of being lost.
	if n, _ := rdb.LLen(ctx, ChargeQueueKey).Result(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if n, _ := rdb.LLen(ctx, ChargeDLQKey).Result(); n != 0 {
		t.Errorf("DLQ length = %d, want 0", n)
	}
}

func TestWorker_MalformedEntry(t *testing.T) {
	ctx := context.Background()
	rdb, ledger, w := testEnv(t)

	rdb.RPush(ctx, ChargeQueueKey, "{not json")
	if err := Enqueue(ctx, rdb, Charge{Account: testAccount, Credits: big.NewInt(100), BatchID: 1}); err != nil {
		t.Fatal(err)
	}
	runBriefly(t, w)

	if len(ledger.charges()) != 1 {
		t.Errorf("valid charge behind a malformed one was not applied")
	}
	if n, _ := rdb.LLen(ctx, ChargeDLQKey).Result(); n != 1 {
		t.Errorf("DLQ length = %d, want 1", n)
	}
}

// ── Enqueuer ───────────────────────────────────────────────────────────────

func TestEnqueuer_ChargesPerItem(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	enq := NewEnqueuer(rdb, big.NewInt(250), zap.NewNop())

	enq.Emit(ctx, gateway.EventBatchSettled, gateway.ExecutionRecord{
		BatchID:   7,
		Signer:    testAccount,
		ItemCount: 4,
	})

	entries, err := rdb.LRange(ctx, ChargeQueueKey, 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}
	var c Charge
	if err := json.Unmarshal([]byte(entries[0]), &c); err != nil {
		t.Fatal(err)
	}
	if c.Credits.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("credits = %s, want 1000", c.Credits)
	}
	if c.Account != testAccount || c.BatchID != 7 {
		t.Errorf("charge = %+v", c)
	}
}

func TestEnqueuer_IgnoresOtherEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	enq := NewEnqueuer(rdb, big.NewInt(250), zap.NewNop())

	enq.Emit(ctx, gateway.EventItemExecuted, gateway.ItemExecutedEvent{BatchID: 1})
	enq.Emit(ctx, gateway.EventPaused, gateway.PausedEvent{Reason: "x"})

	if n, _ := rdb.LLen(ctx, ChargeQueueKey).Result(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}
