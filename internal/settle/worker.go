package settle

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/vault"
)

const maxBatchSize = 50

// Ledger is the slice of the vault the worker needs.
type Ledger interface {
	ConsumeCredit(ctx context.Context, consumer, account common.Address, amount *big.Int) error
}

// Worker drains the charge queue. One worker per process; the queue itself
// serializes across replicas.
type Worker struct {
	rdb      *redis.Client
	ledger   Ledger
	consumer common.Address
	log      *zap.Logger

	// BlockTimeout bounds each BLPOP wait. Shortened in tests.
	BlockTimeout time.Duration
}

func NewWorker(rdb *redis.Client, ledger Ledger, consumer common.Address, log *zap.Logger) *Worker {
	return &Worker{
		rdb:          rdb,
		ledger:       ledger,
		consumer:     consumer,
		log:          log,
		BlockTimeout: 5 * time.Second,
	}
}

// Run is the main loop: BLPOP → drain a batch → apply each charge. Returns
// when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("charge worker started", zap.String("queue", ChargeQueueKey))

	for {
		if ctx.Err() != nil {
			w.log.Info("charge worker stopped")
			return
		}

		results, err := w.rdb.BLPop(ctx, w.BlockTimeout, ChargeQueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error("charge worker: BLPOP", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[1] is the popped entry; peek the rest of the batch and pop
		// each one only after it is handled.
		if !w.apply(ctx, results[1], true) {
			continue
		}
		remaining, err := w.rdb.LRange(ctx, ChargeQueueKey, 0, int64(maxBatchSize-2)).Result()
		if err != nil {
			w.log.Error("charge worker: LRANGE", zap.Error(err))
			continue
		}
		for _, raw := range remaining {
			if !w.apply(ctx, raw, false) {
				break
			}
		}
	}
}

// apply handles one raw charge entry. popped indicates the entry already left
// the queue (BLPOP); otherwise it is LPOP'd here once handled. Returns false
// on a transient rejection, which leaves the entry queued and aborts the
// current batch.
func (w *Worker) apply(ctx context.Context, raw string, popped bool) bool {
	var c Charge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		w.log.Error("charge worker: unmarshal", zap.String("raw", raw), zap.Error(err))
		if !popped {
			w.rdb.LPop(ctx, ChargeQueueKey)
		}
		w.rdb.RPush(ctx, ChargeDLQKey, raw)
		return true
	}

	err := w.ledger.ConsumeCredit(ctx, w.consumer, c.Account, c.Credits)
	switch {
	case err == nil:
		if !popped {
			w.rdb.LPop(ctx, ChargeQueueKey)
		}
		w.log.Info("charge applied",
			zap.Uint64("batch", c.BatchID),
			zap.String("account", c.Account.Hex()),
			zap.String("credits", c.Credits.String()),
		)
		return true

	case errors.Is(err, vault.ErrPaused), errors.Is(err, vault.ErrReentrancy):
		// Transient: leave the entry at the head of the queue for the next
		// pass. The BLPOP'd entry has to be pushed back explicitly.
		if popped {
			w.rdb.LPush(ctx, ChargeQueueKey, raw)
		}
		w.log.Warn("charge deferred", zap.Uint64("batch", c.BatchID), zap.Error(err))
		time.Sleep(time.Second)
		return false

	default:
		// Insufficient credits, unauthorized consumer, bad amount: a retry
		// cannot fix these. Dead-letter for operator reconciliation.
		if !popped {
			w.rdb.LPop(ctx, ChargeQueueKey)
		}
		w.rdb.RPush(ctx, ChargeDLQKey, raw)
		w.log.Error("charge dead-lettered",
			zap.Uint64("batch", c.BatchID),
			zap.String("account", c.Account.Hex()),
			zap.String("credits", c.Credits.String()),
			zap.Error(err),
		)
		return true
	}
}
