// Package settle charges relaying fees against vault credits asynchronously.
// Executed batches produce Charge entries on a Redis queue; a worker drains
// the queue and debits each signer through the vault's consume path, so a
// slow or failed debit never delays batch execution itself.
package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/gateway"
)

const (
	// ChargeQueueKey holds pending charges, oldest first.
	ChargeQueueKey = "settle:charges"
	// ChargeDLQKey holds charges that were rejected for reasons a retry
	// cannot fix. Operators reconcile these by hand.
	ChargeDLQKey = "settle:charges:dead"
)

// Charge is one pending debit against a signer's credit balance.
type Charge struct {
	Account common.Address `json:"account"`
	Credits *big.Int       `json:"credits"`
	BatchID uint64         `json:"batch_id"`
}

// EventSink matches the sink interface the gateway and the vault emit into.
type EventSink interface {
	Emit(ctx context.Context, event string, payload any)
}

// Fanout forwards each event to every sink.
type Fanout []EventSink

func (f Fanout) Emit(ctx context.Context, event string, payload any) {
	for _, s := range f {
		s.Emit(ctx, event, payload)
	}
}

// Enqueuer turns batch_settled events into Charge entries. It is wired into
// the gateway's sink fanout next to the journal; other events pass through
// untouched.
type Enqueuer struct {
	rdb        *redis.Client
	feePerItem *big.Int
	log        *zap.Logger
}

func NewEnqueuer(rdb *redis.Client, feePerItem *big.Int, log *zap.Logger) *Enqueuer {
	return &Enqueuer{rdb: rdb, feePerItem: feePerItem, log: log}
}

func (e *Enqueuer) Emit(ctx context.Context, event string, payload any) {
	if event != gateway.EventBatchSettled {
		return
	}
	rec, ok := payload.(gateway.ExecutionRecord)
	if !ok {
		return
	}
	fee := new(big.Int).Mul(e.feePerItem, big.NewInt(int64(rec.ItemCount)))
	if fee.Sign() == 0 {
		return
	}
	if err := Enqueue(ctx, e.rdb, Charge{Account: rec.Signer, Credits: fee, BatchID: rec.BatchID}); err != nil {
		e.log.Error("enqueue charge",
			zap.Uint64("batch", rec.BatchID),
			zap.String("account", rec.Signer.Hex()),
			zap.Error(err),
		)
	}
}

// Enqueue appends one charge to the queue.
func Enqueue(ctx context.Context, rdb *redis.Client, c Charge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal charge: %w", err)
	}
	return rdb.RPush(ctx, ChargeQueueKey, string(raw)).Err()
}
