// Package journal records the service's emitted events for off-chain
// reconciliation. Each event is JSON-appended to a per-event Redis list and
// mirrored to the structured log.
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const listKeyFmt = "journal:%s" // %s = event name

// Recorder implements the EventSink consumed by the gateway and the vault.
type Recorder struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRecorder(rdb *redis.Client, log *zap.Logger) *Recorder {
	return &Recorder{rdb: rdb, log: log}
}

// Emit appends one event. A marshal or Redis failure is logged, never
// surfaced: journaling must not fail ledger operations that already applied.
func (r *Recorder) Emit(ctx context.Context, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("journal marshal", zap.String("event", event), zap.Error(err))
		return
	}
	key := fmt.Sprintf(listKeyFmt, event)
	if err := r.rdb.RPush(ctx, key, string(raw)).Err(); err != nil {
		r.log.Error("journal push", zap.String("event", event), zap.Error(err))
		return
	}
	r.log.Info("event", zap.String("event", event), zap.String("payload", string(raw)))
}

// Tail returns up to n most recent entries for one event, oldest first.
func (r *Recorder) Tail(ctx context.Context, event string, n int64) ([]string, error) {
	key := fmt.Sprintf(listKeyFmt, event)
	entries, err := r.rdb.LRange(ctx, key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("journal tail %s: %w", event, err)
	}
	return entries, nil
}
