package gateway

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/token"
)

// Caller performs one external call carrying native value and an opaque
// payload. The gateway treats failures as opaque booleans; it never decodes
// revert data for control flow. Test doubles implement Caller to simulate
// success, failure, and reentrancy.
type Caller interface {
	Call(ctx context.Context, to common.Address, value *big.Int, data []byte) error
}

// EventSink receives the gateway's emitted events (journal.Recorder in
// production). Decoupled here so tests can capture events in memory.
type EventSink interface {
	Emit(ctx context.Context, event string, payload any)
}

// Store persists gateway state after each mutation. Persistence is
// best-effort: a write failure is logged, not surfaced, since the in-memory
// state is authoritative for the life of the process.
type Store interface {
	SaveNonce(ctx context.Context, signer common.Address, nonce uint64) error
	SaveRelayer(ctx context.Context, relayer common.Address, authorized bool) error
	SaveBatchID(ctx context.Context, id uint64) error
}

// Event names used by the gateway's journal entries.
const (
	EventRelayerAuthorization = "relayer_authorization"
	EventItemExecuted         = "item_executed"
	EventBatchSettled         = "batch_settled"
	EventPaused               = "paused"
	EventUnpaused             = "unpaused"
	EventAssetRescued         = "asset_rescued"
)

// ItemExecutedEvent is emitted once per dispatched item, success or not.
type ItemExecutedEvent struct {
	BatchID uint64         `json:"batch_id"`
	Index   int            `json:"index"`
	Relayer common.Address `json:"relayer"`
	Signer  common.Address `json:"signer"`
	To      common.Address `json:"to"`
	Value   *big.Int       `json:"value"`
	Data    string         `json:"data"`
	Success bool           `json:"success"`
}

// PausedEvent carries the human-readable reason an operator supplied.
type PausedEvent struct {
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// Gateway is the batch transaction executor: it verifies EIP-712 batch
// authorizations, advances the per-signer replay nonce, dispatches each item
// in isolation, and reconciles native value.
type Gateway struct {
	chainID *big.Int
	address common.Address
	owner   common.Address
	caller  Caller

	mu          sync.Mutex
	busy        bool
	nonces      map[common.Address]uint64
	relayers    map[common.Address]bool
	paused      bool
	pauseReason string
	batchID     uint64
	records     []ExecutionRecord

	store Store
	sink  EventSink
	now   func() time.Time
	log   *zap.Logger
}

// New builds a Gateway. gatewayAddr is the deployment address bound into the
// EIP-712 domain; store and sink may be nil (tests).
func New(chainID *big.Int, gatewayAddr, owner common.Address, caller Caller, store Store, sink EventSink, log *zap.Logger) *Gateway {
	return &Gateway{
		chainID:  chainID,
		address:  gatewayAddr,
		owner:    owner,
		caller:   caller,
		nonces:   make(map[common.Address]uint64),
		relayers: make(map[common.Address]bool),
		store:    store,
		sink:     sink,
		now:      time.Now,
		log:      log,
	}
}

// Restore seeds state loaded from the store. Call before serving traffic.
func (g *Gateway) Restore(st *State) {
	if st == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for signer, n := range st.Nonces {
		g.nonces[signer] = n
	}
	for relayer := range st.Relayers {
		g.relayers[relayer] = true
	}
	g.batchID = st.BatchID
}

// CalculateRequiredValue returns the exact native value a relayer must attach
// for items: the sum of per-item values. Pure; the executor applies the
// identical summation rule.
func CalculateRequiredValue(items []BatchItem) *big.Int {
	total := new(big.Int)
	for _, item := range items {
		if item.Value != nil {
			total.Add(total, item.Value)
		}
	}
	return total
}

// enter sets the reentrancy guard. A dispatched target that re-invokes the
// gateway mid-batch observes busy=true and is rejected.
func (g *Gateway) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return ErrReentrancy
	}
	g.busy = true
	return nil
}

func (g *Gateway) exit() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// ExecuteBatch verifies and executes a signed batch on behalf of req.Signer.
// attachedValue must equal CalculateRequiredValue(req.Items) exactly.
//
// Items are independent: one item's failure never aborts the rest. The
// authorization step is all-or-nothing, and the value invariant
// totalRequired == totalUsed + refunded holds for every accepted batch.
func (g *Gateway) ExecuteBatch(ctx context.Context, relayer common.Address, req *BatchRequest, attachedValue *big.Int) (*ExecutionRecord, error) {
	if err := g.enter(); err != nil {
		return nil, err
	}
	defer g.exit()

	// Preconditions and authorization run under the state lock; external
	// dispatch happens outside it with the busy flag still set.
	totalRequired := CalculateRequiredValue(req.Items)
	if attachedValue == nil {
		attachedValue = new(big.Int)
	}
	batchID, err := g.authorize(ctx, relayer, req, attachedValue, totalRequired)
	if err != nil {
		return nil, err
	}

	// Dispatch: isolated per item, outcomes recorded, never propagated.
	success := make([]bool, len(req.Items))
	totalUsed := new(big.Int)
	for i, item := range req.Items {
		value := item.Value
		if value == nil {
			value = new(big.Int)
		}
		callErr := g.caller.Call(ctx, item.To, value, item.Data)
		success[i] = callErr == nil
		if callErr == nil {
			totalUsed.Add(totalUsed, value)
		} else {
			g.log.Warn("batch item failed",
				zap.Uint64("batch", batchID),
				zap.Int("index", i),
				zap.String("to", item.To.Hex()),
				zap.Error(callErr),
			)
		}
		g.emit(ctx, EventItemExecuted, ItemExecutedEvent{
			BatchID: batchID,
			Index:   i,
			Relayer: relayer,
			Signer:  req.Signer,
			To:      item.To,
			Value:   value,
			Data:    hexutil.Encode(item.Data),
			Success: success[i],
		})
	}

	// Settlement: unused value goes back to the signer, never the relayer.
	refunded := new(big.Int).Sub(totalRequired, totalUsed)
	if refunded.Sign() > 0 {
		if err := g.caller.Call(ctx, req.Signer, refunded, nil); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrRefundFailed, err)
		}
	}

	record := ExecutionRecord{
		BatchID:       batchID,
		Signer:        req.Signer,
		Relayer:       relayer,
		ItemCount:     len(req.Items),
		TotalRequired: totalRequired,
		TotalUsed:     totalUsed,
		Refunded:      refunded,
		ItemSuccess:   success,
		ExecutedAt:    g.now().Unix(),
	}
	g.mu.Lock()
	g.records = append(g.records, record)
	g.mu.Unlock()
	g.emit(ctx, EventBatchSettled, record)

	g.log.Info("batch settled",
		zap.Uint64("batch", batchID),
		zap.String("signer", req.Signer.Hex()),
		zap.String("relayer", relayer.Hex()),
		zap.Int("items", len(req.Items)),
		zap.String("required", totalRequired.String()),
		zap.String("used", totalUsed.String()),
		zap.String("refunded", refunded.String()),
	)
	return &record, nil
}

// authorize applies steps 1–3 of the execution state machine under the state
// lock: preconditions, signature verification, value precheck, then the nonce
// advance. The nonce and batch id move only once every rejection path is
// behind us, and before any item is dispatched, so a rejected batch never
// consumes either and an accepted signature can never be replayed against a
// modified batch. The batch id is consumed here rather than at settlement:
// an execution aborted after dispatch has already journaled item events under
// its id, which must never be reused by a later batch.
func (g *Gateway) authorize(ctx context.Context, relayer common.Address, req *BatchRequest, attachedValue, totalRequired *big.Int) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return 0, fmt.Errorf("%w: %s", ErrPaused, g.pauseReason)
	}
	if !g.relayers[relayer] {
		return 0, ErrUnauthorizedRelayer
	}
	if len(req.Items) == 0 {
		return 0, ErrEmptyBatch
	}
	for i, item := range req.Items {
		hasValue := item.Value != nil && item.Value.Sign() > 0
		if item.To == (common.Address{}) && (hasValue || len(item.Data) > 0) {
			return 0, fmt.Errorf("%w: item %d", ErrZeroTarget, i)
		}
	}
	if req.Deadline < g.now().Unix() {
		return 0, ErrExpired
	}
	if req.Nonce != g.nonces[req.Signer] {
		return 0, ErrInvalidNonce
	}

	digest := BuildDigest(g.chainID, g.address, req.Signer, req.Items, req.Nonce, req.Deadline)
	recovered, err := RecoverSigner(digest, req.Signature)
	if err != nil {
		return 0, err
	}
	if recovered != req.Signer {
		return 0, ErrInvalidSignature
	}

	if attachedValue.Cmp(totalRequired) != 0 {
		return 0, fmt.Errorf("%w: attached %s, required %s", ErrIncorrectValue, attachedValue, totalRequired)
	}

	g.nonces[req.Signer] = req.Nonce + 1
	g.persistNonce(ctx, req.Signer, req.Nonce+1)
	g.batchID++
	g.persistBatchID(ctx, g.batchID)
	return g.batchID, nil
}

// SetRelayerAuthorization adds or removes a relayer. Owner-only.
func (g *Gateway) SetRelayerAuthorization(ctx context.Context, caller, relayer common.Address, authorized bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return ErrNotOwner
	}
	if authorized {
		g.relayers[relayer] = true
	} else {
		delete(g.relayers, relayer)
	}
	if g.store != nil {
		if err := g.store.SaveRelayer(ctx, relayer, authorized); err != nil {
			g.log.Error("persist relayer", zap.String("relayer", relayer.Hex()), zap.Error(err))
		}
	}
	g.emit(ctx, EventRelayerAuthorization, map[string]any{
		"relayer":    relayer,
		"authorized": authorized,
	})
	return nil
}

// Pause blocks ExecuteBatch entirely until Unpause. The reason is recorded
// and surfaced in every rejected call.
func (g *Gateway) Pause(ctx context.Context, caller common.Address, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return ErrNotOwner
	}
	g.paused = true
	g.pauseReason = reason
	g.emit(ctx, EventPaused, PausedEvent{Reason: reason, At: g.now().Unix()})
	g.log.Warn("gateway paused", zap.String("reason", reason))
	return nil
}

func (g *Gateway) Unpause(ctx context.Context, caller common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return ErrNotOwner
	}
	g.paused = false
	g.pauseReason = ""
	g.emit(ctx, EventUnpaused, PausedEvent{At: g.now().Unix()})
	return nil
}

// RescueAsset returns tokens accidentally sent to the gateway. Native value
// is never rescuable: ExecuteBatch reconciles it to zero within each call, so
// the gateway holds no native float between calls.
func (g *Gateway) RescueAsset(ctx context.Context, caller common.Address, asset token.Asset, to common.Address, amount *big.Int) error {
	if err := g.enter(); err != nil {
		return err
	}
	defer g.exit()
	if caller != g.owner {
		return ErrNotOwner
	}
	if err := asset.Transfer(ctx, to, amount); err != nil {
		return fmt.Errorf("rescue transfer: %w", err)
	}
	g.emit(ctx, EventAssetRescued, map[string]any{
		"asset":  asset.Address(),
		"to":     to,
		"amount": amount,
	})
	return nil
}

// Nonce returns the next expected nonce for signer.
func (g *Gateway) Nonce(signer common.Address) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[signer]
}

// IsRelayer reports whether addr may submit batches.
func (g *Gateway) IsRelayer(addr common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relayers[addr]
}

// PauseState returns the paused flag and the recorded reason.
func (g *Gateway) PauseState() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused, g.pauseReason
}

// Records returns a copy of the audit trail.
func (g *Gateway) Records() []ExecutionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ExecutionRecord, len(g.records))
	copy(out, g.records)
	return out
}

func (g *Gateway) emit(ctx context.Context, event string, payload any) {
	if g.sink != nil {
		g.sink.Emit(ctx, event, payload)
	}
}

func (g *Gateway) persistNonce(ctx context.Context, signer common.Address, nonce uint64) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveNonce(ctx, signer, nonce); err != nil {
		g.log.Error("persist nonce", zap.String("signer", signer.Hex()), zap.Error(err))
	}
}

func (g *Gateway) persistBatchID(ctx context.Context, id uint64) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveBatchID(ctx, id); err != nil {
		g.log.Error("persist batch id", zap.Uint64("batch", id), zap.Error(err))
	}
}
