// Package vault maintains per-account gas credit balances denominated in a
// single 18-decimal internal unit. Whitelisted assets fund the ledger at a
// price-derived exchange rate; authorized consumers draw balances down to pay
// for relaying.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/oracle"
	"github.com/DINetworks/metatx-relay/internal/token"
)

// EventSink receives the vault's emitted events.
type EventSink interface {
	Emit(ctx context.Context, event string, payload any)
}

// Store persists vault state after each mutation. Best-effort, like the
// gateway store: in-memory state is authoritative for the process lifetime.
type Store interface {
	SaveCredit(ctx context.Context, account common.Address, balance *big.Int) error
	SaveHeld(ctx context.Context, asset common.Address, balance *big.Int) error
	SaveConsumedPool(ctx context.Context, balance *big.Int) error
	SaveConsumer(ctx context.Context, consumer common.Address, authorized bool) error
	SaveAsset(ctx context.Context, asset common.Address, fixedUnit bool) error
}

// Event names used by the vault's journal entries.
const (
	EventAssetWhitelisted      = "asset_whitelisted"
	EventDeposit               = "asset_deposited"
	EventWithdrawal            = "asset_withdrawn"
	EventCreditTransferred     = "credit_transferred"
	EventCreditConsumed        = "credit_consumed"
	EventConsumedWithdrawn     = "consumed_pool_withdrawn"
	EventConsumerAuthorization = "consumer_authorization"
	EventPaused                = "paused"
	EventUnpaused              = "unpaused"
	EventEmergencyWithdrawal   = "emergency_withdrawal"
)

// DepositEvent carries both the asset amount and the minted credits so
// off-chain reconciliation can re-derive the applied rate.
type DepositEvent struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Credits *big.Int       `json:"credits"`
	At      int64          `json:"at"`
}

// WithdrawalEvent mirrors DepositEvent for the outbound direction.
type WithdrawalEvent struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Credits *big.Int       `json:"credits"`
	At      int64          `json:"at"`
}

type assetEntry struct {
	token     token.Asset
	feed      oracle.PriceFeed
	fixedUnit bool
}

// Vault is the multi-asset credit ledger.
type Vault struct {
	owner common.Address
	conv  *oracle.Converter

	mu              sync.Mutex
	busy            bool
	assets          map[common.Address]*assetEntry
	held            map[common.Address]*big.Int
	credits         map[common.Address]*big.Int
	consumedPool    *big.Int
	settlementAsset common.Address
	consumers       map[common.Address]bool
	paused          bool
	pauseReason     string

	store Store
	sink  EventSink
	now   func() time.Time
	log   *zap.Logger
}

// New builds a Vault. store and sink may be nil (tests).
func New(owner common.Address, conv *oracle.Converter, store Store, sink EventSink, log *zap.Logger) *Vault {
	return &Vault{
		owner:        owner,
		conv:         conv,
		assets:       make(map[common.Address]*assetEntry),
		held:         make(map[common.Address]*big.Int),
		credits:      make(map[common.Address]*big.Int),
		consumedPool: new(big.Int),
		consumers:    make(map[common.Address]bool),
		store:        store,
		sink:         sink,
		now:          time.Now,
		log:          log,
	}
}

// Restore seeds balances loaded from the store. Whitelist the configured
// assets first: held balances are kept per address and survive even if an
// asset is re-whitelisted with a new feed.
func (v *Vault) Restore(st *State) {
	if st == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for account, bal := range st.Credits {
		v.credits[account] = new(big.Int).Set(bal)
	}
	for asset, bal := range st.Held {
		v.held[asset] = new(big.Int).Set(bal)
	}
	if st.ConsumedPool != nil {
		v.consumedPool.Set(st.ConsumedPool)
	}
	for consumer := range st.Consumers {
		v.consumers[consumer] = true
	}
}

// WhitelistAsset adds an asset or updates its feed binding. Owner-only.
// Non-fixed-unit assets must carry a feed. Re-whitelisting is idempotent and
// never disturbs held balances or minted credits.
func (v *Vault) WhitelistAsset(ctx context.Context, caller common.Address, asset token.Asset, feed oracle.PriceFeed, fixedUnit bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotOwner
	}
	if !fixedUnit && feed == nil {
		return ErrFeedRequired
	}
	addr := asset.Address()
	v.assets[addr] = &assetEntry{token: asset, feed: feed, fixedUnit: fixedUnit}
	if v.held[addr] == nil {
		v.held[addr] = new(big.Int)
	}
	if v.store != nil {
		if err := v.store.SaveAsset(ctx, addr, fixedUnit); err != nil {
			v.log.Error("persist asset", zap.String("asset", addr.Hex()), zap.Error(err))
		}
	}
	v.emit(ctx, EventAssetWhitelisted, map[string]any{
		"asset":      addr,
		"fixed_unit": fixedUnit,
	})
	return nil
}

// SetSettlementAsset designates the asset that backs consumed-pool
// redemption. Must already be whitelisted.
func (v *Vault) SetSettlementAsset(ctx context.Context, caller, asset common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotOwner
	}
	if v.assets[asset] == nil {
		return ErrUnsupportedAsset
	}
	v.settlementAsset = asset
	return nil
}

// SetConsumerAuthorization adds or removes an authorized credit consumer.
func (v *Vault) SetConsumerAuthorization(ctx context.Context, caller, consumer common.Address, authorized bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotOwner
	}
	if authorized {
		v.consumers[consumer] = true
	} else {
		delete(v.consumers, consumer)
	}
	if v.store != nil {
		if err := v.store.SaveConsumer(ctx, consumer, authorized); err != nil {
			v.log.Error("persist consumer", zap.String("consumer", consumer.Hex()), zap.Error(err))
		}
	}
	v.emit(ctx, EventConsumerAuthorization, map[string]any{
		"consumer":   consumer,
		"authorized": authorized,
	})
	return nil
}

// Deposit pulls amount of asset from caller and mints credits at the current
// conversion rate. A stale or non-positive price fails the whole deposit;
// credits are never minted at a default rate.
func (v *Vault) Deposit(ctx context.Context, caller, asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := v.enter(); err != nil {
		return nil, err
	}
	defer v.exit()

	v.mu.Lock()
	if v.paused {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPaused, v.pauseReason)
	}
	entry := v.assets[asset]
	v.mu.Unlock()

	if entry == nil {
		return nil, ErrUnsupportedAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	minted, err := v.toCredits(ctx, entry, amount)
	if err != nil {
		return nil, err
	}

	if err := entry.token.TransferFrom(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}

	v.mu.Lock()
	v.held[asset].Add(v.held[asset], amount)
	v.addCredits(caller, minted)
	heldNow := new(big.Int).Set(v.held[asset])
	balNow := new(big.Int).Set(v.credits[caller])
	v.mu.Unlock()

	v.persistCredit(ctx, caller, balNow)
	v.persistHeld(ctx, asset, heldNow)
	v.emit(ctx, EventDeposit, DepositEvent{
		Account: caller,
		Asset:   asset,
		Amount:  amount,
		Credits: minted,
		At:      v.now().Unix(),
	})
	return minted, nil
}

// Withdraw burns credits at the current conversion rate and returns amount of
// asset to caller. The vault must actually hold that much of the specific
// asset; balances are tracked per asset, not pooled.
func (v *Vault) Withdraw(ctx context.Context, caller, asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := v.enter(); err != nil {
		return nil, err
	}
	defer v.exit()

	v.mu.Lock()
	if v.paused {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPaused, v.pauseReason)
	}
	entry := v.assets[asset]
	v.mu.Unlock()

	if entry == nil {
		return nil, ErrUnsupportedAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	burned, err := v.toCredits(ctx, entry, amount)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	if v.held[asset].Cmp(amount) < 0 {
		v.mu.Unlock()
		return nil, ErrInsufficientAssetBalance
	}
	if v.balance(caller).Cmp(burned) < 0 {
		v.mu.Unlock()
		return nil, ErrInsufficientCredits
	}
	v.mu.Unlock()

	if err := entry.token.Transfer(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("withdraw transfer: %w", err)
	}

	v.mu.Lock()
	v.held[asset].Sub(v.held[asset], amount)
	v.credits[caller].Sub(v.credits[caller], burned)
	heldNow := new(big.Int).Set(v.held[asset])
	balNow := new(big.Int).Set(v.credits[caller])
	v.mu.Unlock()

	v.persistCredit(ctx, caller, balNow)
	v.persistHeld(ctx, asset, heldNow)
	v.emit(ctx, EventWithdrawal, WithdrawalEvent{
		Account: caller,
		Asset:   asset,
		Amount:  amount,
		Credits: burned,
		At:      v.now().Unix(),
	})
	return burned, nil
}

// TransferCredit moves credits between accounts. Pure ledger move: no asset
// leaves the vault.
func (v *Vault) TransferCredit(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.paused {
		return fmt.Errorf("%w: %s", ErrPaused, v.pauseReason)
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if v.balance(caller).Cmp(amount) < 0 {
		return ErrInsufficientCredits
	}
	v.credits[caller].Sub(v.credits[caller], amount)
	v.addCredits(to, amount)
	from := new(big.Int).Set(v.credits[caller])
	dest := new(big.Int).Set(v.credits[to])
	v.persistCredit(ctx, caller, from)
	v.persistCredit(ctx, to, dest)
	v.emit(ctx, EventCreditTransferred, map[string]any{
		"from":   caller,
		"to":     to,
		"amount": amount,
	})
	return nil
}

// ConsumeCredit draws amount from account into the consumed pool. Callable
// only by an authorized consumer (the relayer pipeline). The account balance
// can never go negative; consuming the exact balance leaves zero.
func (v *Vault) ConsumeCredit(ctx context.Context, consumer, account common.Address, amount *big.Int) error {
	if err := v.enter(); err != nil {
		return err
	}
	defer v.exit()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.paused {
		return fmt.Errorf("%w: %s", ErrPaused, v.pauseReason)
	}
	if !v.consumers[consumer] {
		return ErrUnauthorizedConsumer
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if v.balance(account).Cmp(amount) < 0 {
		return ErrInsufficientCredits
	}
	v.credits[account].Sub(v.credits[account], amount)
	v.consumedPool.Add(v.consumedPool, amount)
	balNow := new(big.Int).Set(v.credits[account])
	poolNow := new(big.Int).Set(v.consumedPool)
	v.persistCredit(ctx, account, balNow)
	v.persistPool(ctx, poolNow)
	v.emit(ctx, EventCreditConsumed, map[string]any{
		"consumer": consumer,
		"account":  account,
		"amount":   amount,
		"pool":     poolNow,
	})
	return nil
}

// WithdrawConsumedCredits redeems the consumed pool against the designated
// settlement asset and pays it to the owner. Redemption is capped by the
// vault's held balance of that asset; any remainder stays pooled for a later
// withdrawal.
func (v *Vault) WithdrawConsumedCredits(ctx context.Context, caller common.Address) (*big.Int, error) {
	if err := v.enter(); err != nil {
		return nil, err
	}
	defer v.exit()

	v.mu.Lock()
	if caller != v.owner {
		v.mu.Unlock()
		return nil, ErrNotOwner
	}
	if v.settlementAsset == (common.Address{}) {
		v.mu.Unlock()
		return nil, ErrNoSettlementAsset
	}
	entry := v.assets[v.settlementAsset]
	asset := v.settlementAsset
	pool := new(big.Int).Set(v.consumedPool)
	heldBal := new(big.Int).Set(v.held[asset])
	v.mu.Unlock()

	if entry == nil {
		return nil, ErrUnsupportedAsset
	}
	if pool.Sign() == 0 {
		return nil, ErrEmptyPool
	}

	payout, err := v.fromCredits(ctx, entry, pool)
	if err != nil {
		return nil, err
	}
	if payout.Cmp(heldBal) > 0 {
		payout = heldBal
	}
	if payout.Sign() == 0 {
		return nil, ErrInsufficientAssetBalance
	}
	// Re-derive the credits actually redeemed from the capped payout so the
	// pool stays consistent with what left the vault.
	redeemed, err := v.toCredits(ctx, entry, payout)
	if err != nil {
		return nil, err
	}
	if redeemed.Cmp(pool) > 0 {
		redeemed = pool
	}

	if err := entry.token.Transfer(ctx, v.owner, payout); err != nil {
		return nil, fmt.Errorf("pool payout: %w", err)
	}

	v.mu.Lock()
	v.held[asset].Sub(v.held[asset], payout)
	v.consumedPool.Sub(v.consumedPool, redeemed)
	heldNow := new(big.Int).Set(v.held[asset])
	poolNow := new(big.Int).Set(v.consumedPool)
	v.mu.Unlock()

	v.persistHeld(ctx, asset, heldNow)
	v.persistPool(ctx, poolNow)
	v.emit(ctx, EventConsumedWithdrawn, map[string]any{
		"asset":    asset,
		"payout":   payout,
		"redeemed": redeemed,
		"pool":     poolNow,
	})
	return payout, nil
}

// Pause blocks all ledger mutations until Unpause.
func (v *Vault) Pause(ctx context.Context, caller common.Address, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotOwner
	}
	v.paused = true
	v.pauseReason = reason
	v.emit(ctx, EventPaused, map[string]any{"reason": reason, "at": v.now().Unix()})
	v.log.Warn("vault paused", zap.String("reason", reason))
	return nil
}

func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if caller != v.owner {
		return ErrNotOwner
	}
	v.paused = false
	v.pauseReason = ""
	v.emit(ctx, EventUnpaused, map[string]any{"at": v.now().Unix()})
	return nil
}

// EmergencyWithdraw moves the vault's entire held balance of one asset to a
// recovery address. Owner-only and only while paused; ordinary redemption
// paths stay closed for the duration.
func (v *Vault) EmergencyWithdraw(ctx context.Context, caller, asset, to common.Address) (*big.Int, error) {
	if err := v.enter(); err != nil {
		return nil, err
	}
	defer v.exit()

	v.mu.Lock()
	if caller != v.owner {
		v.mu.Unlock()
		return nil, ErrNotOwner
	}
	if !v.paused {
		v.mu.Unlock()
		return nil, ErrNotPaused
	}
	entry := v.assets[asset]
	var bal *big.Int
	if v.held[asset] != nil {
		bal = new(big.Int).Set(v.held[asset])
	}
	v.mu.Unlock()

	if entry == nil {
		return nil, ErrUnsupportedAsset
	}
	if bal == nil || bal.Sign() == 0 {
		return nil, ErrInsufficientAssetBalance
	}
	if err := entry.token.Transfer(ctx, to, bal); err != nil {
		return nil, fmt.Errorf("emergency transfer: %w", err)
	}

	v.mu.Lock()
	v.held[asset] = new(big.Int)
	v.mu.Unlock()
	v.persistHeld(ctx, asset, new(big.Int))
	v.emit(ctx, EventEmergencyWithdrawal, map[string]any{
		"asset":  asset,
		"to":     to,
		"amount": bal,
	})
	return bal, nil
}

// Credits returns the account's credit balance.
func (v *Vault) Credits(account common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balance(account))
}

// HeldBalance returns the vault's tracked holding of one asset.
func (v *Vault) HeldBalance(asset common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.held[asset] == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.held[asset])
}

// ConsumedPool returns the owner-claimable pool in credit units.
func (v *Vault) ConsumedPool() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.consumedPool)
}

// IsWhitelisted reports whether asset is accepted for deposits.
func (v *Vault) IsWhitelisted(asset common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.assets[asset] != nil
}

// IsConsumer reports whether addr may consume credits.
func (v *Vault) IsConsumer(addr common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.consumers[addr]
}

// PauseState returns the paused flag and the recorded reason.
func (v *Vault) PauseState() (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused, v.pauseReason
}

func (v *Vault) enter() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.busy {
		return ErrReentrancy
	}
	v.busy = true
	return nil
}

func (v *Vault) exit() {
	v.mu.Lock()
	v.busy = false
	v.mu.Unlock()
}

// toCredits converts an asset amount to credits at the entry's current rate.
func (v *Vault) toCredits(ctx context.Context, entry *assetEntry, amount *big.Int) (*big.Int, error) {
	if entry.fixedUnit {
		return oracle.FixedToCredits(amount, entry.token.Decimals()), nil
	}
	if entry.feed == nil {
		return nil, oracle.ErrNoFeed
	}
	reading, err := entry.feed.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return v.conv.ToCredits(reading, amount, entry.token.Decimals())
}

// fromCredits converts credits back to an asset amount, rounding down.
func (v *Vault) fromCredits(ctx context.Context, entry *assetEntry, credits *big.Int) (*big.Int, error) {
	if entry.fixedUnit {
		return oracle.FixedFromCredits(credits, entry.token.Decimals()), nil
	}
	if entry.feed == nil {
		return nil, oracle.ErrNoFeed
	}
	reading, err := entry.feed.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return v.conv.FromCredits(reading, credits, entry.token.Decimals())
}

// balance returns the live balance pointer, allocating a zero on first use.
// Callers must hold mu.
func (v *Vault) balance(account common.Address) *big.Int {
	if v.credits[account] == nil {
		v.credits[account] = new(big.Int)
	}
	return v.credits[account]
}

func (v *Vault) addCredits(account common.Address, amount *big.Int) {
	v.balance(account).Add(v.credits[account], amount)
}

func (v *Vault) emit(ctx context.Context, event string, payload any) {
	if v.sink != nil {
		v.sink.Emit(ctx, event, payload)
	}
}

func (v *Vault) persistCredit(ctx context.Context, account common.Address, bal *big.Int) {
	if v.store == nil {
		return
	}
	if err := v.store.SaveCredit(ctx, account, bal); err != nil {
		v.log.Error("persist credit", zap.String("account", account.Hex()), zap.Error(err))
	}
}

func (v *Vault) persistHeld(ctx context.Context, asset common.Address, bal *big.Int) {
	if v.store == nil {
		return
	}
	if err := v.store.SaveHeld(ctx, asset, bal); err != nil {
		v.log.Error("persist held balance", zap.String("asset", asset.Hex()), zap.Error(err))
	}
}

func (v *Vault) persistPool(ctx context.Context, bal *big.Int) {
	if v.store == nil {
		return
	}
	if err := v.store.SaveConsumedPool(ctx, bal); err != nil {
		v.log.Error("persist consumed pool", zap.Error(err))
	}
}
