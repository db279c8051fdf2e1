package vault

import "errors"

var (
	ErrUnsupportedAsset         = errors.New("asset not whitelisted")
	ErrFeedRequired             = errors.New("price feed required for non-fixed-unit asset")
	ErrZeroAmount               = errors.New("amount must be positive")
	ErrZeroAddress              = errors.New("zero address")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrInsufficientAssetBalance = errors.New("insufficient held asset balance")
	ErrUnauthorizedConsumer     = errors.New("consumer not authorized")
	ErrNoSettlementAsset        = errors.New("no settlement asset designated")
	ErrEmptyPool                = errors.New("consumed pool is empty")

	ErrPaused     = errors.New("vault paused")
	ErrNotPaused  = errors.New("vault not paused")
	ErrReentrancy = errors.New("reentrant call rejected")
	ErrNotOwner   = errors.New("caller is not the owner")
)
