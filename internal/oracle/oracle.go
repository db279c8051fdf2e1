// Package oracle reads external price feeds and converts asset amounts into
// the ledger's 18-decimal credit unit. A feed reading is always returned as a
// value plus error, never a bare price, so staleness handling is forced at
// every call site.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// CreditDecimals is the ledger's fixed internal precision.
const CreditDecimals = 18

// DefaultMaxStaleness is the default maximum feed age.
const DefaultMaxStaleness = time.Hour

var (
	ErrInvalidPrice = errors.New("oracle: non-positive price")
	ErrStalePrice   = errors.New("oracle: stale price")
	ErrNoFeed       = errors.New("oracle: no price feed configured")
)

// Reading is one price observation. Price is an integer scaled by
// 10^Decimals.
type Reading struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed reads the current price of one asset.
type PriceFeed interface {
	Read(ctx context.Context) (Reading, error)
}

// Converter validates readings and scales amounts between asset precision and
// credit precision.
type Converter struct {
	MaxStaleness time.Duration

	now func() time.Time
}

func NewConverter(maxStaleness time.Duration) *Converter {
	if maxStaleness <= 0 {
		maxStaleness = DefaultMaxStaleness
	}
	return &Converter{MaxStaleness: maxStaleness, now: time.Now}
}

// Validate rejects non-positive and stale readings.
func (c *Converter) Validate(r Reading) error {
	if r.Price == nil || r.Price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if c.now().Sub(r.UpdatedAt) > c.MaxStaleness {
		return ErrStalePrice
	}
	return nil
}

// ToCredits converts an asset amount to credit units at the given reading:
// credits = amount · 10^(18-assetDecimals) · price / 10^feedDecimals.
func (c *Converter) ToCredits(r Reading, amount *big.Int, assetDecimals uint8) (*big.Int, error) {
	if err := c.Validate(r); err != nil {
		return nil, err
	}
	credits := scaleUp(amount, assetDecimals)
	credits.Mul(credits, r.Price)
	credits.Quo(credits, pow10(r.Decimals))
	return credits, nil
}

// FromCredits is the inverse of ToCredits, rounding down.
func (c *Converter) FromCredits(r Reading, credits *big.Int, assetDecimals uint8) (*big.Int, error) {
	if err := c.Validate(r); err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(credits, pow10(r.Decimals))
	amount.Quo(amount, r.Price)
	return scaleDown(amount, assetDecimals), nil
}

// FixedToCredits converts a fixed-unit asset amount 1:1 into credits,
// normalizing only for decimal scale. No feed involved.
func FixedToCredits(amount *big.Int, assetDecimals uint8) *big.Int {
	return scaleUp(amount, assetDecimals)
}

// FixedFromCredits is the inverse of FixedToCredits, rounding down.
func FixedFromCredits(credits *big.Int, assetDecimals uint8) *big.Int {
	return scaleDown(new(big.Int).Set(credits), assetDecimals)
}

// scaleUp rescales an asset amount to credit precision.
func scaleUp(amount *big.Int, assetDecimals uint8) *big.Int {
	out := new(big.Int).Set(amount)
	if assetDecimals < CreditDecimals {
		out.Mul(out, pow10(CreditDecimals-assetDecimals))
	} else if assetDecimals > CreditDecimals {
		out.Quo(out, pow10(assetDecimals-CreditDecimals))
	}
	return out
}

// scaleDown rescales a credit-precision value back to asset precision.
func scaleDown(v *big.Int, assetDecimals uint8) *big.Int {
	if assetDecimals < CreditDecimals {
		v.Quo(v, pow10(CreditDecimals-assetDecimals))
	} else if assetDecimals > CreditDecimals {
		v.Mul(v, pow10(assetDecimals-CreditDecimals))
	}
	return v
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
