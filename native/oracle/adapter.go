package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"harbor/observability"
)

// ErrPriceOutOfBounds indicates that the live quote deviates from the
// time-weighted average beyond the configured circuit-breaker bound.
var ErrPriceOutOfBounds = errors.New("oracle: price deviation out of bounds")

var basisPoints = big.NewRat(10_000, 1)

// FeeAdapter prices flash-loan fees off the oracle aggregator. Spot quotes are
// treated as adversarial: fees are computed from the time-weighted average so
// a price that is moved and restored within one atomic sequence cannot lower
// the fee, and a deviation circuit breaker refuses to price at all while the
// live quote strays too far from the average.
type FeeAdapter struct {
	agg             *Aggregator
	quoteSymbol     string
	feeBps          uint64
	maxDeviationBps uint64
	window          time.Duration
}

// NewFeeAdapter wires the adapter to the aggregator. quoteSymbol denominates
// every asset price (e.g. WETH); feeBps is the loan fee in basis points.
func NewFeeAdapter(agg *Aggregator, quoteSymbol string, feeBps, maxDeviationBps uint64, window time.Duration) *FeeAdapter {
	return &FeeAdapter{
		agg:             agg,
		quoteSymbol:     NormalizeSymbol(quoteSymbol),
		feeBps:          feeBps,
		maxDeviationBps: maxDeviationBps,
		window:          window,
	}
}

// PriceOf returns the current spot quote for the asset. Spot values are for
// telemetry and deviation checks only; they never price a fee.
func (f *FeeAdapter) PriceOf(asset string) (PriceQuote, error) {
	if f == nil || f.agg == nil {
		return PriceQuote{}, fmt.Errorf("fee adapter not configured")
	}
	return f.agg.GetRate(asset, f.quoteSymbol)
}

// CalculateFee computes fee = amount * twap(asset) * feeBps / 10_000, rounded
// down. It fails with ErrStaleQuote when no observations cover the window and
// with ErrPriceOutOfBounds when the live quote deviates from the average by
// more than the configured basis points.
func (f *FeeAdapter) CalculateFee(asset string, amount *big.Int) (*big.Int, error) {
	if f == nil || f.agg == nil {
		return nil, fmt.Errorf("fee adapter not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("fee adapter: amount must be positive")
	}

	spot, spotErr := f.agg.GetRate(asset, f.quoteSymbol)

	twap, err := f.agg.TWAP(asset, f.quoteSymbol, f.window)
	if err != nil {
		return nil, err
	}
	if twap.Average == nil || twap.Average.Sign() <= 0 {
		return nil, ErrStaleQuote
	}

	if spotErr == nil && f.maxDeviationBps > 0 {
		if deviationBps(spot.Rate, twap.Average).Cmp(new(big.Rat).SetUint64(f.maxDeviationBps)) > 0 {
			observability.Oracle().ObserveDeviation(NormalizeSymbol(asset) + "/" + f.quoteSymbol)
			return nil, ErrPriceOutOfBounds
		}
	}

	value := new(big.Rat).Mul(new(big.Rat).SetInt(amount), twap.Average)
	value.Mul(value, new(big.Rat).SetUint64(f.feeBps))
	value.Quo(value, basisPoints)
	fee := new(big.Int).Quo(value.Num(), value.Denom())
	if fee.Sign() < 0 {
		fee = big.NewInt(0)
	}
	return fee, nil
}

func deviationBps(spot, reference *big.Rat) *big.Rat {
	if spot == nil || reference == nil || reference.Sign() == 0 {
		return new(big.Rat)
	}
	diff := new(big.Rat).Sub(spot, reference)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	diff.Quo(diff, reference)
	return diff.Mul(diff, basisPoints)
}
