package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestAggregator(now time.Time) (*Aggregator, *ManualOracle, *time.Time) {
	current := now
	agg := NewAggregator([]string{"manual"}, time.Hour)
	agg.SetTWAPWindow(time.Hour)
	agg.SetClock(func() time.Time { return current })
	manual := NewManualOracle()
	agg.Register("manual", manual)
	return agg, manual, &current
}

func TestFeeComputedFromTimeWeightedAverage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg, manual, clock := newTestAggregator(now)

	for i := 0; i < 3; i++ {
		manual.Set("HBR", "USD", big.NewRat(2, 1), *clock)
		if _, err := agg.GetRate("HBR", "USD"); err != nil {
			t.Fatalf("get rate: %v", err)
		}
		*clock = clock.Add(time.Minute)
	}

	adapter := NewFeeAdapter(agg, "USD", 9, 500, time.Hour)
	fee, err := adapter.CalculateFee("HBR", big.NewInt(10_000))
	if err != nil {
		t.Fatalf("calculate fee: %v", err)
	}
	// 10_000 * 2.0 * 9bps = 18.
	if fee.Cmp(big.NewInt(18)) != 0 {
		t.Fatalf("fee = %s, want 18", fee)
	}
}

func TestSlammedSpotTripsCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg, manual, clock := newTestAggregator(now)

	// Honest history at 1.0.
	for i := 0; i < 4; i++ {
		manual.Set("HBR", "USD", big.NewRat(1, 1), *clock)
		if _, err := agg.GetRate("HBR", "USD"); err != nil {
			t.Fatalf("get rate: %v", err)
		}
		*clock = clock.Add(time.Minute)
	}

	// An attacker moves the live quote far below the average to cut the fee.
	manual.Set("HBR", "USD", big.NewRat(1, 5), *clock)

	adapter := NewFeeAdapter(agg, "USD", 9, 500, time.Hour)
	_, err := adapter.CalculateFee("HBR", big.NewInt(10_000))
	if !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("expected ErrPriceOutOfBounds, got %v", err)
	}
}

func TestStaleFeedRefusesToPrice(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg, manual, _ := newTestAggregator(now)

	// The only observation is far older than the freshness window.
	manual.Set("HBR", "USD", big.NewRat(1, 1), now.Add(-2*time.Hour))

	if _, err := agg.GetRate("HBR", "USD"); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote from aggregator, got %v", err)
	}

	adapter := NewFeeAdapter(agg, "USD", 9, 500, time.Hour)
	if _, err := adapter.CalculateFee("HBR", big.NewInt(100)); !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected ErrStaleQuote from adapter, got %v", err)
	}
}

func TestThrottledAggregatorServesLastObservation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg, manual, clock := newTestAggregator(now)
	agg.SetUpstreamLimit(rate.NewLimiter(rate.Every(time.Hour), 1))

	manual.Set("HBR", "USD", big.NewRat(3, 1), *clock)
	first, err := agg.GetRate("HBR", "USD")
	if err != nil {
		t.Fatalf("first get rate: %v", err)
	}

	// Upstream price changes, but the limiter is exhausted: the cached
	// observation is served instead of the fresh upstream value.
	manual.Set("HBR", "USD", big.NewRat(9, 1), *clock)
	second, err := agg.GetRate("HBR", "USD")
	if err != nil {
		t.Fatalf("throttled get rate: %v", err)
	}
	if second.Rate.Cmp(first.Rate) != 0 {
		t.Fatalf("throttled quote = %s, want cached %s", second.Rate, first.Rate)
	}
}

func TestHealthTracksObservations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg, manual, clock := newTestAggregator(now)

	for i := 0; i < 2; i++ {
		manual.Set("HBR", "USD", big.NewRat(1, 1), *clock)
		if _, err := agg.GetRate("HBR", "USD"); err != nil {
			t.Fatalf("get rate: %v", err)
		}
		*clock = clock.Add(time.Minute)
	}

	health := agg.Health()
	if len(health.Feeds) != 1 {
		t.Fatalf("feeds = %d, want 1", len(health.Feeds))
	}
	feed := health.Feeds[0]
	if feed.Pair() != "HBR/USD" {
		t.Fatalf("pair = %q, want HBR/USD", feed.Pair())
	}
	if feed.Observations != 2 {
		t.Fatalf("observations = %d, want 2", feed.Observations)
	}
}
