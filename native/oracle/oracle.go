package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"harbor/observability"
)

// PriceQuote captures an exchange rate for a specific asset pair along with
// the timestamp reported by the upstream oracle and the oracle identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// TWAPResult captures the summary statistics for a time-weighted average price
// calculation across the aggregator's observation history.
type TWAPResult struct {
	Average *big.Rat
	Median  *big.Rat
	Start   time.Time
	End     time.Time
	Count   int
	Window  time.Duration
}

// FeedHealth captures metadata about individual pair observations.
type FeedHealth struct {
	Base         string
	Quote        string
	LastObserved time.Time
	Observations int
}

// Pair renders the canonical pair string in BASE/QUOTE form.
func (fh FeedHealth) Pair() string {
	base := strings.TrimSpace(fh.Base)
	quote := strings.TrimSpace(fh.Quote)
	switch {
	case base == "" && quote == "":
		return ""
	case quote == "":
		return base
	case base == "":
		return quote
	}
	return base + "/" + quote
}

// Health aggregates health information for all tracked pairs.
type Health struct {
	Feeds []FeedHealth
}

// PriceOracle resolves an exchange rate for the provided base/quote pair. All
// implementations are treated as adversarial input by consumers.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// ErrStaleQuote indicates that no quote within the configured freshness window
// could be obtained.
var ErrStaleQuote = errors.New("oracle: no fresh quote available")

const defaultSampleCap = 128

// Aggregator consults registered oracles in priority order until a fresh quote
// is obtained, recording every accepted quote into a rolling history used for
// TWAP calculations. Upstream consultation is throttled: when the limiter is
// exhausted the aggregator serves the last recorded observation instead of
// hammering (or being steered by) the external source.
type Aggregator struct {
	mu        sync.RWMutex
	priority  []string
	oracles   map[string]PriceOracle
	maxAge    time.Duration
	history   map[string][]PriceQuote
	twapWin   time.Duration
	sampleCap int
	limiter   *rate.Limiter
	now       func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority ordering
// and freshness window.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority:  append([]string{}, priority...),
		oracles:   make(map[string]PriceOracle),
		maxAge:    maxAge,
		history:   make(map[string][]PriceQuote),
		sampleCap: defaultSampleCap,
		now:       time.Now,
	}
}

// SetTWAPWindow configures the rolling observation window used when computing
// time-weighted average prices. Negative durations are coerced to zero.
func (a *Aggregator) SetTWAPWindow(window time.Duration) {
	if a == nil {
		return
	}
	if window < 0 {
		window = 0
	}
	a.mu.Lock()
	a.twapWin = window
	a.mu.Unlock()
}

// SetSampleCap bounds the stored sample count per pair. Non-positive values
// reset the cap to the default.
func (a *Aggregator) SetSampleCap(cap int) {
	if a == nil {
		return
	}
	if cap <= 0 {
		cap = defaultSampleCap
	}
	a.mu.Lock()
	a.sampleCap = cap
	a.mu.Unlock()
}

// SetUpstreamLimit throttles upstream oracle consultation to the supplied
// rate. A nil limiter disables throttling.
func (a *Aggregator) SetUpstreamLimit(limiter *rate.Limiter) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.limiter = limiter
	a.mu.Unlock()
}

// SetClock overrides the time source (primarily for deterministic testing).
func (a *Aggregator) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.mu.Lock()
	a.now = clock
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of configuration casing.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate fetches a rate from the configured oracles respecting the priority
// ordering. The freshness window is enforced and the returned quote is a
// defensive copy of the upstream value.
func (a *Aggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	baseSym := NormalizeSymbol(base)
	quoteSym := NormalizeSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return PriceQuote{}, fmt.Errorf("oracle: base and quote required")
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	limiter := a.limiter
	now := a.now
	a.mu.RUnlock()

	if limiter != nil && !limiter.Allow() {
		cached, err := a.lastObservation(baseSym, quoteSym, maxAge, now())
		if err == nil {
			observability.Oracle().ObserveQuote(cached.Source)
		} else if errors.Is(err, ErrStaleQuote) {
			observability.Oracle().ObserveStale(baseSym + "/" + quoteSym)
		}
		return cached, err
	}

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now().Add(-maxAge)
	}

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		oracle := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if oracle == nil {
			continue
		}
		fetched, err := oracle.GetRate(baseSym, quoteSym)
		if err != nil {
			lastErr = err
			continue
		}
		if fetched.Rate == nil || fetched.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && fetched.Timestamp.Before(cutoff) {
			lastErr = ErrStaleQuote
			continue
		}
		result := fetched.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		a.recordSample(baseSym, quoteSym, result)
		observability.Oracle().ObserveQuote(result.Source)
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrStaleQuote
	}
	if errors.Is(lastErr, ErrStaleQuote) {
		observability.Oracle().ObserveStale(baseSym + "/" + quoteSym)
	}
	return PriceQuote{}, lastErr
}

func (a *Aggregator) lastObservation(base, quote string, maxAge time.Duration, now time.Time) (PriceQuote, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bucket := a.history[pairKey(base, quote)]
	if len(bucket) == 0 {
		return PriceQuote{}, ErrStaleQuote
	}
	last := bucket[len(bucket)-1]
	if maxAge > 0 && last.Timestamp.Before(now.Add(-maxAge)) {
		return PriceQuote{}, ErrStaleQuote
	}
	return last.Clone(), nil
}

func pairKey(base, quote string) string {
	return NormalizeSymbol(base) + ":" + NormalizeSymbol(quote)
}

func parsePairKey(key string) (string, string) {
	parts := strings.SplitN(key, ":", 2)
	base := ""
	quote := ""
	if len(parts) > 0 {
		base = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		quote = strings.TrimSpace(parts[1])
	}
	return base, quote
}

func (a *Aggregator) recordSample(base, quote string, sample PriceQuote) {
	key := pairKey(base, quote)
	recorded := sample.Clone()
	if recorded.Timestamp.IsZero() {
		recorded.Timestamp = a.now().UTC()
	} else {
		recorded.Timestamp = recorded.Timestamp.UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := append([]PriceQuote{}, a.history[key]...)
	bucket = append(bucket, recorded)
	if a.twapWin > 0 {
		cutoff := recorded.Timestamp.Add(-a.twapWin)
		filtered := bucket[:0]
		for _, entry := range bucket {
			if entry.Timestamp.Before(cutoff) {
				continue
			}
			filtered = append(filtered, entry)
		}
		bucket = filtered
	}
	if a.sampleCap > 0 && len(bucket) > a.sampleCap {
		bucket = append([]PriceQuote{}, bucket[len(bucket)-a.sampleCap:]...)
	}
	a.history[key] = bucket
}

// TWAP computes the time-weighted average price across the configured rolling
// window. When no observations are available ErrStaleQuote is returned to
// mirror the freshness semantics of GetRate.
func (a *Aggregator) TWAP(base, quote string, window time.Duration) (TWAPResult, error) {
	if a == nil {
		return TWAPResult{}, fmt.Errorf("oracle aggregator not configured")
	}
	baseSym := NormalizeSymbol(base)
	quoteSym := NormalizeSymbol(quote)
	if baseSym == "" || quoteSym == "" {
		return TWAPResult{}, fmt.Errorf("oracle: base and quote required")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	bucket := append([]PriceQuote{}, a.history[pairKey(baseSym, quoteSym)]...)
	if len(bucket) == 0 {
		return TWAPResult{}, ErrStaleQuote
	}
	if window <= 0 {
		window = a.twapWin
	}
	var cutoff, start, end time.Time
	if window > 0 {
		end = bucket[len(bucket)-1].Timestamp
		cutoff = end.Add(-window)
	}
	sum := big.NewRat(0, 1)
	used := 0
	values := make([]*big.Rat, 0, len(bucket))
	for _, entry := range bucket {
		if window > 0 && entry.Timestamp.Before(cutoff) {
			continue
		}
		if entry.Rate == nil {
			continue
		}
		if start.IsZero() || entry.Timestamp.Before(start) {
			start = entry.Timestamp
		}
		if entry.Timestamp.After(end) {
			end = entry.Timestamp
		}
		sum.Add(sum, entry.Rate)
		values = append(values, new(big.Rat).Set(entry.Rate))
		used++
	}
	if used == 0 {
		return TWAPResult{}, ErrStaleQuote
	}
	avg := new(big.Rat).Quo(sum, big.NewRat(int64(used), 1))
	return TWAPResult{
		Average: avg,
		Median:  computeMedian(values),
		Start:   start,
		End:     end,
		Count:   used,
		Window:  window,
	}, nil
}

func computeMedian(values []*big.Rat) *big.Rat {
	if len(values) == 0 {
		return nil
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].Cmp(values[j]) < 0
	})
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return new(big.Rat).Set(values[mid])
	}
	sum := new(big.Rat).Add(values[mid-1], values[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

// Health reports the last observation timestamp and sample counts for each
// tracked pair. The information is safe for concurrent access.
func (a *Aggregator) Health() Health {
	if a == nil {
		return Health{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	feeds := make([]FeedHealth, 0, len(a.history))
	for key, samples := range a.history {
		if len(samples) == 0 {
			continue
		}
		last := samples[len(samples)-1]
		base, quote := parsePairKey(key)
		feeds = append(feeds, FeedHealth{
			Base:         base,
			Quote:        quote,
			LastObserved: last.Timestamp,
			Observations: len(samples),
		})
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].Pair() < feeds[j].Pair()
	})
	return Health{Feeds: feeds}
}

// NormalizeSymbol renders the canonical upper-case asset symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
