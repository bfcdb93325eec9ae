package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/observ"
)

// ErrInsufficientData is returned when fewer than the minimum quorum of
// sources responded. Callers must treat it as "no price", never as zero.
var ErrInsufficientData = errors.New("consensus: insufficient data")

// Quote is the reconciled view of one symbol at one instant.
type Quote struct {
	Symbol       string    `json:"symbol"`
	MedianBid    float64   `json:"median_bid"`
	MedianAsk    float64   `json:"median_ask"`
	Confidence   float64   `json:"confidence"` // 0..100
	OutlierCount int       `json:"outlier_count"`
	SourceCount  int       `json:"source_count"`
	Outliers     []string  `json:"outliers,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Mid returns the consensus midpoint price.
func (q Quote) Mid() float64 { return (q.MedianBid + q.MedianAsk) / 2 }

type cacheEntry struct {
	quote  Quote
	bucket int64
}

// Engine reconciles quotes across independent sources. Results are cached
// per symbol on a time bucket equal to the TTL, so repeated calls inside a
// bucket do not re-query the brokers.
type Engine struct {
	cfg     config.Consensus
	sources []Source
	online  func() bool // health gate for the price_consensus component

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

func New(cfg config.Consensus, sources []Source, online func() bool) *Engine {
	if online == nil {
		online = func() bool { return true }
	}
	return &Engine{
		cfg:     cfg,
		sources: sources,
		online:  online,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// GetConsensus queries every configured source concurrently and reconciles
// the answers. Below quorum it returns ErrInsufficientData; it never
// interpolates and never serves a stale cache entry as fresh.
func (e *Engine) GetConsensus(ctx context.Context, symbol string) (Quote, error) {
	if !e.online() {
		return Quote{}, fmt.Errorf("consensus: component offline: %w", ErrInsufficientData)
	}

	now := e.now()
	bucket := now.Unix() / int64(e.cfg.CacheTTLSeconds)

	e.mu.Lock()
	if ent, ok := e.cache[symbol]; ok && ent.bucket == bucket {
		e.mu.Unlock()
		observ.IncCounter("consensus_cache_hits_total", map[string]string{"symbol": symbol})
		return ent.quote, nil
	}
	e.mu.Unlock()

	quotes := e.fanOut(ctx, symbol)
	if len(quotes) < e.cfg.Quorum {
		observ.IncCounter("consensus_insufficient_total", map[string]string{"symbol": symbol})
		return Quote{}, fmt.Errorf("consensus: %d of %d sources responded, quorum %d: %w",
			len(quotes), len(e.sources), e.cfg.Quorum, ErrInsufficientData)
	}

	q := e.reconcile(symbol, quotes, now)

	e.mu.Lock()
	e.cache[symbol] = cacheEntry{quote: q, bucket: bucket}
	e.mu.Unlock()

	observ.SetGauge("consensus_confidence", q.Confidence, map[string]string{"symbol": symbol})
	observ.SetGauge("consensus_outliers", float64(q.OutlierCount), map[string]string{"symbol": symbol})
	return q, nil
}

func (e *Engine) fanOut(ctx context.Context, symbol string) []SourceQuote {
	type result struct {
		quote SourceQuote
		err   error
	}
	results := make(chan result, len(e.sources))
	for _, src := range e.sources {
		go func(s Source) {
			fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout())
			defer cancel()
			q, err := s.Fetch(fetchCtx, symbol)
			results <- result{quote: q, err: err}
		}(src)
	}

	quotes := make([]SourceQuote, 0, len(e.sources))
	for range e.sources {
		r := <-results
		if r.err != nil {
			// A failed or slow source contributes nothing; it must not
			// block the rest of the quorum.
			observ.Log("consensus_source_skipped", map[string]any{
				"symbol": symbol, "error": r.err.Error(),
			})
			continue
		}
		quotes = append(quotes, r.quote)
	}
	return quotes
}

func (e *Engine) reconcile(symbol string, quotes []SourceQuote, now time.Time) Quote {
	bids := make([]float64, len(quotes))
	asks := make([]float64, len(quotes))
	for i, q := range quotes {
		bids[i] = q.Bid
		asks[i] = q.Ask
	}
	medBid := median(bids)
	medAsk := median(asks)

	var outliers []string
	for _, q := range quotes {
		if medBid > 0 && math.Abs(q.Bid-medBid)/medBid > e.cfg.OutlierDeviation {
			outliers = append(outliers, q.Source)
		}
	}

	confidence := 100 - e.cfg.OutlierPenalty*float64(len(outliers))
	if confidence < 0 {
		confidence = 0
	}

	return Quote{
		Symbol:       symbol,
		MedianBid:    medBid,
		MedianAsk:    medAsk,
		Confidence:   confidence,
		OutlierCount: len(outliers),
		SourceCount:  len(quotes),
		Outliers:     outliers,
		Timestamp:    now.UTC(),
	}
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
