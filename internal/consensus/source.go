package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalops/truthengine/internal/observ"
)

// SourceQuote is one broker's answer for one symbol.
type SourceQuote struct {
	Source     string    `json:"source"`
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	ObservedAt time.Time `json:"observed_at"`
}

// Source is an independent price endpoint. Fetch must respect ctx; a slow
// source times out and contributes nothing.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (SourceQuote, error)
}

// HTTPSource fetches quotes from a broker's JSON endpoint with a per-source
// rate limiter so one chatty consumer cannot overwhelm an upstream API.
type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPSource(name, baseURL string, timeout time.Duration, ratePerSecond float64) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, symbol string) (SourceQuote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return SourceQuote{}, err
	}

	u := fmt.Sprintf("%s/quote?symbol=%s", s.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SourceQuote{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		observ.IncCounter("price_source_errors_total", map[string]string{"source": s.name})
		return SourceQuote{}, fmt.Errorf("source %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observ.IncCounter("price_source_errors_total", map[string]string{"source": s.name})
		return SourceQuote{}, fmt.Errorf("source %s: status %d", s.name, resp.StatusCode)
	}

	var q SourceQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return SourceQuote{}, fmt.Errorf("source %s: decode: %w", s.name, err)
	}
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return SourceQuote{}, fmt.Errorf("source %s: invalid quote bid=%.5f ask=%.5f", s.name, q.Bid, q.Ask)
	}
	q.Source = s.name
	q.Symbol = symbol
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now().UTC()
	}
	return q, nil
}

// StaticSource serves fixed quotes; used in tests and simulation runs.
type StaticSource struct {
	name string

	mu     sync.Mutex
	quotes map[string]SourceQuote
	err    error
}

func NewStaticSource(name string) *StaticSource {
	return &StaticSource{name: name, quotes: make(map[string]SourceQuote)}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Set(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = SourceQuote{
		Source: s.name, Symbol: symbol, Bid: bid, Ask: ask, ObservedAt: time.Now().UTC(),
	}
}

func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticSource) Fetch(ctx context.Context, symbol string) (SourceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return SourceQuote{}, s.err
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return SourceQuote{}, fmt.Errorf("source %s: no quote for %s", s.name, symbol)
	}
	return q, nil
}
