package poller

import (
	"context"
	"errors"
	"time"

	"github.com/signalops/truthengine/internal/consensus"
	"github.com/signalops/truthengine/internal/health"
	"github.com/signalops/truthengine/internal/observ"
	"github.com/signalops/truthengine/internal/tracker"
)

// Poller feeds consensus prices into the tracker, one iteration per
// interval, fanning out per distinct active symbol. It acts only while
// market_data and signal_tracker are ONLINE; when quorum keeps failing it
// takes market_data offline rather than fabricating prices.
type Poller struct {
	interval  time.Duration
	consensus *consensus.Engine
	track     *tracker.Tracker
	healthMgr *health.Manager

	// consecutive all-symbol failures before market_data is declared gone
	failThreshold int
	failures      int
}

func New(interval time.Duration, eng *consensus.Engine, track *tracker.Tracker, healthMgr *health.Manager) *Poller {
	return &Poller{
		interval:      interval,
		consensus:     eng,
		track:         track,
		healthMgr:     healthMgr,
		failThreshold: 5,
	}
}

// Run polls until stop closes. Each tick finishes its current iteration
// before checking stop again.
func (p *Poller) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one polling iteration. Exposed for deterministic tests.
func (p *Poller) Tick(ctx context.Context) {
	if !p.healthMgr.Online(health.MarketData) || !p.healthMgr.Online(health.SignalTracker) {
		observ.IncCounter("poller_skipped_offline_total", nil)
		return
	}

	symbols := p.track.ActiveSymbols()
	if len(symbols) == 0 {
		return
	}

	now := time.Now().UTC()
	okCount := 0
	for _, symbol := range symbols {
		quote, err := p.consensus.GetConsensus(ctx, symbol)
		if err != nil {
			if errors.Is(err, consensus.ErrInsufficientData) {
				// No quorum means no price update, never a guess.
				observ.Log("poll_no_consensus", map[string]any{"symbol": symbol})
				continue
			}
			observ.Log("poll_error", map[string]any{"symbol": symbol, "error": err.Error()})
			continue
		}
		okCount++
		updated := p.track.ObserveSymbolPrice(symbol, quote.Mid(), now)
		observ.IncCounterBy("price_observations_total", map[string]string{"symbol": symbol}, float64(updated))
	}

	if okCount == 0 {
		p.failures++
		if p.failures >= p.failThreshold {
			p.healthMgr.TakeOffline(health.MarketData, health.ReasonDataUnavailable,
				"no consensus for any active symbol across consecutive polls")
			p.failures = 0
		}
		return
	}
	p.failures = 0
}
