package tracker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/gate"
	"github.com/signalops/truthengine/internal/observ"
	"github.com/signalops/truthengine/internal/truthlog"
)

var (
	ErrNotActive   = errors.New("tracker: signal not active")
	ErrHalted      = errors.New("tracker: signal halted after persistence failure")
	ErrPersistence = errors.New("tracker: truth log append failed")
)

// GenerationPayload is what a producer hands over when a signal is born.
type GenerationPayload struct {
	SignalID    string    `json:"signal_id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Entry       float64   `json:"entry"`
	Stop        float64   `json:"stop"`
	Target      float64   `json:"target"`
	Confidence  float64   `json:"confidence"`
	Quality     float64   `json:"quality"`
	Session     string    `json:"session"`
	Spread      float64   `json:"spread"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Tracker owns the canonical state of every in-flight signal. One mutex
// guards the active table; reads hand out deep copies.
type Tracker struct {
	cfg config.Tracker
	log truthlog.Recorder

	mu      sync.Mutex
	active  map[string]*SignalRecord
	tickets map[int64]string // broker ticket -> signal id
	stats   statsAccum

	now func() time.Time
}

func New(cfg config.Tracker, log truthlog.Recorder) *Tracker {
	return &Tracker{
		cfg:     cfg,
		log:     log,
		active:  make(map[string]*SignalRecord),
		tickets: make(map[int64]string),
		now:     time.Now,
	}
}

// RecordGeneration validates the payload, appends a generation entry to
// the truth log, and only then admits the record to the active set. A log
// append failure is fatal for the mutation: nothing enters memory.
func (t *Tracker) RecordGeneration(p GenerationPayload) (string, error) {
	if err := validateGeneration(p); err != nil {
		return "", err
	}
	if p.GeneratedAt.IsZero() {
		p.GeneratedAt = t.now().UTC()
	}

	pip := pipSize(p.Symbol)
	rec := &SignalRecord{
		SignalID:    p.SignalID,
		Symbol:      p.Symbol,
		Direction:   p.Direction,
		Entry:       p.Entry,
		Stop:        p.Stop,
		Target:      p.Target,
		StopPips:    math.Abs(p.Entry-p.Stop) / pip,
		TargetPips:  math.Abs(p.Target-p.Entry) / pip,
		Confidence:  p.Confidence,
		Quality:     p.Quality,
		Session:     p.Session,
		SpreadAtGen: p.Spread,
		GeneratedAt: p.GeneratedAt,

		CurrentPrice: p.Entry,
		MaxFavorable: Excursion{Price: p.Entry, At: p.GeneratedAt},
		MaxAdverse:   Excursion{Price: p.Entry, At: p.GeneratedAt},
	}
	if rec.StopPips > 0 {
		rec.RiskReward = rec.TargetPips / rec.StopPips
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.active[rec.SignalID]; dup {
		return "", fmt.Errorf("tracker: duplicate signal id %s", rec.SignalID)
	}

	if err := t.log.Append("generation", rec); err != nil {
		observ.Critical("truth_log_append_failed", map[string]any{
			"signal_id": rec.SignalID,
			"entry":     "generation",
			"error":     err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	t.active[rec.SignalID] = rec
	t.stats.TotalGenerated++
	observ.IncCounter("signals_generated_total", map[string]string{"symbol": rec.Symbol})
	observ.Log("signal_generated", map[string]any{
		"signal_id":   rec.SignalID,
		"symbol":      rec.Symbol,
		"direction":   string(rec.Direction),
		"entry":       rec.Entry,
		"stop":        rec.Stop,
		"target":      rec.Target,
		"risk_reward": rec.RiskReward,
	})
	return rec.SignalID, nil
}

func validateGeneration(p GenerationPayload) error {
	switch {
	case p.SignalID == "":
		return errors.New("tracker: signal_id required")
	case p.Symbol == "":
		return errors.New("tracker: symbol required")
	case p.Direction != Buy && p.Direction != Sell:
		return fmt.Errorf("tracker: direction must be BUY or SELL, got %q", p.Direction)
	case p.Entry <= 0 || p.Stop <= 0 || p.Target <= 0:
		return errors.New("tracker: entry, stop, and target must be positive")
	}
	if p.Direction == Buy && !(p.Stop < p.Entry && p.Entry < p.Target) {
		return errors.New("tracker: BUY requires stop < entry < target")
	}
	if p.Direction == Sell && !(p.Target < p.Entry && p.Entry < p.Stop) {
		return errors.New("tracker: SELL requires target < entry < stop")
	}
	return nil
}

// RecordDistribution marks the signal as sent. Not finding the signal is
// logged, not an error surface producers need to handle.
func (t *Tracker) RecordDistribution(signalID string, recipientCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[signalID]
	if !ok || rec.Halted {
		observ.Log("distribution_for_inactive_signal", map[string]any{"signal_id": signalID})
		return
	}
	rec.Sent = true
	rec.RecipientCount = recipientCount
	observ.IncCounter("signals_distributed_total", nil)
}

// RecordExecution appends a participant and recomputes the running average
// execution price and slippage versus entry.
func (t *Tracker) RecordExecution(signalID, participantID string, price float64) error {
	if price <= 0 {
		return fmt.Errorf("tracker: execution price must be positive, got %v", price)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[signalID]
	if !ok {
		return ErrNotActive
	}
	if rec.Halted {
		return ErrHalted
	}

	rec.Participants = append(rec.Participants, participantID)
	prev := float64(rec.ExecutionCount)
	rec.ExecutionCount++
	rec.AvgExecutionPrice = (rec.AvgExecutionPrice*prev + price) / float64(rec.ExecutionCount)

	slip := rec.AvgExecutionPrice - rec.Entry
	if rec.Direction == Sell {
		slip = -slip
	}
	rec.SlippagePips = slip / pipSize(rec.Symbol)

	if rec.FirstExecutionAt.IsZero() {
		rec.FirstExecutionAt = t.now().UTC()
	}
	observ.IncCounter("signal_executions_total", map[string]string{"symbol": rec.Symbol})
	return nil
}

// ObserveMarketPrice ingests one admitted market observation for a signal:
// updates current price, excursions, and evaluates first-touch latching.
// Latches are mutually exclusive per observation and permanent once set.
func (t *Tracker) ObserveMarketPrice(signalID string, price float64, observedAt time.Time) error {
	if price <= 0 {
		return fmt.Errorf("tracker: observed price must be positive, got %v", price)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[signalID]
	if !ok {
		return ErrNotActive
	}
	if rec.Halted || rec.Completed {
		return ErrHalted
	}
	t.observeLocked(rec, price, observedAt)
	return nil
}

// ObserveSymbolPrice applies one observation to every active signal on a
// symbol. Used by the market poller, which works per distinct symbol.
func (t *Tracker) ObserveSymbolPrice(symbol string, price float64, observedAt time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.active {
		if rec.Symbol != symbol || rec.Halted || rec.Completed {
			continue
		}
		t.observeLocked(rec, price, observedAt)
		n++
	}
	return n
}

func (t *Tracker) observeLocked(rec *SignalRecord, price float64, observedAt time.Time) {
	rec.CurrentPrice = price
	rec.PipsFromEntry = rec.directionalPips(price)
	elapsed := observedAt.Sub(rec.GeneratedAt)

	if rec.PipsFromEntry > rec.MaxFavorable.Pips {
		rec.MaxFavorable = Excursion{Price: price, Pips: rec.PipsFromEntry, Elapsed: elapsed, At: observedAt}
	}
	if -rec.PipsFromEntry > rec.MaxAdverse.Pips {
		rec.MaxAdverse = Excursion{Price: price, Pips: -rec.PipsFromEntry, Elapsed: elapsed, At: observedAt}
	}

	// First touch wins permanently: once either latch is set, no
	// observation may ever set the other.
	if rec.TargetTouched || rec.StopTouched {
		return
	}
	switch {
	case rec.reachedTarget(price):
		rec.TargetTouched = true
		rec.TargetTouchedAt = observedAt
		rec.TargetTouchPrice = price
		observ.Log("target_touched", map[string]any{"signal_id": rec.SignalID, "price": price})
	case rec.reachedStop(price):
		rec.StopTouched = true
		rec.StopTouchedAt = observedAt
		rec.StopTouchPrice = price
		observ.Log("stop_touched", map[string]any{"signal_id": rec.SignalID, "price": price})
	}
}

// ApplyValidatedEvent consumes output of the validation gate and maps its
// status onto tracker state. Events that cannot be correlated to an active
// signal are counted and dropped.
func (t *Tracker) ApplyValidatedEvent(ev gate.ValidatedEvent) error {
	t.mu.Lock()
	rec := t.correlateLocked(ev)
	if rec == nil {
		t.mu.Unlock()
		observ.IncCounter("events_uncorrelated_total", map[string]string{"status": ev.Status})
		observ.Log("event_uncorrelated", map[string]any{
			"ticket": ev.Ticket, "symbol": ev.Symbol, "status": ev.Status,
		})
		return ErrNotActive
	}
	if rec.Halted {
		t.mu.Unlock()
		return ErrHalted
	}
	id := rec.SignalID

	switch ev.Status {
	case "opened":
		t.tickets[ev.Ticket] = id
		if !containsTicket(rec.Tickets, ev.Ticket) {
			rec.Tickets = append(rec.Tickets, ev.Ticket)
		}
		t.mu.Unlock()
		participant := ev.AccountID + "@" + ev.SourceNodeID
		if ev.Price > 0 {
			return t.RecordExecution(id, participant, ev.Price)
		}
		return nil
	case "closed", "success", "partial":
		// A close confirmation carries an executed price; treat it as an
		// admitted market observation so latches and excursion see it.
		if ev.Price > 0 {
			t.observeLocked(rec, ev.Price, ev.Timestamp)
		}
		t.mu.Unlock()
		return nil
	case "rejected", "error":
		t.mu.Unlock()
		observ.IncCounter("execution_errors_total", map[string]string{"symbol": ev.Symbol, "status": ev.Status})
		observ.Log("execution_error_event", map[string]any{
			"signal_id": id, "ticket": ev.Ticket, "status": ev.Status,
		})
		return nil
	default:
		t.mu.Unlock()
		return fmt.Errorf("tracker: unmapped status %q", ev.Status)
	}
}

func (t *Tracker) correlateLocked(ev gate.ValidatedEvent) *SignalRecord {
	if ev.SignalID != "" {
		if rec, ok := t.active[ev.SignalID]; ok {
			return rec
		}
	}
	if id, ok := t.tickets[ev.Ticket]; ok {
		if rec, ok := t.active[id]; ok {
			return rec
		}
	}
	return nil
}

func containsTicket(list []int64, t int64) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

// Cancel finalizes a signal manually (operator or producer revocation).
func (t *Tracker) Cancel(signalID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[signalID]
	if !ok {
		return ErrNotActive
	}
	observ.Log("signal_cancelled", map[string]any{"signal_id": signalID, "reason": reason})
	return t.finalizeLocked(rec, OutcomeCancelled, ExitManual, rec.CurrentPrice, t.now())
}

// GetSignal returns a deep copy of an active signal.
func (t *Tracker) GetSignal(signalID string) (SignalRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[signalID]
	if !ok {
		return SignalRecord{}, false
	}
	return rec.clone(), true
}

// ActiveSymbols lists distinct symbols with at least one active signal,
// sorted for deterministic polling order.
func (t *Tracker) ActiveSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := map[string]bool{}
	for _, rec := range t.active {
		if !rec.Halted {
			set[rec.Symbol] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ActiveCount reports signals currently held in memory.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// SaveSnapshot persists the active set for crash recovery.
func (t *Tracker) SaveSnapshot(path string) error {
	t.mu.Lock()
	signals := make([]SignalRecord, 0, len(t.active))
	for _, rec := range t.active {
		signals = append(signals, rec.clone())
	}
	t.mu.Unlock()
	sort.Slice(signals, func(i, j int) bool { return signals[i].SignalID < signals[j].SignalID })
	return truthlog.SaveSnapshot(path, signals)
}

// LoadSnapshot restores the active set written by a previous run. Called
// before any loop starts; returns the number of signals resumed.
func (t *Tracker) LoadSnapshot(path string) (int, error) {
	var signals []SignalRecord
	found, err := truthlog.LoadSnapshot(path, &signals)
	if err != nil || !found {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range signals {
		rec := signals[i]
		if rec.Completed {
			continue
		}
		cp := rec
		t.active[cp.SignalID] = &cp
		for _, ticket := range cp.Tickets {
			t.tickets[ticket] = cp.SignalID
		}
	}
	observ.Log("snapshot_restored", map[string]any{"signals": len(t.active), "path": path})
	return len(t.active), nil
}
