package tracker

import (
	"fmt"
	"time"

	"github.com/signalops/truthengine/internal/observ"
)

// Sweep runs one completion pass over the active set. Completion is only
// ever decided here, never inline during observation, so the dwell period
// is enforced deterministically.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dwell := t.cfg.CompletionDwell()
	completed := 0
	for _, rec := range t.active {
		if rec.Halted || rec.Completed {
			continue
		}

		var err error
		switch {
		case rec.TargetTouched && now.Sub(rec.TargetTouchedAt) >= dwell:
			// Exit at the price actually observed on first touch, not the
			// nominal target level.
			err = t.finalizeLocked(rec, OutcomeWin, ExitTarget, touchOr(rec.TargetTouchPrice, rec.Target), now)
		case rec.StopTouched && now.Sub(rec.StopTouchedAt) >= dwell:
			err = t.finalizeLocked(rec, OutcomeLoss, ExitStop, touchOr(rec.StopTouchPrice, rec.Stop), now)
		case !rec.TargetTouched && !rec.StopTouched && now.Sub(rec.GeneratedAt) >= t.cfg.MaxRuntime():
			// A latched signal is never expired out from under its dwell
			// window; it finalizes through the touch branch above.
			err = t.finalizeLocked(rec, OutcomeExpired, ExitTimeout, rec.CurrentPrice, now)
		default:
			continue
		}
		if err == nil {
			completed++
		}
	}

	t.publishGaugesLocked()
	return completed
}

func touchOr(touch, fallback float64) float64 {
	if touch > 0 {
		return touch
	}
	return fallback
}

// finalizeLocked computes completion fields, appends the completion entry
// to the truth log, and removes the signal from the active set. If the
// append fails the signal is halted in place: memory must not silently
// diverge from the audit trail.
func (t *Tracker) finalizeLocked(rec *SignalRecord, outcome Outcome, exit ExitMechanism, exitPrice float64, now time.Time) error {
	rec.Completed = true
	rec.CompletedAt = now.UTC()
	rec.Outcome = outcome
	rec.ExitMechanism = exit
	rec.ExitPrice = exitPrice
	rec.Runtime = now.Sub(rec.GeneratedAt)
	rec.PipsResult = rec.directionalPips(exitPrice)
	if rec.TargetPips > 0 {
		rec.PercentOfTarget = rec.PipsResult / rec.TargetPips * 100
	}

	total := rec.MaxFavorable.Pips + rec.MaxAdverse.Pips
	if total > 0 {
		rec.Efficiency = rec.MaxFavorable.Pips / total * 100
	}

	// Whipsaw: stopped out, yet the favorable excursion had already covered
	// a large fraction of the distance to target.
	rec.Whipsawed = outcome == OutcomeLoss &&
		rec.MaxFavorable.Pips >= t.cfg.WhipsawFraction*rec.TargetPips
	// Trap: a fast large adverse move inside the opening window.
	rec.Trapped = rec.MaxAdverse.Pips >= t.cfg.TrapPips &&
		rec.MaxAdverse.Elapsed > 0 && rec.MaxAdverse.Elapsed <= t.cfg.TrapWindow()

	if err := t.log.Append("completion", rec); err != nil {
		// Roll back the completion fields and freeze the signal.
		rec.Completed = false
		rec.Halted = true
		observ.Critical("truth_log_append_failed", map[string]any{
			"signal_id": rec.SignalID,
			"entry":     "completion",
			"error":     err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	delete(t.active, rec.SignalID)
	for _, ticket := range rec.Tickets {
		delete(t.tickets, ticket)
	}
	t.stats.record(rec)

	observ.IncCounter("signals_completed_total", map[string]string{
		"symbol": rec.Symbol, "outcome": string(outcome),
	})
	observ.Log("signal_completed", map[string]any{
		"signal_id":         rec.SignalID,
		"symbol":            rec.Symbol,
		"outcome":           string(outcome),
		"exit":              string(exit),
		"pips_result":       rec.PipsResult,
		"percent_of_target": rec.PercentOfTarget,
		"efficiency":        rec.Efficiency,
		"whipsawed":         rec.Whipsawed,
		"trapped":           rec.Trapped,
		"runtime_secs":      rec.Runtime.Seconds(),
	})
	return nil
}

func (t *Tracker) publishGaugesLocked() {
	observ.SetGauge("signals_active", float64(len(t.active)), nil)
	observ.SetGauge("signals_win_rate", t.stats.winRate(), nil)
}

// RunSweeper drives periodic sweeps plus periodic snapshots until stop is
// closed.
func (t *Tracker) RunSweeper(stop <-chan struct{}, online func() bool) {
	sweepTicker := time.NewTicker(time.Duration(t.cfg.SweepIntervalSec) * time.Second)
	defer sweepTicker.Stop()
	snapTicker := time.NewTicker(time.Duration(t.cfg.SnapshotIntervalSec) * time.Second)
	defer snapTicker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sweepTicker.C:
			if online() {
				t.Sweep(t.now())
			}
		case <-snapTicker.C:
			if err := t.SaveSnapshot(t.cfg.SnapshotPath); err != nil {
				observ.Critical("snapshot_save_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}
