package tracker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/gate"
	"github.com/signalops/truthengine/internal/truthlog"
)

type failingRecorder struct{ fail bool }

func (f *failingRecorder) Append(string, any) error {
	if f.fail {
		return errors.New("disk full")
	}
	return nil
}
func (f *failingRecorder) Close() error { return nil }

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	rec, err := truthlog.NewJSONL(filepath.Join(t.TempDir(), "truth.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	return New(config.Default().Tracker, rec)
}

func eurusdBuy() GenerationPayload {
	return GenerationPayload{
		SignalID:  "sig-001",
		Symbol:    "EURUSD",
		Direction: Buy,
		Entry:     1.1000,
		Stop:      1.0980,
		Target:    1.1040,
		Session:   "london",
	}
}

func TestRecordGeneration(t *testing.T) {
	tr := newTestTracker(t)
	id, err := tr.RecordGeneration(eurusdBuy())
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if id != "sig-001" {
		t.Fatalf("want producer-assigned id back, got %s", id)
	}

	rec, ok := tr.GetSignal(id)
	if !ok {
		t.Fatal("signal not in active set")
	}
	if rec.CurrentPrice != rec.Entry {
		t.Fatalf("live tracking must initialize at entry, got %v", rec.CurrentPrice)
	}
	if got := rec.TargetPips; got < 39.9 || got > 40.1 {
		t.Fatalf("want ~40 target pips, got %v", got)
	}
	if got := rec.StopPips; got < 19.9 || got > 20.1 {
		t.Fatalf("want ~20 stop pips, got %v", got)
	}
	if got := rec.RiskReward; got < 1.99 || got > 2.01 {
		t.Fatalf("want risk:reward ~2, got %v", got)
	}
}

func TestRecordGenerationValidation(t *testing.T) {
	tr := newTestTracker(t)
	cases := []struct {
		name   string
		mutate func(*GenerationPayload)
	}{
		{"missing id", func(p *GenerationPayload) { p.SignalID = "" }},
		{"missing symbol", func(p *GenerationPayload) { p.Symbol = "" }},
		{"bad direction", func(p *GenerationPayload) { p.Direction = "LONG" }},
		{"zero entry", func(p *GenerationPayload) { p.Entry = 0 }},
		{"inverted buy levels", func(p *GenerationPayload) { p.Stop, p.Target = p.Target, p.Stop }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := eurusdBuy()
			tc.mutate(&p)
			if _, err := tr.RecordGeneration(p); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestGenerationPersistenceFailureIsFatal(t *testing.T) {
	tr := New(config.Default().Tracker, &failingRecorder{fail: true})
	_, err := tr.RecordGeneration(eurusdBuy())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
	if tr.ActiveCount() != 0 {
		t.Fatal("memory must not diverge from the log: no record may be admitted")
	}
}

func TestFirstTouchLatchIsPermanent(t *testing.T) {
	tr := newTestTracker(t)
	id, _ := tr.RecordGeneration(eurusdBuy())
	gen := time.Now()

	// Touch the target first, then the stop much deeper.
	if err := tr.ObserveMarketPrice(id, 1.1041, gen.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := tr.ObserveMarketPrice(id, 1.0970, gen.Add(20*time.Second)); err != nil {
		t.Fatal(err)
	}

	rec, _ := tr.GetSignal(id)
	if !rec.TargetTouched || rec.StopTouched {
		t.Fatalf("first touch must win permanently: target=%v stop=%v", rec.TargetTouched, rec.StopTouched)
	}
	wantTouch := gen.Add(10 * time.Second)
	if !rec.TargetTouchedAt.Equal(wantTouch) {
		t.Fatalf("touch time must stay at first observation: want %v got %v", wantTouch, rec.TargetTouchedAt)
	}

	// Re-touching the target must not move the latch time either.
	_ = tr.ObserveMarketPrice(id, 1.1050, gen.Add(30*time.Second))
	rec, _ = tr.GetSignal(id)
	if !rec.TargetTouchedAt.Equal(wantTouch) {
		t.Fatal("latch time mutated by later observation")
	}
}

func TestExcursionTracking(t *testing.T) {
	tr := newTestTracker(t)
	id, _ := tr.RecordGeneration(eurusdBuy())
	gen := time.Now()

	_ = tr.ObserveMarketPrice(id, 1.1010, gen.Add(5*time.Second))  // +10 pips
	_ = tr.ObserveMarketPrice(id, 1.0990, gen.Add(10*time.Second)) // -10 pips
	_ = tr.ObserveMarketPrice(id, 1.1005, gen.Add(15*time.Second)) // back up, not a new extreme

	rec, _ := tr.GetSignal(id)
	if got := rec.MaxFavorable.Pips; got < 9.9 || got > 10.1 {
		t.Fatalf("max favorable: want ~10 pips, got %v", got)
	}
	if got := rec.MaxAdverse.Pips; got < 9.9 || got > 10.1 {
		t.Fatalf("max adverse: want ~10 pips, got %v", got)
	}
	if rec.CurrentPrice != 1.1005 {
		t.Fatalf("current price must track latest observation, got %v", rec.CurrentPrice)
	}
}

func TestRecordExecutionAveragesAndSlippage(t *testing.T) {
	tr := newTestTracker(t)
	id, _ := tr.RecordGeneration(eurusdBuy())

	if err := tr.RecordExecution(id, "user-1", 1.1002); err != nil {
		t.Fatal(err)
	}
	if err := tr.RecordExecution(id, "user-2", 1.1004); err != nil {
		t.Fatal(err)
	}

	rec, _ := tr.GetSignal(id)
	if rec.ExecutionCount != 2 || len(rec.Participants) != 2 {
		t.Fatalf("want 2 executions, got %d/%d", rec.ExecutionCount, len(rec.Participants))
	}
	if got := rec.AvgExecutionPrice; got < 1.10029 || got > 1.10031 {
		t.Fatalf("want avg 1.1003, got %v", got)
	}
	if got := rec.SlippagePips; got < 2.9 || got > 3.1 {
		t.Fatalf("want ~3 pips slippage, got %v", got)
	}
	if rec.FirstExecutionAt.IsZero() {
		t.Fatal("first execution must be timestamped")
	}
}

func TestRecordDistributionInactiveIsNoop(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordDistribution("ghost", 42) // must not panic or create state
	if tr.ActiveCount() != 0 {
		t.Fatal("no-op expected")
	}
}

func TestApplyValidatedEventCorrelation(t *testing.T) {
	tr := newTestTracker(t)
	id, _ := tr.RecordGeneration(eurusdBuy())

	opened := gate.ValidatedEvent{
		Ticket: 555, SignalID: id, Symbol: "EURUSD", Status: "opened",
		AccountID: "88001234", SourceNodeID: "node-alpha-01",
		Timestamp: time.Now(), Price: 1.1001,
	}
	if err := tr.ApplyValidatedEvent(opened); err != nil {
		t.Fatal(err)
	}
	rec, _ := tr.GetSignal(id)
	if rec.ExecutionCount != 1 {
		t.Fatalf("opened event should record an execution, got %d", rec.ExecutionCount)
	}

	// Later event correlates by ticket alone.
	closed := gate.ValidatedEvent{
		Ticket: 555, Symbol: "EURUSD", Status: "closed",
		Timestamp: time.Now(), Price: 1.1041,
	}
	if err := tr.ApplyValidatedEvent(closed); err != nil {
		t.Fatal(err)
	}
	rec, _ = tr.GetSignal(id)
	if !rec.TargetTouched {
		t.Fatal("close at target price should latch the target")
	}

	uncorrelated := gate.ValidatedEvent{Ticket: 999, Symbol: "EURUSD", Status: "closed", Timestamp: time.Now()}
	if err := tr.ApplyValidatedEvent(uncorrelated); !errors.Is(err, ErrNotActive) {
		t.Fatalf("uncorrelated event: want ErrNotActive, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec, _ := truthlog.NewJSONL(filepath.Join(dir, "truth.jsonl"))
	cfg := config.Default().Tracker
	tr := New(cfg, rec)

	id, _ := tr.RecordGeneration(eurusdBuy())
	_ = tr.ObserveMarketPrice(id, 1.1010, time.Now())

	snapPath := filepath.Join(dir, "active.json")
	if err := tr.SaveSnapshot(snapPath); err != nil {
		t.Fatal(err)
	}

	restored := New(cfg, rec)
	n, err := restored.LoadSnapshot(snapPath)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 resumed signal, got %d", n)
	}
	got, ok := restored.GetSignal(id)
	if !ok || got.CurrentPrice != 1.1010 {
		t.Fatalf("restored record incomplete: %+v", got)
	}
}
