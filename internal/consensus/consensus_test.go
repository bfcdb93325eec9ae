package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalops/truthengine/internal/config"
)

func testConfig() config.Consensus {
	cfg := config.Default().Consensus
	cfg.Sources = nil
	return cfg
}

func TestGetConsensusBelowQuorum(t *testing.T) {
	src := NewStaticSource("broker-a")
	src.Set("EURUSD", 1.1000, 1.1002)
	eng := New(testConfig(), []Source{src}, nil)

	_, err := eng.GetConsensus(context.Background(), "EURUSD")
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("want ErrInsufficientData with one source, got %v", err)
	}
}

func TestGetConsensusWithOutlier(t *testing.T) {
	a := NewStaticSource("broker-a")
	b := NewStaticSource("broker-b")
	c := NewStaticSource("broker-c")
	a.Set("EURUSD", 1.1000, 1.1002)
	b.Set("EURUSD", 1.1001, 1.1003)
	c.Set("EURUSD", 1.1100, 1.1102) // ~0.9% off median, beyond 0.05% threshold

	cfg := testConfig()
	eng := New(cfg, []Source{a, b, c}, nil)

	q, err := eng.GetConsensus(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.SourceCount != 3 {
		t.Fatalf("want 3 contributing sources, got %d", q.SourceCount)
	}
	if q.OutlierCount != 1 {
		t.Fatalf("want exactly 1 outlier, got %d (%v)", q.OutlierCount, q.Outliers)
	}
	want := 100 - cfg.OutlierPenalty
	if q.Confidence != want {
		t.Fatalf("confidence must be exactly 100 minus one penalty: want %v got %v", want, q.Confidence)
	}
	if q.MedianBid != 1.1001 {
		t.Fatalf("want median bid 1.1001, got %v", q.MedianBid)
	}
}

func TestFailedSourceContributesNothing(t *testing.T) {
	a := NewStaticSource("broker-a")
	b := NewStaticSource("broker-b")
	dead := NewStaticSource("broker-dead")
	a.Set("EURUSD", 1.1000, 1.1002)
	b.Set("EURUSD", 1.1002, 1.1004)
	dead.Fail(errors.New("connection refused"))

	eng := New(testConfig(), []Source{a, b, dead}, nil)
	q, err := eng.GetConsensus(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("quorum of 2 should still hold: %v", err)
	}
	if q.SourceCount != 2 {
		t.Fatalf("dead source must not contribute, got %d sources", q.SourceCount)
	}
}

func TestConsensusCachedWithinTTLBucket(t *testing.T) {
	a := NewStaticSource("broker-a")
	b := NewStaticSource("broker-b")
	a.Set("EURUSD", 1.1000, 1.1002)
	b.Set("EURUSD", 1.1002, 1.1004)

	eng := New(testConfig(), []Source{a, b}, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return base }

	q1, err := eng.GetConsensus(context.Background(), "EURUSD")
	if err != nil {
		t.Fatal(err)
	}

	// Sources go dead inside the bucket; the cached quote still serves.
	a.Fail(errors.New("down"))
	b.Fail(errors.New("down"))
	eng.now = func() time.Time { return base.Add(time.Second) }
	q2, err := eng.GetConsensus(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("expected cached quote inside TTL bucket: %v", err)
	}
	if q2.Timestamp != q1.Timestamp {
		t.Fatal("expected the cached quote, got a fresh one")
	}

	// Next bucket must re-query, and with both sources down that is an
	// explicit insufficient-data result, not a stale replay.
	eng.now = func() time.Time { return base.Add(6 * time.Second) }
	_, err = eng.GetConsensus(context.Background(), "EURUSD")
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("stale cache must not be served as fresh, got %v", err)
	}
}

func TestConsensusOfflineFailsClosed(t *testing.T) {
	a := NewStaticSource("broker-a")
	b := NewStaticSource("broker-b")
	a.Set("EURUSD", 1.1000, 1.1002)
	b.Set("EURUSD", 1.1002, 1.1004)

	eng := New(testConfig(), []Source{a, b}, func() bool { return false })
	_, err := eng.GetConsensus(context.Background(), "EURUSD")
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("offline consensus must fail closed, got %v", err)
	}
}

func TestValidateSignalPrice(t *testing.T) {
	a := NewStaticSource("broker-a")
	b := NewStaticSource("broker-b")
	a.Set("EURUSD", 1.1000, 1.1002)
	b.Set("EURUSD", 1.1000, 1.1002)

	eng := New(testConfig(), []Source{a, b}, nil)
	ctx := context.Background()

	if got := eng.ValidateSignalPrice(ctx, "EURUSD", 1.1001); !got.Approved {
		t.Fatalf("price at consensus mid should be approved: %+v", got)
	}
	if got := eng.ValidateSignalPrice(ctx, "EURUSD", 1.2000); got.Approved {
		t.Fatalf("price far from consensus must be rejected: %+v", got)
	}
	if got := eng.ValidateSignalPrice(ctx, "EURUSD", -1); got.Approved {
		t.Fatal("non-positive candidate must be rejected")
	}
}

func TestValidateSignalPriceNoConsensusRejects(t *testing.T) {
	only := NewStaticSource("broker-a")
	only.Set("EURUSD", 1.1000, 1.1002)
	eng := New(testConfig(), []Source{only}, nil)

	got := eng.ValidateSignalPrice(context.Background(), "EURUSD", 1.1001)
	if got.Approved {
		t.Fatal("below-quorum consensus must never yield a default approval")
	}
}

func TestMedian(t *testing.T) {
	if m := median([]float64{3, 1, 2}); m != 2 {
		t.Fatalf("odd median: want 2 got %v", m)
	}
	if m := median([]float64{4, 1, 2, 3}); m != 2.5 {
		t.Fatalf("even median: want 2.5 got %v", m)
	}
}
