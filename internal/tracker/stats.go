package tracker

import "time"

// Statistics is the aggregate truth view handed to status surfaces. Values
// reflect only validated, completed records.
type Statistics struct {
	TotalGenerated int64 `json:"total_generated"`
	Active         int   `json:"active"`
	Completed      int64 `json:"completed"`
	Wins           int64 `json:"wins"`
	Losses         int64 `json:"losses"`
	Expired        int64 `json:"expired"`
	Cancelled      int64 `json:"cancelled"`
	Whipsawed      int64 `json:"whipsawed"`
	Trapped        int64 `json:"trapped"`

	WinRate float64 `json:"win_rate"` // wins / (wins+losses), percent

	// Average runtime per outcome, seconds.
	AvgRuntimeSec map[Outcome]float64 `json:"avg_runtime_sec"`
}

type statsAccum struct {
	TotalGenerated int64
	Completed      int64
	Wins           int64
	Losses         int64
	Expired        int64
	Cancelled      int64
	Whipsawed      int64
	Trapped        int64

	runtimeSum   map[Outcome]time.Duration
	runtimeCount map[Outcome]int64
}

func (s *statsAccum) record(rec *SignalRecord) {
	s.Completed++
	switch rec.Outcome {
	case OutcomeWin:
		s.Wins++
	case OutcomeLoss:
		s.Losses++
	case OutcomeExpired:
		s.Expired++
	case OutcomeCancelled:
		s.Cancelled++
	}
	if rec.Whipsawed {
		s.Whipsawed++
	}
	if rec.Trapped {
		s.Trapped++
	}
	if s.runtimeSum == nil {
		s.runtimeSum = map[Outcome]time.Duration{}
		s.runtimeCount = map[Outcome]int64{}
	}
	s.runtimeSum[rec.Outcome] += rec.Runtime
	s.runtimeCount[rec.Outcome]++
}

func (s *statsAccum) winRate() float64 {
	decided := s.Wins + s.Losses
	if decided == 0 {
		return 0
	}
	return float64(s.Wins) / float64(decided) * 100
}

// GetStatistics returns a consistent snapshot of the aggregates.
func (t *Tracker) GetStatistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Statistics{
		TotalGenerated: t.stats.TotalGenerated,
		Active:         len(t.active),
		Completed:      t.stats.Completed,
		Wins:           t.stats.Wins,
		Losses:         t.stats.Losses,
		Expired:        t.stats.Expired,
		Cancelled:      t.stats.Cancelled,
		Whipsawed:      t.stats.Whipsawed,
		Trapped:        t.stats.Trapped,
		WinRate:        t.stats.winRate(),
		AvgRuntimeSec:  map[Outcome]float64{},
	}
	for outcome, sum := range t.stats.runtimeSum {
		if n := t.stats.runtimeCount[outcome]; n > 0 {
			out.AvgRuntimeSec[outcome] = sum.Seconds() / float64(n)
		}
	}
	return out
}
