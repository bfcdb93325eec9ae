package tracker

import (
	"strings"
	"time"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeExpired   Outcome = "EXPIRED"
	OutcomeCancelled Outcome = "CANCELLED"
)

type ExitMechanism string

const (
	ExitTarget  ExitMechanism = "target"
	ExitStop    ExitMechanism = "stop"
	ExitTimeout ExitMechanism = "timeout"
	ExitManual  ExitMechanism = "manual"
)

// Excursion records how far price moved from entry in one direction, as
// both price distance and elapsed time since generation.
type Excursion struct {
	Price   float64       `json:"price"`
	Pips    float64       `json:"pips"`
	Elapsed time.Duration `json:"elapsed_ns"`
	At      time.Time     `json:"at"`
}

// SignalRecord is the canonical state of one tracked signal. The
// generation snapshot is immutable once set; once Completed is true the
// whole record is frozen; a first-touch latch never resets.
type SignalRecord struct {
	// Identity
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`

	// Generation snapshot
	Entry       float64   `json:"entry"`
	Stop        float64   `json:"stop"`
	Target      float64   `json:"target"`
	StopPips    float64   `json:"stop_pips"`
	TargetPips  float64   `json:"target_pips"`
	RiskReward  float64   `json:"risk_reward"`
	Confidence  float64   `json:"confidence"`
	Quality     float64   `json:"quality"`
	Session     string    `json:"session"`
	SpreadAtGen float64   `json:"spread_at_generation"`
	GeneratedAt time.Time `json:"generated_at"`

	// Distribution
	Sent           bool `json:"sent"`
	RecipientCount int  `json:"recipient_count"`

	// Execution
	Participants      []string  `json:"participants,omitempty"`
	ExecutionCount    int       `json:"execution_count"`
	AvgExecutionPrice float64   `json:"avg_execution_price"`
	SlippagePips      float64   `json:"slippage_pips"`
	FirstExecutionAt  time.Time `json:"first_execution_at,omitempty"`

	// Live tracking
	CurrentPrice     float64   `json:"current_price"`
	PipsFromEntry    float64   `json:"pips_from_entry"`
	MaxFavorable     Excursion `json:"max_favorable"`
	MaxAdverse       Excursion `json:"max_adverse"`
	TargetTouched    bool      `json:"target_touched"`
	TargetTouchedAt  time.Time `json:"target_touched_at,omitempty"`
	TargetTouchPrice float64   `json:"target_touch_price,omitempty"`
	StopTouched      bool      `json:"stop_touched"`
	StopTouchedAt    time.Time `json:"stop_touched_at,omitempty"`
	StopTouchPrice   float64   `json:"stop_touch_price,omitempty"`

	// Halted means a truth-log append failed for this signal; no further
	// mutation is accepted until an operator intervenes.
	Halted bool `json:"halted,omitempty"`

	// Completion
	Completed       bool          `json:"completed"`
	CompletedAt     time.Time     `json:"completed_at,omitempty"`
	Outcome         Outcome       `json:"outcome,omitempty"`
	ExitMechanism   ExitMechanism `json:"exit_mechanism,omitempty"`
	ExitPrice       float64       `json:"exit_price,omitempty"`
	Runtime         time.Duration `json:"runtime_ns,omitempty"`
	PipsResult      float64       `json:"pips_result,omitempty"`
	PercentOfTarget float64       `json:"percent_of_target,omitempty"`
	Efficiency      float64       `json:"efficiency,omitempty"`
	Whipsawed       bool          `json:"whipsawed,omitempty"`
	Trapped         bool          `json:"trapped,omitempty"`

	// Tickets links broker correlation ids seen in validated events.
	Tickets []int64 `json:"tickets,omitempty"`
}

// pipSize returns the pip unit for a symbol. JPY-quoted pairs use 0.01,
// everything else 0.0001.
func pipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// directionalPips converts a raw price move into pips signed so that
// positive is favorable for the signal's direction.
func (r *SignalRecord) directionalPips(price float64) float64 {
	move := price - r.Entry
	if r.Direction == Sell {
		move = -move
	}
	return move / pipSize(r.Symbol)
}

// reachedTarget reports whether price has touched the target for this
// direction.
func (r *SignalRecord) reachedTarget(price float64) bool {
	if r.Direction == Buy {
		return price >= r.Target
	}
	return price <= r.Target
}

func (r *SignalRecord) reachedStop(price float64) bool {
	if r.Direction == Buy {
		return price <= r.Stop
	}
	return price >= r.Stop
}

// clone deep-copies a record so callers never share tracker memory.
func (r *SignalRecord) clone() SignalRecord {
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	cp.Tickets = append([]int64(nil), r.Tickets...)
	return cp
}
