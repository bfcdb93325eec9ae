package gate

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/observ"
)

// RawEvent is an inbound confirmation exactly as it arrived off the wire.
// Nothing downstream may consume it until it has passed Validate.
type RawEvent struct {
	CorrelationID string    `json:"correlation_id" validate:"required"`
	Symbol        string    `json:"symbol" validate:"required"`
	Status        string    `json:"status" validate:"required"`
	AccountID     string    `json:"account_id" validate:"required,numeric"`
	SourceNodeID  string    `json:"source_node_id" validate:"required"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
	Price         float64   `json:"price,omitempty"`
	Quantity      float64   `json:"quantity,omitempty"`
	SignalID      string    `json:"signal_id,omitempty"`
}

// ValidatedEvent is the only form an external confirmation may take inside
// the engine.
type ValidatedEvent struct {
	Ticket       int64
	SignalID     string
	Symbol       string
	Status       string
	AccountID    string
	SourceNodeID string
	Timestamp    time.Time
	Price        float64
	Quantity     float64
	ReceivedAt   time.Time
}

// RejectionKind enumerates why an event was refused.
type RejectionKind string

const (
	RejectMissingField   RejectionKind = "missing_field"
	RejectBadCorrelation RejectionKind = "bad_correlation_id"
	RejectUnknownStatus  RejectionKind = "unknown_status"
	RejectStale          RejectionKind = "stale_timestamp"
	RejectFutureSkew     RejectionKind = "future_timestamp"
	RejectBadAccount     RejectionKind = "bad_account_id"
	RejectBadSourceNode  RejectionKind = "bad_source_node"
	RejectBadSymbol      RejectionKind = "bad_symbol"
	RejectBadPrice       RejectionKind = "bad_price"
)

// Rejection is the explicit no-data result; there is no silent discard path.
type Rejection struct {
	Kind   RejectionKind
	Reason string
}

func (r *Rejection) Error() string { return string(r.Kind) + ": " + r.Reason }

// Gate is the single choke point for externally sourced mutation. It never
// touches signal or position state itself.
type Gate struct {
	cfg      config.Validation
	validate *validator.Validate
	statuses map[string]bool
	audit    *AuditTrail

	mu       sync.Mutex
	accepted int64
	rejected int64
	now      func() time.Time
}

func New(cfg config.Validation, audit *AuditTrail) *Gate {
	statuses := make(map[string]bool, len(cfg.AllowedStatuses))
	for _, s := range cfg.AllowedStatuses {
		statuses[strings.ToLower(s)] = true
	}
	return &Gate{
		cfg:      cfg,
		validate: validator.New(),
		statuses: statuses,
		audit:    audit,
		now:      time.Now,
	}
}

// tradeAffecting statuses imply the event will mutate position state and so
// get the stricter symbol/price checks.
func tradeAffecting(status string) bool {
	switch status {
	case "opened", "closed", "success":
		return true
	}
	return false
}

// Validate admits an event only if every clause of the real-data contract
// holds. On rejection the payload is written to the audit trail and the
// rejected counter bumps; state everywhere else is untouched.
func (g *Gate) Validate(raw RawEvent) (ValidatedEvent, *Rejection) {
	now := g.now()

	if rej := g.check(raw, now); rej != nil {
		g.mu.Lock()
		g.rejected++
		g.mu.Unlock()
		observ.IncCounter("gate_rejected_total", map[string]string{"kind": string(rej.Kind)})
		if g.audit != nil {
			if err := g.audit.Record(raw, rej); err != nil {
				observ.Critical("gate_audit_write_failed", map[string]any{"error": err.Error()})
			}
		}
		observ.Log("confirmation_rejected", map[string]any{
			"kind":   string(rej.Kind),
			"reason": rej.Reason,
			"symbol": raw.Symbol,
		})
		return ValidatedEvent{}, rej
	}

	ticket, _ := strconv.ParseInt(strings.TrimSpace(raw.CorrelationID), 10, 64)
	ev := ValidatedEvent{
		Ticket:       ticket,
		SignalID:     raw.SignalID,
		Symbol:       strings.ToUpper(strings.TrimSpace(raw.Symbol)),
		Status:       strings.ToLower(raw.Status),
		AccountID:    raw.AccountID,
		SourceNodeID: raw.SourceNodeID,
		Timestamp:    raw.Timestamp,
		Price:        raw.Price,
		Quantity:     raw.Quantity,
		ReceivedAt:   now,
	}

	g.mu.Lock()
	g.accepted++
	g.mu.Unlock()
	observ.IncCounter("gate_accepted_total", map[string]string{"status": ev.Status})
	return ev, nil
}

func (g *Gate) check(raw RawEvent, now time.Time) *Rejection {
	// Structural pass: required fields present, account id numeric.
	if err := g.validate.Struct(raw); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				if fe.Field() == "AccountID" && fe.Tag() == "numeric" {
					return &Rejection{RejectBadAccount, "account_id is not numeric"}
				}
			}
		}
		return &Rejection{RejectMissingField, err.Error()}
	}

	ticket, err := strconv.ParseInt(strings.TrimSpace(raw.CorrelationID), 10, 64)
	if err != nil || ticket <= 0 {
		return &Rejection{RejectBadCorrelation, "correlation_id must be a positive integer: " + raw.CorrelationID}
	}

	status := strings.ToLower(raw.Status)
	if !g.statuses[status] {
		return &Rejection{RejectUnknownStatus, "status not in whitelist: " + raw.Status}
	}

	age := now.Sub(raw.Timestamp)
	if age > g.cfg.MaxEventAge() {
		return &Rejection{RejectStale, "event age " + age.Truncate(time.Millisecond).String() + " exceeds max"}
	}
	if age < -g.cfg.FutureSkew() {
		return &Rejection{RejectFutureSkew, "timestamp ahead of receive time beyond skew tolerance"}
	}

	if len(strings.TrimSpace(raw.SourceNodeID)) < g.cfg.MinSourceNodeIDLen {
		return &Rejection{RejectBadSourceNode, "source_node_id shorter than minimum"}
	}

	if tradeAffecting(status) {
		if !wellFormedSymbol(raw.Symbol) {
			return &Rejection{RejectBadSymbol, "malformed symbol for trade-affecting event: " + raw.Symbol}
		}
		// Zero means the optional field was omitted; anything else must be
		// a real positive number.
		if raw.Price < 0 || math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) {
			return &Rejection{RejectBadPrice, "price must be strictly positive"}
		}
		if raw.Quantity < 0 || math.IsNaN(raw.Quantity) {
			return &Rejection{RejectBadPrice, "quantity must be strictly positive"}
		}
	}
	return nil
}

// wellFormedSymbol accepts uppercase alphanumeric instrument names of at
// least six characters (EURUSD, XAUUSD, GBPJPYm is normalized upstream).
func wellFormedSymbol(symbol string) bool {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 6 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Counters returns accepted/rejected totals for status reporting.
func (g *Gate) Counters() (accepted, rejected int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted, g.rejected
}
