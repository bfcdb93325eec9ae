package gate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalops/truthengine/internal/config"
)

func testGate(t *testing.T) (*Gate, string) {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "rejections.jsonl")
	cfg := config.Default().Validation
	cfg.AuditPath = auditPath
	audit, err := NewAuditTrail(auditPath)
	require.NoError(t, err)
	return New(cfg, audit), auditPath
}

func validEvent() RawEvent {
	return RawEvent{
		CorrelationID: "123456",
		Symbol:        "EURUSD",
		Status:        "closed",
		AccountID:     "88001234",
		SourceNodeID:  "node-alpha-01",
		Timestamp:     time.Now().UTC(),
		Price:         1.1001,
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	g, _ := testGate(t)

	ev, rej := g.Validate(validEvent())
	require.Nil(t, rej)
	require.Equal(t, int64(123456), ev.Ticket)
	require.Equal(t, "EURUSD", ev.Symbol)
	require.Equal(t, "closed", ev.Status)
	require.False(t, ev.ReceivedAt.IsZero())

	accepted, rejected := g.Counters()
	require.Equal(t, int64(1), accepted)
	require.Equal(t, int64(0), rejected)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RawEvent)
		kind   RejectionKind
	}{
		{"missing correlation id", func(e *RawEvent) { e.CorrelationID = "" }, RejectMissingField},
		{"missing symbol", func(e *RawEvent) { e.Symbol = "" }, RejectMissingField},
		{"missing timestamp", func(e *RawEvent) { e.Timestamp = time.Time{} }, RejectMissingField},
		{"non-integer correlation id", func(e *RawEvent) { e.CorrelationID = "ticket-9" }, RejectBadCorrelation},
		{"negative correlation id", func(e *RawEvent) { e.CorrelationID = "-5" }, RejectBadCorrelation},
		{"zero correlation id", func(e *RawEvent) { e.CorrelationID = "0" }, RejectBadCorrelation},
		{"unknown status", func(e *RawEvent) { e.Status = "teleported" }, RejectUnknownStatus},
		{"stale timestamp", func(e *RawEvent) { e.Timestamp = time.Now().Add(-10 * time.Minute) }, RejectStale},
		{"future timestamp", func(e *RawEvent) { e.Timestamp = time.Now().Add(time.Minute) }, RejectFutureSkew},
		{"alpha account id", func(e *RawEvent) { e.AccountID = "acct12" }, RejectBadAccount},
		{"short source node", func(e *RawEvent) { e.SourceNodeID = "n1" }, RejectBadSourceNode},
		{"malformed symbol on trade event", func(e *RawEvent) { e.Symbol = "EU" }, RejectBadSymbol},
		{"negative price on trade event", func(e *RawEvent) { e.Price = -1.1 }, RejectBadPrice},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := testGate(t)
			ev := validEvent()
			tc.mutate(&ev)

			_, rej := g.Validate(ev)
			require.NotNil(t, rej)
			require.Equal(t, tc.kind, rej.Kind)

			accepted, rejected := g.Counters()
			require.Equal(t, int64(0), accepted)
			require.Equal(t, int64(1), rejected)
		})
	}
}

func TestRejectionWritesAuditRecord(t *testing.T) {
	g, auditPath := testGate(t)
	ev := validEvent()
	ev.Status = "bogus"

	_, rej := g.Validate(ev)
	require.NotNil(t, rej)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	require.Contains(t, line, `"kind":"unknown_status"`)
	require.Contains(t, line, `"bogus"`) // full payload preserved for replay
}

func TestMalformedSymbolAllowedForNonTradeStatus(t *testing.T) {
	g, _ := testGate(t)
	ev := validEvent()
	ev.Status = "error"
	ev.Symbol = "??" // error reports may carry junk symbols

	_, rej := g.Validate(ev)
	require.Nil(t, rej) // strict symbol rules apply only to trade-affecting statuses

	ev.Status = "closed"
	_, rej = g.Validate(ev)
	require.NotNil(t, rej)
	require.Equal(t, RejectBadSymbol, rej.Kind)
}
