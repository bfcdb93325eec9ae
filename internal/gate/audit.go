package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditRecord preserves the full rejected payload for forensic replay.
type AuditRecord struct {
	ID      string        `json:"id"`
	Ts      time.Time     `json:"ts"`
	Kind    RejectionKind `json:"kind"`
	Reason  string        `json:"reason"`
	Payload RawEvent      `json:"payload"`
}

// AuditTrail appends rejection records to a JSONL file.
type AuditTrail struct {
	mu   sync.Mutex
	path string
}

func NewAuditTrail(path string) (*AuditTrail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &AuditTrail{path: path}, nil
}

func (a *AuditTrail) Record(raw RawEvent, rej *Rejection) error {
	rec := AuditRecord{
		ID:      uuid.NewString(),
		Ts:      time.Now().UTC(),
		Kind:    rej.Kind,
		Reason:  rej.Reason,
		Payload: raw,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
