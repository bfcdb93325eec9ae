package truthlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one durable record in the truth log. Type is "generation" or
// "completion"; Data carries the signal record as seen at that moment.
type Entry struct {
	Type  string          `json:"type"`
	Event time.Time       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Recorder is the append-only truth log. Append must be durable before it
// returns; a failed append is fatal for the mutation that produced it.
type Recorder interface {
	Append(entryType string, data any) error
	Close() error
}

// JSONLRecorder appends one JSON object per line to a flat file.
type JSONLRecorder struct {
	mu   sync.Mutex
	path string
}

func NewJSONL(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &JSONLRecorder{path: path}, nil
}

func (r *JSONLRecorder) Append(entryType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", entryType, err)
	}
	line, err := json.Marshal(Entry{Type: entryType, Event: time.Now().UTC(), Data: raw})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (r *JSONLRecorder) Close() error { return nil }

// Path returns the backing file, for replay tooling.
func (r *JSONLRecorder) Path() string { return r.path }

// Replay iterates every entry in a JSONL truth log in append order.
// Malformed lines stop the replay; a truth log with corrupt lines is a
// finding, not something to skip over.
func Replay(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("truth log line %d: %w", lineNo, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}
