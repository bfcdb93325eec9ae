package truthlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the crash-recovery image of the active-signal set. It is a
// convenience for restart, not the source of truth; the truth log is.
type Snapshot struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Signals json.RawMessage `json:"signals"`
}

const snapshotVersion = 1

// SaveSnapshot writes the active set atomically (temp file + rename) so a
// crash mid-write cannot corrupt the previous snapshot.
func SaveSnapshot(path string, signals any) error {
	raw, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("marshal snapshot signals: %w", err)
	}
	snap := Snapshot{
		ID:      uuid.NewString(),
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Signals: raw,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads a snapshot into target. A missing file is not an
// error: the engine simply starts with an empty active set.
func LoadSnapshot(path string, target any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return false, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if err := json.Unmarshal(snap.Signals, target); err != nil {
		return false, fmt.Errorf("parse snapshot signals: %w", err)
	}
	return true, nil
}
