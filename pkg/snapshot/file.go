package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"porthaul/controlplane/pkg/cache"
	"porthaul/controlplane/pkg/store"
)

// Version is the snapshot format version.
const Version = 1

const (
	snapshotFile = "snapshot.json"
	lockFile     = "refresh.lock"
	markerFile   = "invalidated"
)

var forever = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// ErrNoSnapshot is returned when no snapshot has been written yet.
var ErrNoSnapshot = errors.New("no snapshot")

// RuleState is a rule as seen at snapshot time, with its derived activity.
type RuleState struct {
	ID                int64            `json:"id"`
	Name              string           `json:"name"`
	SourcePort        int              `json:"sourcePort"`
	TargetAddress     string           `json:"targetAddress"`
	Protocol          string           `json:"protocol"`
	OwnerUserID       int64            `json:"ownerUserId"`
	OperatorEnabled   bool             `json:"operatorEnabled"`
	DisableProvenance store.Provenance `json:"disableProvenance"`
	Active            bool             `json:"active"`
	InactiveReason    Reason           `json:"inactiveReason,omitempty"`
}

// Snapshot is the shared point-in-time state every worker installs.
type Snapshot struct {
	Version     int                 `json:"version"`
	GeneratedAt time.Time           `json:"generatedAt"`
	Writer      string              `json:"writer"`
	Users       []cache.UserEntry   `json:"users"`
	Rules       []RuleState         `json:"rules"`
	Ports       []cache.PortMapping `json:"ports"`
}

// ActiveRules returns the rules that were active at snapshot time.
func (s *Snapshot) ActiveRules() []RuleState {
	if s == nil {
		return nil
	}
	out := make([]RuleState, 0, len(s.Ports))
	for _, r := range s.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Path returns the snapshot file inside dir.
func Path(dir string) string { return filepath.Join(dir, snapshotFile) }

// WriteFile writes snap into dir. The data goes to a temporary file in the
// same directory which is synced and renamed over the snapshot, so readers
// see either the old or the new snapshot and never a partial one.
func WriteFile(dir string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeAtomic(Path(dir), data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// ReadFile loads the snapshot from dir.
func ReadFile(dir string) (*Snapshot, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return &snap, nil
}

// writeMarker records that state changed at t.
func writeMarker(dir string, t time.Time) error {
	return writeAtomic(filepath.Join(dir, markerFile), []byte(t.UTC().Format(time.RFC3339Nano)))
}

// readMarker returns the last invalidation time, or zero when none.
func readMarker(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		// unreadable marker forces a refresh
		return forever, nil
	}
	return t, nil
}
