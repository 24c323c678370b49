package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when another owner holds a live lease.
	ErrLockHeld = errors.New("snapshot lock held by another worker")

	// ErrLeaseLost is returned by Release when the lease was broken and
	// taken by another owner in the meantime.
	ErrLeaseLost = errors.New("snapshot lease lost")
)

// Locker grants the exclusive right to write the snapshot.
type Locker interface {
	// Acquire returns a lease or ErrLockHeld once its retries are spent.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Owner() string
	Release() error
}

// LeaseLockConfig configures a LeaseLock.
type LeaseLockConfig struct {
	// Path of the lock file.
	Path string

	// Timeout is the age after which a lease is considered abandoned and may
	// be broken.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first.
	Retries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// lockRecord is the content of the lock file.
type lockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	PID        int       `json:"pid"`
	Host       string    `json:"host,omitempty"`
}

// LeaseLock is a file lease shared by the workers of one host. The file is
// created with O_EXCL, so at most one owner holds it; a lease older than
// Timeout is broken by renaming it aside.
type LeaseLock struct {
	cfg LeaseLockConfig
}

// NewLeaseLock creates a lease lock.
func NewLeaseLock(cfg LeaseLockConfig) *LeaseLock {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LeaseLock{cfg: cfg}
}

// Acquire implements Locker.
func (l *LeaseLock) Acquire(ctx context.Context) (Lease, error) {
	for attempt := 0; ; attempt++ {
		lease, err := l.tryAcquire()
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockHeld) || attempt >= l.cfg.Retries {
			return nil, err
		}

		timer := time.NewTimer(l.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *LeaseLock) tryAcquire() (*fileLease, error) {
	rec := lockRecord{
		Owner:      uuid.NewString(),
		AcquiredAt: l.cfg.Now().UTC(),
		PID:        os.Getpid(),
	}
	rec.Host, _ = os.Hostname()

	err := l.create(rec)
	if err == nil {
		return &fileLease{path: l.cfg.Path, owner: rec.Owner}, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	broken, err := l.breakIfStale()
	if err != nil {
		return nil, err
	}
	if !broken {
		return nil, ErrLockHeld
	}

	if err := l.create(rec); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	return &fileLease{path: l.cfg.Path, owner: rec.Owner}, nil
}

func (l *LeaseLock) create(rec lockRecord) error {
	f, err := os.OpenFile(l.cfg.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		_ = os.Remove(l.cfg.Path)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(l.cfg.Path)
		return err
	}
	return f.Close()
}

// breakIfStale removes an abandoned lease. It reports true when the path is
// free to be created again.
func (l *LeaseLock) breakIfStale() (bool, error) {
	now := l.cfg.Now()
	seen, err := readLock(l.cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, nil
	case errors.Is(err, errCorruptLock):
		// a half-written lock is judged by its modification time
		info, statErr := os.Stat(l.cfg.Path)
		if statErr != nil || now.Sub(info.ModTime()) < l.cfg.Timeout {
			return false, nil
		}
	case err != nil:
		return false, err
	case now.Sub(seen.AcquiredAt) < l.cfg.Timeout:
		return false, nil
	}

	aside := fmt.Sprintf("%s.stale-%s", l.cfg.Path, uuid.NewString())
	if err := os.Rename(l.cfg.Path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("break lock: %w", err)
	}

	// Another worker may have replaced the stale lease between the read and
	// the rename. Put a live lease back instead of stealing it.
	moved, readErr := readLock(aside)
	if readErr == nil && (seen == nil || moved.Owner != seen.Owner) {
		if linkErr := os.Link(aside, l.cfg.Path); linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
			_ = os.Remove(aside)
			return false, nil
		}
	}
	_ = os.Remove(aside)
	return true, nil
}

var errCorruptLock = errors.New("corrupt lock file")

func readLock(path string) (*lockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner == "" {
		return nil, errCorruptLock
	}
	return &rec, nil
}

type fileLease struct {
	path  string
	owner string
}

func (f *fileLease) Owner() string { return f.owner }

// Release removes the lock file if it still belongs to this lease.
func (f *fileLease) Release() error {
	rec, err := readLock(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrLeaseLost
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.Owner != f.owner {
		return ErrLeaseLost
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// LockPath returns the lease lock file inside dir.
func LockPath(dir string) string { return filepath.Join(dir, lockFile) }
