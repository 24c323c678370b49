package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pinger is implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SnapshotAger is implemented by the snapshot synchronizer.
type SnapshotAger interface {
	Age() (time.Duration, bool)
}

// ErrNoSnapshot is reported while no active-rules snapshot is installed.
var ErrNoSnapshot = errors.New("no snapshot installed")

// StoreCheck fails when the database does not answer a ping.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store ping: %w", err)
		}
		return nil
	}
}

// SnapshotCheck fails when no snapshot is installed or the installed one is
// older than maxAge. A non-positive maxAge only requires a snapshot.
func SnapshotCheck(s SnapshotAger, maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		age, ok := s.Age()
		if !ok {
			return ErrNoSnapshot
		}
		if maxAge > 0 && age > maxAge {
			return fmt.Errorf("snapshot is %s old, limit %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
