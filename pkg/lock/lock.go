// Package lock provides non-blocking per-key mutual exclusion used to keep at most one
// lifecycle transition in flight for an applied cadence.
package lock

import (
	"context"

	"github.com/pkg/errors"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock held by another holder")

// Locker acquires a key without waiting. The returned func releases it and is safe to call once.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}
