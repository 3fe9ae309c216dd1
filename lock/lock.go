// Package lock provides TTL-based mutual exclusion across stateless workers.
// A lock whose expiry has passed is treated as absent, so a crashed holder
// never blocks a resource for longer than its TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundflow/fault"
)

var (
	// ErrContended is returned by WithLock when another holder owns the resource.
	ErrContended = errors.New("lock: resource held by another holder")
	// ErrInvalidTTL rejects non-positive lock lifetimes.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// Release outcomes.
const (
	ReasonReleased  = "released"
	ReasonNotHeld   = "not held"
	ReasonNotHolder = "not holder"
)

// Result reports the outcome of an acquire attempt. Contention is a normal
// outcome and not an error.
type Result struct {
	Acquired      bool
	CurrentHolder string
	ExpiresAt     time.Time
}

// ReleaseResult reports the outcome of a release attempt.
type ReleaseResult struct {
	Released bool
	Reason   string
}

// Locker is implemented by every lock backend.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Result, error)
	Release(ctx context.Context, key, holder string) (ReleaseResult, error)
}

// NewHolderID returns a unique holder id for one invocation.
func NewHolderID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// WithLock runs fn while holding key. When the lock is held elsewhere it
// returns a contention fault wrapping ErrContended without calling fn. The
// lock is released even if ctx is cancelled during fn.
func WithLock(ctx context.Context, l Locker, key, holder string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	res, err := l.Acquire(ctx, key, holder, ttl)
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !res.Acquired {
		return (&fault.Error{
			Kind: fault.KindContention,
			Code: fault.CodeLockHeld,
			Op:   "lock " + key,
			Err:  ErrContended,
		}).WithMeta("current_holder", res.CurrentHolder)
	}

	defer func() {
		rel, relErr := l.Release(context.WithoutCancel(ctx), key, holder)
		if err != nil {
			return
		}
		if relErr != nil {
			err = fmt.Errorf("lock: release %s: %w", key, relErr)
			return
		}
		if !rel.Released {
			err = fmt.Errorf("lock: release %s: %s", key, rel.Reason)
		}
	}()

	return fn(ctx)
}

// IsContended reports whether err came from a held lock.
func IsContended(err error) bool {
	return errors.Is(err, ErrContended)
}

func validate(key, holder string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("lock: empty key")
	}
	if holder == "" {
		return fmt.Errorf("lock: empty holder")
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
