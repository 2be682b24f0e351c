// Package lock provides the single-flight guard around processing runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadyRunning is returned when another run holds the guard.
var ErrAlreadyRunning = errors.New("already running")

// DefaultTTL bounds how long one holder may keep an instance-spanning lock.
const DefaultTTL = 10 * time.Minute

// Locker is an instance-spanning mutual exclusion backend.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// Guard admits one run at a time: first within the process, then across
// instances when a Locker is configured.
type Guard struct {
	sem    *semaphore.Weighted
	locker Locker
	name   string
	owner  string
	ttl    time.Duration
	log    *slog.Logger
}

// NewGuard builds a guard. locker may be nil for a process-local guard.
func NewGuard(locker Locker, name string, ttl time.Duration, log *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	host, _ := os.Hostname()
	return &Guard{
		sem:    semaphore.NewWeighted(1),
		locker: locker,
		name:   name,
		owner:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()),
		ttl:    ttl,
		log:    log,
	}
}

// Owner identifies this process to the lock backend.
func (g *Guard) Owner() string { return g.owner }

// Do runs fn while holding the guard, or returns ErrAlreadyRunning without
// waiting. The guard is released on every exit path, including panics.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.sem.TryAcquire(1) {
		return ErrAlreadyRunning
	}
	defer g.sem.Release(1)

	if g.locker != nil {
		ok, err := g.locker.Acquire(ctx, g.name, g.owner, g.ttl)
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", g.name, err)
		}
		if !ok {
			return ErrAlreadyRunning
		}
		defer g.release(ctx)

		// The run must not outlive the lock it holds.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.ttl)
		defer cancel()
	}
	return fn(ctx)
}

func (g *Guard) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.locker.Release(ctx, g.name, g.owner); err != nil {
		g.log.Warn("release lock failed", "lock", g.name, "error", err)
	}
}

// LeaseStore is the durable store's lease table.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// StoreLocker locks through the same database that holds the watermark.
type StoreLocker struct {
	store LeaseStore
}

// NewStoreLocker wraps a lease store.
func NewStoreLocker(store LeaseStore) *StoreLocker {
	return &StoreLocker{store: store}
}

func (l *StoreLocker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return l.store.AcquireLease(ctx, name, owner, ttl)
}

func (l *StoreLocker) Release(ctx context.Context, name, owner string) error {
	return l.store.ReleaseLease(ctx, name, owner)
}
