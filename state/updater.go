package state

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/internal/util"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/metrics"
)

// Options configures a store's lock discipline.
type Options struct {
	// LockTimeout bounds a single lock acquisition attempt.
	LockTimeout time.Duration
	// Backoff governs retries after a timed out attempt. Backoff.MaxAttempts
	// includes the first attempt.
	Backoff util.BackoffConfig
	Logger  logging.Logger
	// AuditLocks appends lock acquired/released entries to the audit trail.
	AuditLocks bool
}

// DefaultOptions returns the defaults shared by every backend.
func DefaultOptions() Options {
	return Options{
		LockTimeout: 2 * time.Second,
		Backoff:     util.DefaultBackoff(),
		Logger:      logging.NoOpLogger{},
		AuditLocks:  true,
	}
}

// backend is the storage half of a store; the updater supplies locking.
type backend interface {
	load(ctx context.Context, key string) (*core.StateEntry, error)
	save(ctx context.Context, prev int64, entry *core.StateEntry) error
	drop(ctx context.Context, key string) error
	core.AuditLog
}

// updater implements the locked read-modify-write cycle on top of a backend.
type updater struct {
	opts    Options
	locker  *Locker
	backend backend

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newUpdater(opts Options, b backend) *updater {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &updater{
		opts:    opts,
		locker:  NewLocker(opts.LockTimeout),
		backend: b,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (u *updater) update(ctx context.Context, key, actor string, fn core.MutatorFunc) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	release, err := u.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	opID := Scope(key)
	u.audit(ctx, opID, core.AuditLockAcquired, actor, key, "")

	version, err := u.apply(ctx, key, actor, fn)

	detail := fmt.Sprintf("version=%d", version)
	if err != nil {
		detail = "aborted: " + err.Error()
	}
	u.audit(ctx, opID, core.AuditLockReleased, actor, key, detail)
	release()
	metrics.RecordStateUpdate(err == nil)
	return version, err
}

func (u *updater) remove(ctx context.Context, key, actor string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	release, err := u.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	opID := Scope(key)
	u.audit(ctx, opID, core.AuditLockAcquired, actor, key, "")
	err = u.backend.drop(ctx, key)
	detail := "deleted"
	if err != nil {
		detail = "aborted: " + err.Error()
	}
	u.audit(ctx, opID, core.AuditLockReleased, actor, key, detail)
	metrics.RecordStateUpdate(err == nil)
	return err
}

func (u *updater) acquire(ctx context.Context, key string) (func(), error) {
	attempts := u.opts.Backoff.Attempts()
	var total time.Duration
	for attempt := 1; attempt <= attempts; attempt++ {
		release, wait, err := u.locker.Acquire(ctx, key)
		total += wait
		if err == nil {
			metrics.RecordLockWait(wait, false)
			logging.LockWait(u.opts.Logger, key, total, attempt, nil)
			return release, nil
		}
		if !errors.Is(err, errLockWait) {
			return nil, err
		}
		metrics.RecordLockWait(wait, true)
		if attempt == attempts {
			break
		}
		if err := u.opts.Backoff.Sleep(ctx, attempt, u.jitter()); err != nil {
			return nil, err
		}
	}
	lerr := &core.LockTimeoutError{Key: key, Timeout: u.locker.Timeout(), Attempts: attempts}
	logging.LockWait(u.opts.Logger, key, total, attempts, lerr)
	return nil, lerr
}

func (u *updater) jitter() *rand.Rand {
	if !u.opts.Backoff.Jitter {
		return nil
	}
	u.rngMu.Lock()
	defer u.rngMu.Unlock()
	// rand.Rand is not safe for concurrent use; hand out a derived source.
	return rand.New(rand.NewSource(u.rng.Int63()))
}

func (u *updater) apply(ctx context.Context, key, actor string, fn core.MutatorFunc) (int64, error) {
	cur, err := u.backend.load(ctx, key)
	if errors.Is(err, core.ErrStateNotFound) {
		cur = &core.StateEntry{Key: key}
	} else if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return 0, err
	}
	next.Key = key
	next.Version = cur.Version + 1
	next.LastUpdatedBy = actor
	next.UpdatedAt = time.Now().UTC()

	if err := u.backend.save(ctx, cur.Version, next); err != nil {
		return 0, fmt.Errorf("save %s: %w", key, err)
	}
	return next.Version, nil
}

func (u *updater) audit(ctx context.Context, opID string, kind core.AuditKind, actor, subject, detail string) {
	if !u.opts.AuditLocks {
		return
	}
	err := u.backend.AppendAudit(ctx, core.AuditEntry{
		OperationID: opID,
		Kind:        kind,
		Actor:       actor,
		Subject:     subject,
		Detail:      detail,
		At:          time.Now().UTC(),
	})
	if err != nil {
		u.opts.Logger.Warn("Audit append failed", "operation_id", opID, "kind", string(kind), "error", err)
	}
}
