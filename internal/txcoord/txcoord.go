// Package txcoord is the Transaction Coordinator (spec.md §4.2): a
// best-effort multi-resource transaction primitive. It acquires one
// connection per named database, begins a transaction on each, runs a
// caller function, then commits all or rolls back all.
//
// It is NOT two-phase commit: if commit k fails after commits 1..k-1
// already succeeded, those partial commits remain and the error is
// raised to the caller. Handlers that need a stronger guarantee must
// be designed idempotent (spec.md §4.2 "Guarantee").
package txcoord

import (
	"context"
	"fmt"
	"sync"

	"github.com/chronopool/scheduler/internal/dbregistry"
	"github.com/chronopool/scheduler/internal/schederr"
	"gorm.io/gorm"
)

// Mode selects whether the coordinator's transaction handles accept
// writes (ReadWrite) or reject them (ReadOnly). Both modes begin an
// ordinary transaction with the backend's default locking; no
// IMMEDIATE or DEFERRED begin is issued, and ReadOnly is enforced only
// by the guard callbacks installed by ensureReadOnlyGuard.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

type scopeKey struct{}

// scope is the task-local context map published for the duration of one
// Run call: db name -> the active transaction handle for that name.
// It is scoped to the context passed to Run, never shared across
// concurrent or nested calls (spec.md §4.2 "Concurrency").
type scope struct {
	mode Mode
	txs  map[string]*gorm.DB
}

// Run brackets fn with transactions across every named pool in names,
// in the order given. On a nil return, it commits in acquisition order;
// on a non-nil return (or panic), it rolls back in reverse order and
// returns the error (a panic is returned as an error). Connections are released unconditionally. Nesting (Run
// called again on a context that already carries an active scope)
// fails fast with ErrNestedTransaction.
func Run(ctx context.Context, registry *dbregistry.Registry, names []string, mode Mode, fn func(ctx context.Context) error) error {
	if ctx.Value(scopeKey{}) != nil {
		return schederr.ErrNestedTransaction
	}

	type leg struct {
		name    string
		tx      *gorm.DB
		release func()
	}
	legs := make([]leg, 0, len(names))

	rollbackAll := func() {
		for i := len(legs) - 1; i >= 0; i-- {
			legs[i].tx.Rollback()
		}
		for _, l := range legs {
			l.release()
		}
	}

	for _, name := range names {
		pool, err := registry.Get(name)
		if err != nil {
			rollbackAll()
			return fmt.Errorf("txcoord: %w", err)
		}

		conn, release, err := pool.Acquire(ctx)
		if err != nil {
			rollbackAll()
			return err
		}

		ensureReadOnlyGuard(conn)
		tx := conn.Begin()
		if tx.Error != nil {
			release()
			rollbackAll()
			return fmt.Errorf("txcoord: begin on %q: %w: %v", name, schederr.ErrTransaction, tx.Error)
		}

		legs = append(legs, leg{name: name, tx: tx, release: release})
	}

	txs := make(map[string]*gorm.DB, len(legs))
	for _, l := range legs {
		txs[l.name] = wrapReadOnly(l.tx, mode)
	}

	scopedCtx := context.WithValue(ctx, scopeKey{}, &scope{mode: mode, txs: txs})

	if err := callFn(scopedCtx, fn); err != nil {
		rollbackAll()
		return err
	}

	for i, l := range legs {
		if err := l.tx.Commit().Error; err != nil {
			// Partial commits among legs[0:i] remain per the best-effort
			// atomicity guarantee; still release every connection.
			for j := i + 1; j < len(legs); j++ {
				legs[j].tx.Rollback()
			}
			for _, l2 := range legs {
				l2.release()
			}
			return fmt.Errorf("txcoord: commit on %q: %w: %v", l.name, schederr.ErrTransaction, err)
		}
	}
	for _, l := range legs {
		l.release()
	}

	return nil
}

// callFn recovers a panic in fn into an error so every acquired leg is
// still rolled back and released.
func callFn(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("txcoord: panic in transactional function: %v", r)
		}
	}()
	return fn(ctx)
}

// readOnlyMarker is the per-statement setting (gorm.DB.Set/Get) that
// the guard callbacks registered by ensureReadOnlyGuard check for. It
// is set only on the leg's own *gorm.DB handle, via wrapReadOnly, never
// globally, so read-write legs of the same coordinator call (or of any
// other transaction sharing the underlying connection pool) are
// unaffected.
const readOnlyMarker = "txcoord:read_only"

// guardedCallbacks tracks which *gorm.Config processors already have
// the read-only guard registered, so concurrent Run calls against the
// same pool register it at most once.
var (
	guardedMu        sync.Mutex
	guardedCallbacks = map[*gorm.Config]struct{}{}
)

// ensureReadOnlyGuard registers, once per underlying *gorm.Config, the
// before-hooks that actually enforce ReadOnly mode: a write statement
// issued through a tx carrying readOnlyMarker is aborted with
// ErrReadOnlyViolation before it reaches the database, the same way a
// soft-delete or multi-tenancy gorm plugin intercepts the write path
// rather than requiring every caller to check a flag by hand.
func ensureReadOnlyGuard(db *gorm.DB) {
	guardedMu.Lock()
	defer guardedMu.Unlock()
	if _, ok := guardedCallbacks[db.Config]; ok {
		return
	}
	guardedCallbacks[db.Config] = struct{}{}

	reject := func(tx *gorm.DB) {
		if v, ok := tx.Get(readOnlyMarker); ok && v == true {
			tx.AddError(schederr.ErrReadOnlyViolation)
		}
	}
	cb := db.Callback()
	cb.Create().Before("gorm:create").Register("txcoord:guard_create", reject)
	cb.Update().Before("gorm:update").Register("txcoord:guard_update", reject)
	cb.Delete().Before("gorm:delete").Register("txcoord:guard_delete", reject)
	cb.Raw().Before("gorm:raw").Register("txcoord:guard_raw", reject)
}

// wrapReadOnly marks tx so the callbacks registered by
// ensureReadOnlyGuard reject any write issued through it.
func wrapReadOnly(tx *gorm.DB, mode Mode) *gorm.DB {
	if mode != ReadOnly {
		return tx
	}
	return tx.Set(readOnlyMarker, true)
}

// DB fetches the named leg's transaction handle from a context
// established by Run. A component calling DB outside of Run, or for a
// name not passed to Run, gets (nil, false).
func DB(ctx context.Context, name string) (*gorm.DB, bool) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil, false
	}
	tx, ok := s.txs[name]
	return tx, ok
}

// MustDB is DB but panics if name was not part of the enclosing Run
// call; for use deep inside handler code where a missing leg is a
// programming error, not a runtime condition to recover from.
func MustDB(ctx context.Context, name string) *gorm.DB {
	tx, ok := DB(ctx, name)
	if !ok {
		panic(fmt.Sprintf("txcoord: no transaction scope for database %q", name))
	}
	return tx
}

// Guard rejects a write attempt when the enclosing scope is read-only.
// Every write issued through the *gorm.DB handles DB/MustDB return is
// already rejected automatically by the callbacks ensureReadOnlyGuard
// installs; Guard exists for the remaining case — a handler that drops
// down to the statement's raw database/sql connection pool directly,
// bypassing gorm's callback chain entirely — and should be called
// before such a statement runs.
func Guard(ctx context.Context, write bool) error {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		return nil
	}
	if write && s.mode == ReadOnly {
		return schederr.ErrReadOnlyViolation
	}
	return nil
}
