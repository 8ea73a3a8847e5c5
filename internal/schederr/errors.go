// Package schederr collects the error kinds from the scheduler's
// error-handling design: each is a sentinel that callers match with
// errors.Is, wrapped with context via fmt.Errorf("...: %w", ...).
package schederr

import "errors"

var (
	// ErrPoolExhausted is returned by a Database Registry pool's Acquire
	// when no connection became free before the caller's timeout.
	// Transient; callers retry on the next tick.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrQueryExecution wraps a driver-level failure during execute/fetch.
	// Aborts the enclosing transaction.
	ErrQueryExecution = errors.New("query execution error")

	// ErrTransaction is raised by the Transaction Coordinator when a
	// commit or begin fails; rollback of the remaining legs has already
	// been attempted by the time this reaches the caller.
	ErrTransaction = errors.New("transaction error")

	// ErrReadOnlyViolation is raised when a write is attempted through a
	// coordinator opened in read-only mode.
	ErrReadOnlyViolation = errors.New("read-only violation")

	// ErrNestedTransaction is raised when txcoord.Run is invoked again on
	// a context that already carries an active coordinator scope.
	ErrNestedTransaction = errors.New("nested transaction coordinator scope")

	// ErrCronParse means the cron expression failed to parse.
	ErrCronParse = errors.New("cron parse error")

	// ErrCronIntervalTooShort means the cron job's minimum firing
	// interval is below the dispatcher's configured floor.
	ErrCronIntervalTooShort = errors.New("cron interval too short")

	// ErrHandlerNotFound means handler_name has no registered factory.
	// Terminal: the worker records FAILED without retrying.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrHandlerTimeout means the handler's deadline elapsed before it
	// returned.
	ErrHandlerTimeout = errors.New("handler timed out")

	// ErrHandlerFailure tags a handler's own returned error (or a
	// recovered panic) so it is distinguishable from ErrHandlerNotFound
	// and ErrHandlerTimeout at the call site, and from errors raised by
	// the worker's own bookkeeping queries.
	ErrHandlerFailure = errors.New("handler failure")

	// ErrQueueAdapter covers any connect/receive/ack failure at the
	// queue adapter boundary.
	ErrQueueAdapter = errors.New("queue adapter error")

	// ErrDuplicateHandlerName is raised at startup when two handler
	// factories register under the same name. Fatal.
	ErrDuplicateHandlerName = errors.New("duplicate handler name")
)
