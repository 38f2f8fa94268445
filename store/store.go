// Package store implements PersistenceStore (spec §4.1): transactional
// storage for instances, charts, deferred events, activity registrations,
// and external ids, over PostgreSQL via pgx.
package store

import (
	"context"
	"time"

	"github.com/evalgo/xjog/model"
)

// TxFunc is the unit of work run inside WithTransaction.
type TxFunc func(ctx context.Context, tx Store) error

// Store is the transactional interface every component above it depends
// on. The top-level Store obtained from New() is also a TxFunc's handle
// during WithTransaction, so callers write against the same interface
// whether or not they are inside a transaction.
type Store interface {
	// WithTransaction executes fn within a single DB transaction. On any
	// error returned by fn, or any error from commit, the transaction
	// aborts and the error propagates wrapped in *xjogerr.TransactionError.
	// Nested calls must not share transactions (calling WithTransaction
	// again on the tx handle passed to fn is a caller error).
	WithTransaction(ctx context.Context, fn TxFunc) error

	// Instance lifecycle (spec §4.1, §4.3)
	OverthrowOtherInstances(ctx context.Context, selfID string) error
	InsertInstance(ctx context.Context, selfID string) error
	RemoveInstance(ctx context.Context, selfID string) error
	CountAliveInstances(ctx context.Context) (int, error)
	IsDying(ctx context.Context, selfID string) (bool, error)
	ListInstances(ctx context.Context) ([]model.Instance, error)

	// Adoption (spec §4.1, §4.3)
	GentlyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error)
	ForciblyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error)
	CountPausedCharts(ctx context.Context) (int, error)
	CountOwnCharts(ctx context.Context, selfID string) (int, error)

	// Chart CRUD (spec §4.1)
	InsertChart(ctx context.Context, c model.Chart) error
	ReadChart(ctx context.Context, ref model.ChartReference) (model.Chart, error)
	UpdateChartState(ctx context.Context, ref model.ChartReference, state []byte) error
	DeleteChart(ctx context.Context, ref model.ChartReference) error

	// Deferred events (spec §4.1, §4.4)
	InsertDeferredEvent(ctx context.Context, e model.DeferredEvent) (model.DeferredEvent, error)
	ReadDeferredEventRowBatch(ctx context.Context, selfID string, batchSize int, lookAhead time.Duration) ([]model.DeferredEvent, error)
	ReleaseDeferredEvent(ctx context.Context, id int64) error
	DeleteDeferredEvent(ctx context.Context, id int64) error
	DeleteAllDeferredEvents(ctx context.Context, ref model.ChartReference) error
	UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error

	// Activities (spec §4.1, §4.5)
	RegisterActivity(ctx context.Context, a model.OngoingActivity) error
	UnregisterActivity(ctx context.Context, ref model.ChartReference, activityID string) error
	IsActivityRegistered(ctx context.Context, ref model.ChartReference, activityID string) (bool, error)

	// External ids (spec §4.1, §6)
	RegisterExternalID(ctx context.Context, id model.ExternalID) error
	DropExternalID(ctx context.Context, key, value string) error
	GetChartByExternalIdentifier(ctx context.Context, key, value string) (model.ChartReference, error)

	// OnDeathNote subscribes to instances.dying becoming true for selfID;
	// cb fires at most once. Best-effort within a bounded interval (spec
	// §4.1): implementations may poll or use LISTEN/NOTIFY. Returns a
	// cancel func.
	OnDeathNote(ctx context.Context, selfID string, cb func()) (cancel func())

	Close()
}
