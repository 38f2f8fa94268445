// Package journal implements JournalStore (spec §4.2): the append-only
// history of every chart transition, recorded as backward deltas, plus the
// latest-snapshot "full state" table queries are served from.
package journal

import (
	"context"
	"encoding/json"

	"github.com/evalgo/xjog/model"
)

// Record is one transition worth of inputs: the event that caused it and
// the value/context pair before and after. Store computes and persists the
// deltas itself.
type Record struct {
	Ref          model.ChartReference
	ParentRef    *model.ChartReference
	OwnerID      string
	Event        json.RawMessage
	OldState     json.RawMessage
	OldContext   json.RawMessage
	NewState     json.RawMessage
	NewContext   json.RawMessage
}

// Store is JournalStore per spec §4.2.
type Store interface {
	// RecordEntry appends one journal row and upserts the chart's full
	// state snapshot, in a single transaction.
	RecordEntry(ctx context.Context, r Record) (model.JournalEntry, error)

	ReadEntry(ctx context.Context, id int64) (model.JournalEntry, error)
	QueryEntries(ctx context.Context, q model.JournalQuery) ([]model.JournalEntry, error)

	ReadFullState(ctx context.Context, ref model.ChartReference) (model.FullStateEntry, error)
	QueryFullStates(ctx context.Context, filter model.ChartFilter, order model.Order, limit, offset int) ([]model.FullStateEntry, error)

	// ReadMergedJournalEntry reconstructs the state/context as of entryID by
	// walking backward from the chart's current full state, applying each
	// entry's delta in turn (time travel, spec §4.2).
	ReadMergedJournalEntry(ctx context.Context, ref model.ChartReference, entryID int64) (model.JournalEntry, error)

	// SubscribeNewEntries streams every journal row matching filter,
	// recorded anywhere after subscription, via the configured NOTIFY
	// channel (spec §6). An unset filter matches every chart. The returned
	// cancel func stops delivery and closes the channel.
	SubscribeNewEntries(ctx context.Context, filter model.ChartFilter) (<-chan model.JournalEntry, func(), error)

	// SubscribeFullStates streams the updated full-state row each time a
	// chart matching filter transitions.
	SubscribeFullStates(ctx context.Context, filter model.ChartFilter) (<-chan model.FullStateEntry, func(), error)

	// WriteDigests upserts values for ref, one row per map key, as the
	// digest-writer hook of spec §4.6 step 8.
	WriteDigests(ctx context.Context, ref model.ChartReference, values map[string]string) error

	// QueryDigests resolves filter (spec §6's "Event query filters") against
	// every chart's latest full state joined with its current digest rows,
	// returning the matching chart references.
	QueryDigests(ctx context.Context, filter model.EventFilter) ([]model.ChartReference, error)

	// SubscribeDigests streams the chart reference of every digest row
	// written after subscription, via the new-digest-entry NOTIFY channel.
	SubscribeDigests(ctx context.Context) (<-chan model.ChartReference, func(), error)

	Close()
}
