package model

import (
	"encoding/json"
	"time"
)

// Instance is one engine process.
type Instance struct {
	InstanceID string
	StartedAt  time.Time
	Dying      bool
}

// Chart is the persistent state of one running machine.
//
// State is the opaque evaluator snapshot: value, context, and whatever
// metadata the evaluator needs to resume. The engine never looks inside it
// except to pass it back to the evaluator and to diff it for the journal.
type Chart struct {
	Ref       ChartReference
	ParentRef *ChartReference
	OwnerID   string
	State     json.RawMessage
	Paused    bool
}

// EventTarget names where a DeferredEvent should be delivered.
type EventTarget struct {
	// Chart routes to another chart by reference. Nil if not set.
	Chart *ChartReference
	// ActivityID routes to a running activity of the owning chart.
	ActivityID string
	// Parent routes to the owning chart's ParentRef.
	Parent bool
}

// IsZero reports an unset target, meaning "deliver to the event's own ref".
func (t EventTarget) IsZero() bool {
	return t.Chart == nil && t.ActivityID == "" && !t.Parent
}

// DeferredEvent is a timer-scheduled event awaiting delivery to a chart.
//
// EventID is treated as an opaque idempotency key: callers must get back
// exactly the JSON they handed in, so it is stored and compared as raw
// marshaled bytes rather than decoded.
type DeferredEvent struct {
	ID        int64
	Ref       ChartReference
	EventID   json.RawMessage
	EventTo   EventTarget
	Event     json.RawMessage
	Delay     time.Duration
	CreatedAt time.Time
	Due       time.Time
	Lock      string // instanceId holding the row, "" if unlocked
}

// OngoingActivity is a marker row: this chart has a live side effect and
// cannot be gently adopted.
type OngoingActivity struct {
	Ref        ChartReference
	ActivityID string
}

// ExternalID is a secondary (key, value) -> chart lookup.
type ExternalID struct {
	Key   string
	Value string
	Ref   ChartReference
}

// JournalEntry is one immutable delta record. StateDelta/ContextDelta are
// RFC 6902 JSON Patch documents that, applied to New, reproduce Old — see
// DESIGN.md's "Delta direction" decision.
type JournalEntry struct {
	ID            int64
	Ref           ChartReference
	ParentRef     *ChartReference
	Timestamp     time.Time
	Event         json.RawMessage
	State         json.RawMessage
	Context       json.RawMessage
	StateDelta    json.RawMessage
	ContextDelta  json.RawMessage
}

// FullStateEntry is the latest snapshot of one chart in the journal.
type FullStateEntry struct {
	ID        int64
	Created   time.Time
	Timestamp time.Time
	OwnerID   string
	Ref       ChartReference
	ParentRef *ChartReference
	Event     json.RawMessage
	State     json.RawMessage
	Context   json.RawMessage
}

// ChangeType enumerates the kinds of StateChange.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ValueAndContext bundles the two halves of a snapshot that a StateChange
// carries for "old" and "new".
type ValueAndContext struct {
	Value   json.RawMessage
	Context json.RawMessage
	Actions []string
}

// StateChange is the in-memory broadcast value describing one transition.
type StateChange struct {
	Type      ChangeType
	Ref       ChartReference
	ParentRef *ChartReference
	Event     json.RawMessage
	Old       *ValueAndContext
	New       *ValueAndContext
}
