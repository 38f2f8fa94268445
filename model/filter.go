package model

import "time"

// ChartFilter is a composable boolean tree used by journal/store queries:
// {and, or, not, machineId regex, chartId regex, state match, externalId
// regex map} per spec §6.
type ChartFilter struct {
	And []ChartFilter
	Or  []ChartFilter
	Not *ChartFilter

	MachineIDPattern string // regex, empty = unconstrained
	ChartIDPattern   string // regex, empty = unconstrained

	// StateValueEquals matches the evaluator's reported state value exactly
	// (e.g. "open", or a composite path for parallel states).
	StateValueEquals string

	// ExternalIDPatterns maps external-id key -> regex the value must match.
	ExternalIDPatterns map[string]string
}

// IDBound expresses an id-range constraint as used by journal queries:
// after/afterAndIncluding/before/beforeAndIncluding per spec §4.2.
type IDBound struct {
	After               *int64
	AfterAndIncluding   *int64
	Before              *int64
	BeforeAndIncluding  *int64
}

// TimeBound constrains a query to a created/updated time window.
type TimeBound struct {
	After  *time.Time
	Before *time.Time
}

// Order is the sort direction for a paged query.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// JournalQuery composes a ChartFilter with id/time bounds and paging, used
// by JournalStore.QueryEntries / QueryFullStates.
type JournalQuery struct {
	Ref       *ChartReference
	ParentRef *ChartReference
	MachineID string

	ID   IDBound
	Time TimeBound

	Limit  int
	Offset int
	Order  Order
}

// EventFilter is the boolean tree used for digest/metadata queries per
// spec §6: {and, or, not, eq, matches, <, <=, >, >=, created/updated
// before/after} against digest keys and chart metadata.
type EventFilter struct {
	And []EventFilter
	Or  []EventFilter
	Not *EventFilter

	Key     string // digest key this leaf constrains, empty if a metadata leaf
	Eq      any
	Matches string // regex
	Lt, Lte any
	Gt, Gte any

	CreatedBefore *time.Time
	CreatedAfter  *time.Time
	UpdatedBefore *time.Time
	UpdatedAfter  *time.Time

	// Metadata leaves, mirroring ChartFilter: set one of these (with Key
	// left empty) to constrain the owning chart itself rather than a digest
	// value.
	MachineIDPattern   string
	ChartIDPattern     string
	StateValueEquals   string
	ExternalIDPatterns map[string]string
}
