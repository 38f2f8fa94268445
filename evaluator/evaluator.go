// Package evaluator declares the contract of the statechart evaluator the
// engine depends on but does not own (spec §1, §6). The transition
// function is treated as a pure library: given a previous State and an
// Event it produces a next State, never touching persistence, timers, or
// activities itself.
package evaluator

import "encoding/json"

// Event is an opaque tagged value consumed by the evaluator. The engine
// never inspects fields other than Type, except when journaling deltas.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Context is an opaque JSON-compatible value carried alongside State.
type Context = json.RawMessage

// Action is one side-effect request produced by a transition, dispatched
// by xjog's chartexec package per spec §4.6.1.
type Action struct {
	Type       string          `json:"type"` // exec|send|cancel|start|stop|log|init|...
	ActivityID string          `json:"activityId,omitempty"`
	SendID     string          `json:"sendId,omitempty"`
	To         string          `json:"to,omitempty"` // routing target; "" = self, "parent" = parent
	Delay      *int64          `json:"delayMs,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	// AutoForward marks a "start" action's spawned activity as a target for
	// every future event the owning chart processes (spec §4.5/§4.6 step
	// 14), not just the events the activity itself emits.
	AutoForward bool `json:"autoForward,omitempty"`
}

// State is the opaque composed snapshot the engine persists and resumes
// from: value, context, and whatever the evaluator needs internally.
type State struct {
	Value    string          `json:"value"`
	Context  Context         `json:"context"`
	Actions  []Action        `json:"actions,omitempty"`
	Done     bool            `json:"done,omitempty"`
	DoneData json.RawMessage `json:"doneData,omitempty"`
	Internal json.RawMessage `json:"internal,omitempty"` // evaluator-private bookkeeping
	// Digests is the set of digest key/values this transition produced
	// (spec §4.6 step 8, §6), written alongside the journal/full-state
	// entry by the digest writer.
	Digests map[string]string `json:"digests,omitempty"`
}

// Evaluator computes transitions for one machine definition. Implementations
// must be pure with respect to engine state: no I/O, no shared mutable
// state across calls for different charts.
type Evaluator interface {
	// Initial returns the machine's initial State given a construction
	// context (e.g. options passed to Engine.CreateChart).
	Initial(context Context) (State, error)

	// Transition computes the next State for an incoming event. Errors are
	// surfaced to the caller as xjogerr.ErrTransitionFailed; the chart's
	// in-memory state is left unchanged.
	Transition(prev State, event Event) (State, error)

	// EntryActions returns the action list that should re-run when a chart
	// is rehydrated (e.g. after adoption) without re-executing "init"
	// actions, per spec §4.6.1.
	EntryActions(s State, rehydrate bool) []Action
}

// Machine pairs an Evaluator with its construction options and an id,
// enough for MachineRegistry to build a ChartExecutor.
type Machine struct {
	ID        string
	Evaluator Evaluator
	// ServiceCreators maps an activity id named in a "start" action to a
	// factory producing that activity's spawnable. Populated by callers of
	// Engine.RegisterMachine; xjog never inspects the factories themselves.
	ServiceCreators map[string]ServiceCreator
}

// ServiceCreator builds a Spawnable for a "start"/invoke action.
type ServiceCreator func(context Context, event Event) (Spawnable, error)

// SpawnKind enumerates the activity shapes spec §4.6.1 defines.
type SpawnKind string

const (
	SpawnPromise    SpawnKind = "promise"
	SpawnCallback   SpawnKind = "callback"
	SpawnObservable SpawnKind = "observable"
	SpawnChart      SpawnKind = "chart"
)

// Spawnable is what a ServiceCreator returns: enough for ActivityManager to
// register and later stop the side effect, regardless of its kind.
type Spawnable interface {
	Kind() SpawnKind
	// Start begins the side effect, emitting events to the sink until Stop
	// is called or the activity completes/errors on its own.
	Start(sink func(Event)) error
	Stop() error
	// Send delivers an inbound event to a callback-kind activity. Other
	// kinds ignore it.
	Send(Event)
}
