// Package chartexec implements ChartExecutor (spec §4.6) and the action
// dispatch table (§4.6.1): the only component allowed to call into an
// evaluator's Transition, guarded by one timed mutex per chart so that two
// concurrent sends to the same chart never race.
//
// Grounded on coordinator/phases.go's PhaseManager (mutex-guarded map of
// per-id state, a transition-validity table, an on-change callback),
// generalized here from a fixed set of workflow phases to arbitrary
// evaluator-produced States, and on coordinator/coordinator.go's sequential
// hook dispatch, generalized to the action-type dispatch table below.
package chartexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/journal"
	"github.com/evalgo/xjog/machineregistry"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/xjogerr"
)

// Store is the slice of PersistenceStore this package depends on.
type Store interface {
	InsertChart(ctx context.Context, c model.Chart) error
	ReadChart(ctx context.Context, ref model.ChartReference) (model.Chart, error)
	UpdateChartState(ctx context.Context, ref model.ChartReference, state []byte) error
	DeleteChart(ctx context.Context, ref model.ChartReference) error
}

// Journal is the slice of JournalStore this package depends on.
type Journal interface {
	RecordEntry(ctx context.Context, r journal.Record) (model.JournalEntry, error)
}

// Activities is the slice of ActivityManager this package depends on.
type Activities interface {
	RegisterActivity(ctx context.Context, ref model.ChartReference, activityID string, creator evaluator.ServiceCreator, construction evaluator.Context, event evaluator.Event, autoForward bool) (string, error)
	StopActivity(ctx context.Context, ref model.ChartReference, activityID string) error
	StopAllForChart(ctx context.Context, ref model.ChartReference) error
	SendTo(ref model.ChartReference, activityID string, ev evaluator.Event) error
	// SendAutoForwardEvent relays ev, a chart's own just-processed event, to
	// every activity of ref registered with autoForward=true (spec §4.6
	// step 14).
	SendAutoForwardEvent(ref model.ChartReference, ev evaluator.Event)
}

// Digests is the slice of JournalStore's digest-writing surface this
// package depends on (spec §4.6 step 8's digest writer, §6's digests
// table).
type Digests interface {
	WriteDigests(ctx context.Context, ref model.ChartReference, values map[string]string) error
}

// Deferrer is the slice of DeferredEventManager this package depends on.
type Deferrer interface {
	Defer(ctx context.Context, ref model.ChartReference, eventID json.RawMessage, to model.EventTarget, event json.RawMessage, delay time.Duration) (model.DeferredEvent, error)
	Cancel(ctx context.Context, id int64) error
	CancelAllForChart(ctx context.Context, ref model.ChartReference) error
}

// Registry is the slice of MachineRegistry this package depends on.
type Registry interface {
	Machine(machineID string) (evaluator.Machine, error)
	GetChart(ref model.ChartReference) (*machineregistry.Chart, bool)
	PutChart(ref model.ChartReference, c *machineregistry.Chart) error
	Evict(ref model.ChartReference)
}

// Observer receives every committed StateChange, in delivery order per
// chart (spec §4.8's Changes stream).
type Observer func(model.StateChange)

// Hook runs before a transition is persisted (spec §4.6 step 8): the
// journal write is always the first hook, installed by New; callers add
// more via InstallHook (e.g. a delta writer or a user hook). A hook error
// aborts the send before anything touches the store or the chart cache —
// spec §7's HookFailure.
type Hook func(ctx context.Context, sc model.StateChange) error

// Config bounds the timed mutex (spec §5, §7).
type Config struct {
	// MutexTimeout bounds how long Send waits to acquire a chart's mutex
	// before giving up. A timeout is treated as fatal: OnFatal (if set) is
	// invoked and ErrMutexTimeout is returned to the caller.
	MutexTimeout time.Duration
}

// ContextPatch is the opaque patch value send's contextPatch? parameter
// carries (spec §4.6): either a json.RawMessage/[]byte shallow-merge patch,
// or a func(evaluator.Context) evaluator.Context for callers already
// holding a decoded patch.
type ContextPatch any

// SendOptions carries send's optional parameters (spec §4.6:
// send(event, contextPatch?, sendId?)).
type SendOptions struct {
	// ContextPatch, if set, is applied to the chart's context before the
	// evaluator's Transition runs.
	ContextPatch ContextPatch
	// SendID names this send for later cancellation via a "cancel" action,
	// mirroring the sendId a delayed "send" action already threads through
	// Deferrer.
	SendID string
}

// Executor is ChartExecutor: create/send/destroy plus action dispatch.
type Executor struct {
	store      Store
	journal    Journal
	digests    Digests
	activities Activities
	deferred   Deferrer
	registry   Registry
	log        *logrus.Entry
	cfg        Config

	mutexes *mutexTable

	// OnFatal is invoked (never by more than one goroutine concurrently per
	// call, but possibly from many different chart goroutines) when a
	// mutex acquisition times out. The engine wires this to its own
	// shutdown sequence. Nil is a valid no-op.
	OnFatal func(err error)

	obsMu     sync.RWMutex
	observers []Observer

	hookMu sync.RWMutex
	hooks  []Hook

	sendMu  sync.Mutex
	sendIDs map[string]int64 // ref.String()+"/"+sendId -> deferred row id
}

// New builds an Executor. cfg.MutexTimeout defaults to 2 seconds if zero,
// matching the spec's documented default.
func New(st Store, j Journal, dig Digests, act Activities, def Deferrer, reg Registry, cfg Config, log *logrus.Entry) *Executor {
	if cfg.MutexTimeout <= 0 {
		cfg.MutexTimeout = 2 * time.Second
	}
	return &Executor{
		store:      st,
		journal:    j,
		digests:    dig,
		activities: act,
		deferred:   def,
		registry:   reg,
		log:        log,
		cfg:        cfg,
		mutexes:    newMutexTable(),
		sendIDs:    make(map[string]int64),
	}
}

// Subscribe registers obs for every future StateChange, returning an
// unsubscribe func.
func (x *Executor) Subscribe(obs Observer) func() {
	x.obsMu.Lock()
	x.observers = append(x.observers, obs)
	idx := len(x.observers) - 1
	x.obsMu.Unlock()
	return func() {
		x.obsMu.Lock()
		x.observers[idx] = nil
		x.obsMu.Unlock()
	}
}

// InstallHook adds fn to the sequence run before every transition is
// persisted (journal writer runs first, built in). Returns an uninstaller.
func (x *Executor) InstallHook(fn Hook) func() {
	x.hookMu.Lock()
	x.hooks = append(x.hooks, fn)
	idx := len(x.hooks) - 1
	x.hookMu.Unlock()
	return func() {
		x.hookMu.Lock()
		x.hooks[idx] = nil
		x.hookMu.Unlock()
	}
}

func (x *Executor) runHooks(ctx context.Context, sc model.StateChange) error {
	x.hookMu.RLock()
	hooks := append([]Hook{}, x.hooks...)
	x.hookMu.RUnlock()
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if err := h(ctx, sc); err != nil {
			return fmt.Errorf("%w: %v", xjogerr.ErrHookFailure, err)
		}
	}
	return nil
}

func (x *Executor) broadcast(c model.StateChange) {
	x.obsMu.RLock()
	defer x.obsMu.RUnlock()
	for _, obs := range x.observers {
		if obs != nil {
			obs(c)
		}
	}
}

// Create builds a fresh chart from the machine's initial state, persists
// it, journals the creation as its own entry, and dispatches any actions
// the initial state requests.
func (x *Executor) Create(ctx context.Context, ref model.ChartReference, parentRef *model.ChartReference, ownerID string, construction evaluator.Context) (model.Chart, error) {
	machine, err := x.registry.Machine(ref.MachineID)
	if err != nil {
		return model.Chart{}, err
	}
	initial, err := machine.Evaluator.Initial(construction)
	if err != nil {
		return model.Chart{}, fmt.Errorf("chartexec: initial state for %s: %w", ref, err)
	}
	stateJSON, err := json.Marshal(initial)
	if err != nil {
		return model.Chart{}, fmt.Errorf("chartexec: marshal initial state: %w", err)
	}

	chart := model.Chart{Ref: ref, ParentRef: parentRef, OwnerID: ownerID, State: stateJSON}
	if err := x.store.InsertChart(ctx, chart); err != nil {
		return model.Chart{}, err
	}

	createEvent := evaluator.Event{Type: "xjog.create"}
	createEventJSON, _ := json.Marshal(createEvent)
	if _, err := x.journal.RecordEntry(ctx, journal.Record{
		Ref:        ref,
		ParentRef:  parentRef,
		OwnerID:    ownerID,
		Event:      createEventJSON,
		OldState:   nil,
		OldContext: nil,
		NewState:   jsonString(initial.Value),
		NewContext: initial.Context,
	}); err != nil {
		return model.Chart{}, err
	}

	x.registry.PutChart(ref, &machineregistry.Chart{Ref: ref, State: initial})

	if len(initial.Digests) > 0 {
		if err := x.digests.WriteDigests(ctx, ref, initial.Digests); err != nil {
			x.log.WithError(err).WithField("chart", ref.String()).Warn("chartexec: failed to write initial digests")
		}
	}

	x.broadcast(model.StateChange{
		Type: model.ChangeCreate, Ref: ref, ParentRef: parentRef, Event: createEventJSON,
		New: ptrValueAndContext(initial),
	})

	x.dispatchActions(ctx, ref, parentRef, machine, createEvent, initial.Actions)
	return chart, nil
}

// Send delivers event to ref under its chart mutex: loads the current
// state, applies opts.ContextPatch (if set), runs the evaluator's
// Transition, persists the new state and its journal entry, then (after
// releasing the mutex) dispatches actions, relays event to every
// autoForward activity, and notifies observers.
func (x *Executor) Send(ctx context.Context, ref model.ChartReference, event evaluator.Event, opts SendOptions) (model.JournalEntry, error) {
	mu := x.mutexes.get(ref.String())
	if err := mu.acquire(ctx, x.cfg.MutexTimeout); err != nil {
		if err == xjogerr.ErrMutexTimeout {
			x.log.WithField("chart", ref.String()).Error("chartexec: mutex acquisition timed out, treating as fatal")
			if x.OnFatal != nil {
				x.OnFatal(err)
			}
		}
		return model.JournalEntry{}, err
	}

	entry, chart, machine, prevState, nextState, dispatchEvent, err := x.sendLocked(ctx, ref, event, opts)
	mu.release()
	if err != nil {
		return model.JournalEntry{}, err
	}

	x.broadcast(model.StateChange{
		Type: model.ChangeUpdate, Ref: ref, ParentRef: chart.ParentRef, Event: entry.Event,
		Old: ptrValueAndContext(prevState), New: ptrValueAndContext(nextState),
	})

	x.dispatchActions(ctx, ref, chart.ParentRef, machine, dispatchEvent, nextState.Actions)
	x.activities.SendAutoForwardEvent(ref, dispatchEvent)

	if nextState.Done && chart.ParentRef != nil {
		doneEvent := evaluator.Event{Type: fmt.Sprintf("done.invoke.%s", ref.ChartID), Data: nextState.DoneData}
		go func() {
			if _, err := x.Send(context.Background(), *chart.ParentRef, doneEvent, SendOptions{}); err != nil {
				x.log.WithError(err).WithField("chart", chart.ParentRef.String()).
					Warn("chartexec: failed to deliver done.invoke to parent")
			}
		}()
	}

	return entry, nil
}

// sendLocked performs the load-patch-transition-persist sequence while the
// caller holds ref's mutex. Split out of Send so the mutex is released
// before any action dispatch, which may itself call back into Send for a
// different (or even the same) chart.
func (x *Executor) sendLocked(ctx context.Context, ref model.ChartReference, event evaluator.Event, opts SendOptions) (model.JournalEntry, model.Chart, evaluator.Machine, evaluator.State, evaluator.State, evaluator.Event, error) {
	chart, err := x.store.ReadChart(ctx, ref)
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, evaluator.Machine{}, evaluator.State{}, evaluator.State{}, event, err
	}
	machine, err := x.registry.Machine(ref.MachineID)
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, evaluator.Machine{}, evaluator.State{}, evaluator.State{}, event, err
	}

	var prevState evaluator.State
	if cached, ok := x.registry.GetChart(ref); ok {
		prevState = cached.State
	} else if err := json.Unmarshal(chart.State, &prevState); err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, evaluator.State{}, evaluator.State{}, event, fmt.Errorf("chartexec: unmarshal chart state: %w", err)
	}

	transitionState := prevState
	if opts.ContextPatch != nil {
		patched, err := applyContextPatch(prevState.Context, opts.ContextPatch)
		if err != nil {
			return model.JournalEntry{}, model.Chart{}, machine, prevState, evaluator.State{}, event,
				fmt.Errorf("chartexec: apply context patch: %w", err)
		}
		transitionState.Context = patched
	}

	nextState, err := machine.Evaluator.Transition(transitionState, event)
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, prevState, evaluator.State{}, event,
			fmt.Errorf("%w: %v", xjogerr.ErrTransitionFailed, err)
	}

	eventForHookJSON, _ := json.Marshal(event)
	if err := x.runHooks(ctx, model.StateChange{
		Type: model.ChangeUpdate, Ref: ref, ParentRef: chart.ParentRef, Event: eventForHookJSON,
		Old: ptrValueAndContext(prevState), New: ptrValueAndContext(nextState),
	}); err != nil {
		// Nothing has been persisted or cached yet, so there is nothing to
		// roll back: the in-memory state the next Send sees is still prevState.
		return model.JournalEntry{}, model.Chart{}, machine, prevState, nextState, event, err
	}

	nextStateJSON, err := json.Marshal(nextState)
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, prevState, nextState, event, fmt.Errorf("chartexec: marshal next state: %w", err)
	}
	if err := x.store.UpdateChartState(ctx, ref, nextStateJSON); err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, prevState, nextState, event, err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, prevState, nextState, event, fmt.Errorf("chartexec: marshal event: %w", err)
	}
	entry, err := x.journal.RecordEntry(ctx, journal.Record{
		Ref: ref, ParentRef: chart.ParentRef, OwnerID: chart.OwnerID,
		Event:      eventJSON,
		OldState:   jsonString(prevState.Value),
		OldContext: prevState.Context,
		NewState:   jsonString(nextState.Value),
		NewContext: nextState.Context,
	})
	if err != nil {
		return model.JournalEntry{}, model.Chart{}, machine, prevState, nextState, event, err
	}

	if len(nextState.Digests) > 0 {
		if err := x.digests.WriteDigests(ctx, ref, nextState.Digests); err != nil {
			x.log.WithError(err).WithField("chart", ref.String()).Warn("chartexec: failed to write digests")
		}
	}

	x.registry.PutChart(ref, &machineregistry.Chart{Ref: ref, State: nextState})
	return entry, chart, machine, prevState, nextState, event, nil
}

// applyContextPatch applies patch to base, supporting a
// func(evaluator.Context) evaluator.Context for callers that already
// decoded their patch, or a json.RawMessage/[]byte shallow-merge patch
// (spec §4.6's contextPatch?).
func applyContextPatch(base evaluator.Context, patch ContextPatch) (evaluator.Context, error) {
	switch p := patch.(type) {
	case func(evaluator.Context) evaluator.Context:
		return p(base), nil
	case json.RawMessage:
		return shallowMergeContext(base, p)
	case []byte:
		return shallowMergeContext(base, p)
	default:
		return nil, fmt.Errorf("unsupported contextPatch type %T", patch)
	}
}

// shallowMergeContext merges patch's top-level keys into base (a
// json.RawMessage object), patch keys winning on collision. Both must
// decode to JSON objects; an empty/nil base is treated as {}.
func shallowMergeContext(base, patch json.RawMessage) (evaluator.Context, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decode base context: %w", err)
		}
	}
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, fmt.Errorf("decode context patch: %w", err)
	}
	for k, v := range patchFields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged context: %w", err)
	}
	return out, nil
}

// RunStep rehydrates a chart after adoption: it loads the chart's persisted
// state, re-primes the machine cache, and re-dispatches the state's entry
// actions with rehydrate=true so "init" actions are skipped but "start"
// (invoke) actions re-register their activities (spec §4.3, §4.5 — activity
// rows are markers only, the machine definition recreates the activity
// itself). No transition occurs and no journal entry is written.
func (x *Executor) RunStep(ctx context.Context, ref model.ChartReference) error {
	mu := x.mutexes.get(ref.String())
	if err := mu.acquire(ctx, x.cfg.MutexTimeout); err != nil {
		return err
	}
	defer mu.release()

	chart, err := x.store.ReadChart(ctx, ref)
	if err != nil {
		return err
	}
	machine, err := x.registry.Machine(ref.MachineID)
	if err != nil {
		return err
	}
	var state evaluator.State
	if err := json.Unmarshal(chart.State, &state); err != nil {
		return fmt.Errorf("chartexec: unmarshal chart state for runStep: %w", err)
	}
	x.registry.PutChart(ref, &machineregistry.Chart{Ref: ref, State: state})

	actions := machine.Evaluator.EntryActions(state, true)
	x.dispatchActions(ctx, ref, chart.ParentRef, machine, evaluator.Event{Type: "xjog.runStep"}, actions)
	return nil
}

// Destroy stops every live activity and cancels every pending deferred
// event for ref, then deletes its chart row. The journal is append-only
// and is never pruned by Destroy.
func (x *Executor) Destroy(ctx context.Context, ref model.ChartReference) error {
	if err := x.activities.StopAllForChart(ctx, ref); err != nil {
		x.log.WithError(err).WithField("chart", ref.String()).Warn("chartexec: error stopping activities during destroy")
	}
	if err := x.deferred.CancelAllForChart(ctx, ref); err != nil {
		x.log.WithError(err).WithField("chart", ref.String()).Warn("chartexec: error cancelling deferred events during destroy")
	}
	if err := x.store.DeleteChart(ctx, ref); err != nil {
		return err
	}
	x.registry.Evict(ref)
	x.broadcast(model.StateChange{Type: model.ChangeDelete, Ref: ref})
	return nil
}

// SendToChart implements activity.ChartSink: an activity's emitted event is
// delivered exactly like any externally sent event.
func (x *Executor) SendToChart(ctx context.Context, ref model.ChartReference, event evaluator.Event) error {
	_, err := x.Send(ctx, ref, event, SendOptions{})
	return err
}

// DeliverDeferred implements deferredsched.Deliverer: routes a due event to
// whichever target it was scheduled for.
func (x *Executor) DeliverDeferred(ctx context.Context, ref model.ChartReference, to model.EventTarget, event json.RawMessage) error {
	var ev evaluator.Event
	if err := json.Unmarshal(event, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal deferred event: %v", xjogerr.ErrDeferredDeliveryFailure, err)
	}
	return x.deliverToTarget(ctx, ref, to, ev)
}

func (x *Executor) deliverToTarget(ctx context.Context, self model.ChartReference, to model.EventTarget, ev evaluator.Event) error {
	switch {
	case to.ActivityID != "":
		return x.activities.SendTo(self, to.ActivityID, ev)
	case to.Parent:
		chart, err := x.store.ReadChart(ctx, self)
		if err != nil {
			return err
		}
		if chart.ParentRef == nil {
			return fmt.Errorf("chartexec: %s has no parent to deliver to", self)
		}
		_, err = x.Send(ctx, *chart.ParentRef, ev, SendOptions{})
		return err
	case to.Chart != nil:
		_, err := x.Send(ctx, *to.Chart, ev, SendOptions{})
		return err
	default:
		_, err := x.Send(ctx, self, ev, SendOptions{})
		return err
	}
}

// dispatchActions runs the action dispatch table (spec §4.6.1) for one
// state's worth of produced actions, in order.
func (x *Executor) dispatchActions(ctx context.Context, ref model.ChartReference, parentRef *model.ChartReference, machine evaluator.Machine, triggeringEvent evaluator.Event, actions []evaluator.Action) {
	for _, action := range actions {
		if err := x.dispatchOne(ctx, ref, parentRef, machine, triggeringEvent, action); err != nil {
			x.log.WithError(err).WithFields(logrus.Fields{"chart": ref.String(), "action": action.Type}).
				Warn("chartexec: action dispatch failed")
		}
	}
}

func (x *Executor) dispatchOne(ctx context.Context, ref model.ChartReference, parentRef *model.ChartReference, machine evaluator.Machine, triggeringEvent evaluator.Event, action evaluator.Action) error {
	switch action.Type {
	case "send":
		return x.dispatchSend(ctx, ref, parentRef, action)
	case "start":
		creator, ok := machine.ServiceCreators[action.ActivityID]
		if !ok {
			return fmt.Errorf("chartexec: no service creator registered for activity %q", action.ActivityID)
		}
		_, err := x.activities.RegisterActivity(ctx, ref, action.ActivityID, creator, action.Params, triggeringEvent, action.AutoForward)
		return err
	case "stop":
		return x.activities.StopActivity(ctx, ref, action.ActivityID)
	case "cancel":
		return x.dispatchCancel(ctx, ref, action)
	case "log":
		x.log.WithFields(logrus.Fields{"chart": ref.String(), "params": string(action.Params)}).Info("chart log action")
		return nil
	case "exec", "init":
		// Side-effect-free bookkeeping actions the evaluator already applied
		// to its own State; nothing for the executor to do.
		return nil
	default:
		x.log.WithFields(logrus.Fields{"chart": ref.String(), "type": action.Type}).Warn("chartexec: unrecognized action type, ignoring")
		return nil
	}
}

func (x *Executor) dispatchSend(ctx context.Context, ref model.ChartReference, parentRef *model.ChartReference, action evaluator.Action) error {
	target, err := resolveTarget(parentRef, action.To)
	if err != nil {
		return err
	}
	eventJSON := action.Params
	if len(eventJSON) == 0 {
		eventJSON = []byte(`{}`)
	}

	if action.Delay != nil && *action.Delay > 0 {
		delay := time.Duration(*action.Delay) * time.Millisecond
		eventID, _ := json.Marshal(action.SendID)
		deferred, err := x.deferred.Defer(ctx, ref, eventID, target, eventJSON, delay)
		if err != nil {
			return err
		}
		if action.SendID != "" {
			x.sendMu.Lock()
			x.sendIDs[ref.String()+"/"+action.SendID] = deferred.ID
			x.sendMu.Unlock()
		}
		return nil
	}

	var ev evaluator.Event
	if err := json.Unmarshal(eventJSON, &ev); err != nil {
		return fmt.Errorf("chartexec: decode send action event: %w", err)
	}
	return x.deliverToTarget(ctx, ref, target, ev)
}

func (x *Executor) dispatchCancel(ctx context.Context, ref model.ChartReference, action evaluator.Action) error {
	if action.SendID == "" {
		return fmt.Errorf("chartexec: cancel action missing sendId")
	}
	key := ref.String() + "/" + action.SendID
	x.sendMu.Lock()
	id, ok := x.sendIDs[key]
	delete(x.sendIDs, key)
	x.sendMu.Unlock()
	if !ok {
		// Already delivered, already cancelled, or scheduled before this
		// process started: nothing to do.
		return nil
	}
	return x.deferred.Cancel(ctx, id)
}

// resolveTarget turns an action's routing string into a model.EventTarget.
// "" means self (IsZero), "parent" means the owning chart's ParentRef, and
// anything else is tried as a chart URI, falling back to an activity id on
// the sending chart itself.
func resolveTarget(parentRef *model.ChartReference, to string) (model.EventTarget, error) {
	switch to {
	case "":
		return model.EventTarget{}, nil
	case "parent":
		if parentRef == nil {
			return model.EventTarget{}, fmt.Errorf("chartexec: send to parent but chart has no parent")
		}
		return model.EventTarget{Parent: true}, nil
	default:
		if ref, err := model.ParseChartURI(to); err == nil {
			return model.EventTarget{Chart: &ref}, nil
		}
		return model.EventTarget{ActivityID: to}, nil
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func ptrValueAndContext(s evaluator.State) *model.ValueAndContext {
	return &model.ValueAndContext{Value: jsonString(s.Value), Context: s.Context, Actions: actionTypes(s.Actions)}
}

func actionTypes(actions []evaluator.Action) []string {
	if len(actions) == 0 {
		return nil
	}
	types := make([]string, len(actions))
	for i, a := range actions {
		types[i] = a.Type
	}
	return types
}
