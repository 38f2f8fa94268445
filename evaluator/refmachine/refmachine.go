// Package refmachine is a minimal reference Evaluator used by xjog's own
// tests and examples. It is not part of the engine's public surface: real
// deployments bring their own evaluator (spec §1) — this one exists so the
// end-to-end scenarios in spec §8 are runnable without a third-party DSL.
package refmachine

import (
	"encoding/json"
	"fmt"

	"github.com/evalgo/xjog/evaluator"
)

// Transition describes where one event takes a state, and which actions
// fire when it does.
type Transition struct {
	Target  string
	Actions []evaluator.Action
}

// After fires a synthetic "after" event once delayMs have elapsed since
// entering the state, via a deferred self-send action.
type After struct {
	DelayMs int64
	Target  string
	Actions []evaluator.Action
}

// StateDef declaratively describes one state of a reference machine.
type StateDef struct {
	On      map[string]Transition
	After   *After
	Entry   []evaluator.Action
	Final   bool
	Invoke  *InvokeDef
}

// InvokeDef names an activity to start on entry to the state.
type InvokeDef struct {
	ActivityID string
}

// Definition is a flat state machine: an initial state id and a map of
// state id -> StateDef. Context is carried opaquely as a JSON object and
// mutated only via "assign"-shaped exec actions understood by Machine.
type Definition struct {
	Initial string
	States  map[string]StateDef
}

const afterEventType = "__after"

// Machine adapts a Definition to evaluator.Evaluator.
type Machine struct {
	def Definition
}

// New wraps a Definition as an evaluator.Evaluator.
func New(def Definition) *Machine {
	return &Machine{def: def}
}

func (m *Machine) Initial(context evaluator.Context) (evaluator.State, error) {
	if context == nil {
		context = json.RawMessage(`{}`)
	}
	s := evaluator.State{Value: m.def.Initial, Context: context}
	s.Actions = m.entryActions(s.Value, false)
	return s, nil
}

func (m *Machine) Transition(prev evaluator.State, event evaluator.Event) (evaluator.State, error) {
	def, ok := m.def.States[prev.Value]
	if !ok {
		return evaluator.State{}, fmt.Errorf("refmachine: unknown state %q", prev.Value)
	}

	var tr Transition
	var matched bool
	if def.After != nil && event.Type == afterEventType {
		tr = Transition{Target: def.After.Target, Actions: def.After.Actions}
		matched = true
	} else if t, ok := def.On[event.Type]; ok {
		tr = t
		matched = true
	}
	if !matched {
		// No transition for this event: stay put, no actions.
		return prev, nil
	}

	next := evaluator.State{Value: tr.Target, Context: prev.Context}
	next.Context = applyAssigns(next.Context, tr.Actions)
	next.Actions = append(dispatchableOnly(tr.Actions), m.entryActions(tr.Target, false)...)
	if nd, ok := m.def.States[tr.Target]; ok && nd.Final {
		next.Done = true
		next.DoneData = next.Context
	}
	return next, nil
}

func (m *Machine) EntryActions(s evaluator.State, rehydrate bool) []evaluator.Action {
	return m.entryActions(s.Value, rehydrate)
}

func (m *Machine) entryActions(stateID string, rehydrate bool) []evaluator.Action {
	def, ok := m.def.States[stateID]
	if !ok {
		return nil
	}
	var actions []evaluator.Action
	for _, a := range def.Entry {
		if a.Type == "init" && rehydrate {
			continue
		}
		actions = append(actions, a)
	}
	if def.After != nil {
		delay := def.After.DelayMs
		actions = append(actions, evaluator.Action{
			Type:   "send",
			Delay:  &delay,
			Params: mustMarshal(evaluator.Event{Type: afterEventType}),
		})
	}
	if def.Invoke != nil {
		actions = append(actions, evaluator.Action{Type: "start", ActivityID: def.Invoke.ActivityID})
	}
	return actions
}

// Assign is a convenience constructor for an "exec" action whose Params
// describe a shallow context patch, interpreted by applyAssigns.
func Assign(patch map[string]any) evaluator.Action {
	return evaluator.Action{Type: "assign", Params: mustMarshal(patch)}
}

// dispatchableOnly drops evaluator-internal pseudo-actions (currently just
// "assign", resolved eagerly by applyAssigns) before handing the action
// list to chartexec's dispatcher.
func dispatchableOnly(actions []evaluator.Action) []evaluator.Action {
	out := make([]evaluator.Action, 0, len(actions))
	for _, a := range actions {
		if a.Type == "assign" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func applyAssigns(context evaluator.Context, actions []evaluator.Action) evaluator.Context {
	var obj map[string]any
	if len(context) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(context, &obj); err != nil {
		obj = map[string]any{}
	}
	for _, a := range actions {
		if a.Type != "assign" || len(a.Params) == 0 {
			continue
		}
		var patch map[string]any
		if err := json.Unmarshal(a.Params, &patch); err != nil {
			continue
		}
		for k, v := range patch {
			obj[k] = v
		}
	}
	out, _ := json.Marshal(obj)
	return out
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
