// Package activity implements ActivityManager (spec §4.5): the in-memory
// registry of a chart's live side effects (invoked promises, callbacks,
// observables, and nested charts), persisting only a marker row per
// activity so PersistenceStore can tell whether a chart is safe to adopt.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/model"
)

// Store is the slice of PersistenceStore this package depends on.
type Store interface {
	RegisterActivity(ctx context.Context, a model.OngoingActivity) error
	UnregisterActivity(ctx context.Context, ref model.ChartReference, activityID string) error
	IsActivityRegistered(ctx context.Context, ref model.ChartReference, activityID string) (bool, error)
}

// ChartSink is how a running activity's emitted events reach the chart
// that spawned it (spec §4.5's auto-forwarding). Implemented by chartexec.
type ChartSink interface {
	SendToChart(ctx context.Context, ref model.ChartReference, event evaluator.Event) error
}

// liveActivity pairs a running Spawnable with whether it was registered
// with autoForward=true, i.e. whether it should also receive every event
// the owning chart processes (spec §4.5/§4.6 step 14), not just replies to
// events explicitly sent to it.
type liveActivity struct {
	spawnable   evaluator.Spawnable
	autoForward bool
}

// Manager tracks live activities per chart, grounded on the teacher's
// executor.Registry (mutex-guarded slice, CanHandle/Execute dispatch) and
// semantic.ActionRegistry (register/unregister-by-id), adapted from a
// single global registry to one live-activity set per chart.
type Manager struct {
	store Store
	sink  ChartSink
	log   *logrus.Entry

	mu   sync.Mutex
	live map[model.ChartReference]map[string]*liveActivity
}

// New builds a Manager. sink may be nil if the chart sink (typically
// chartexec.Executor) is not yet constructed; set it with SetSink before
// any activity is registered — the two packages depend on each other, so
// the engine composition root wires them in two steps.
func New(st Store, sink ChartSink, log *logrus.Entry) *Manager {
	return &Manager{
		store: st,
		sink:  sink,
		log:   log,
		live:  make(map[model.ChartReference]map[string]*liveActivity),
	}
}

// SetSink completes construction when sink could not be supplied to New.
func (m *Manager) SetSink(sink ChartSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// RegisterActivity spawns creator's Spawnable, records it as live both
// in-memory and in the store, and starts forwarding its events to the
// owning chart. If activityID is empty, one is generated. autoForward
// marks the activity as a target for every future event the owning chart
// processes (spec §4.5/§4.6 step 14), in addition to its own emitted events.
func (m *Manager) RegisterActivity(ctx context.Context, ref model.ChartReference, activityID string, creator evaluator.ServiceCreator, construction evaluator.Context, event evaluator.Event, autoForward bool) (string, error) {
	if activityID == "" {
		activityID = uuid.NewString()
	}
	spawnable, err := creator(construction, event)
	if err != nil {
		return "", fmt.Errorf("activity: create %s: %w", activityID, err)
	}

	if err := m.store.RegisterActivity(ctx, model.OngoingActivity{Ref: ref, ActivityID: activityID}); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.live[ref] == nil {
		m.live[ref] = make(map[string]*liveActivity)
	}
	m.live[ref][activityID] = &liveActivity{spawnable: spawnable, autoForward: autoForward}
	m.mu.Unlock()

	go m.run(ref, activityID, spawnable)
	return activityID, nil
}

// run starts the spawnable and forwards every event it emits to the owning
// chart until the activity stops itself or is stopped externally. A Start
// error is both logged and delivered to the owning chart as an
// error(activityId, err) event (spec §4.5), so machine logic can react to
// activity failures instead of the chart simply hanging.
func (m *Manager) run(ref model.ChartReference, activityID string, spawnable evaluator.Spawnable) {
	err := spawnable.Start(func(ev evaluator.Event) {
		m.forwardToOwner(ref, activityID, ev)
		if spawnable.Kind() == evaluator.SpawnPromise {
			// Promises resolve exactly once; tear down immediately after
			// forwarding so the chart can be adopted again.
			_ = m.StopActivity(context.Background(), ref, activityID)
		}
	})
	if err != nil {
		m.log.WithError(err).WithField("activityId", activityID).Warn("activity: spawnable exited with error")
		data, merr := json.Marshal(map[string]string{"activityId": activityID, "error": err.Error()})
		if merr != nil {
			data = json.RawMessage(`{}`)
		}
		m.forwardToOwner(ref, activityID, evaluator.Event{Type: "error", Data: data})
	}
}

// forwardToOwner delivers one activity-emitted event to the owning chart,
// logging (never panicking) if the chart has since vanished.
func (m *Manager) forwardToOwner(ref model.ChartReference, activityID string, ev evaluator.Event) {
	if err := m.sink.SendToChart(context.Background(), ref, ev); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"activityId": activityID, "chart": ref.String()}).
			Warn("activity: failed to forward event to owning chart")
	}
}

// SendAutoForwardEvent relays ev, an event the owning chart just processed,
// to every activity of ref registered with autoForward=true (spec §4.5/§4.6
// step 14). Called by chartexec after a chart's own transition completes.
func (m *Manager) SendAutoForwardEvent(ref model.ChartReference, ev evaluator.Event) {
	m.mu.Lock()
	targets := make([]evaluator.Spawnable, 0, len(m.live[ref]))
	for _, la := range m.live[ref] {
		if la.autoForward {
			targets = append(targets, la.spawnable)
		}
	}
	m.mu.Unlock()

	for _, spawnable := range targets {
		spawnable.Send(ev)
	}
}

// SendTo delivers an inbound event to a callback-kind activity.
func (m *Manager) SendTo(ref model.ChartReference, activityID string, ev evaluator.Event) error {
	m.mu.Lock()
	la, ok := m.live[ref][activityID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("activity: %s has no live activity %q", ref, activityID)
	}
	la.spawnable.Send(ev)
	return nil
}

// StopActivity stops one activity and removes its marker row.
func (m *Manager) StopActivity(ctx context.Context, ref model.ChartReference, activityID string) error {
	m.mu.Lock()
	la, ok := m.live[ref][activityID]
	if ok {
		delete(m.live[ref], activityID)
		if len(m.live[ref]) == 0 {
			delete(m.live, ref)
		}
	}
	m.mu.Unlock()

	if ok {
		if err := la.spawnable.Stop(); err != nil {
			m.log.WithError(err).WithField("activityId", activityID).Warn("activity: stop returned an error")
		}
	}
	return m.store.UnregisterActivity(ctx, ref, activityID)
}

// StopAllForChart stops every activity registered for ref, e.g. when the
// chart itself is destroyed.
func (m *Manager) StopAllForChart(ctx context.Context, ref model.ChartReference) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live[ref]))
	for id := range m.live[ref] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.StopActivity(ctx, ref, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every live activity across every chart this instance owns,
// used during engine shutdown (spec §4.3's dying step).
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	refs := make([]model.ChartReference, 0, len(m.live))
	for ref := range m.live {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		if err := m.StopAllForChart(ctx, ref); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsRegistered reports whether ref has any live activity, consulted by the
// adoption logic via the store's own marker rows (PersistenceStore is the
// source of truth across instances; this in-memory view only matters to
// the instance that owns the chart).
func (m *Manager) IsRegistered(ctx context.Context, ref model.ChartReference, activityID string) (bool, error) {
	return m.store.IsActivityRegistered(ctx, ref, activityID)
}
