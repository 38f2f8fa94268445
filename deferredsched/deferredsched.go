// Package deferredsched implements DeferredEventManager (spec §4.4): timer
// and delay()-based event delivery, batched from PersistenceStore and held
// as an in-memory (due ASC, id ASC) ordered set of armed timers.
package deferredsched

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/model"
)

// Deliverer is how the manager hands a due event back to the engine for
// routing (to the chart itself, its parent, or a named activity). The
// manager does not know how to route — only when.
type Deliverer interface {
	DeliverDeferred(ctx context.Context, ref model.ChartReference, to model.EventTarget, event json.RawMessage) error
}

// Store is the slice of PersistenceStore (spec §4.1) this package depends
// on, kept narrow so tests can fake it without a database.
type Store interface {
	InsertDeferredEvent(ctx context.Context, e model.DeferredEvent) (model.DeferredEvent, error)
	ReadDeferredEventRowBatch(ctx context.Context, selfID string, batchSize int, lookAhead time.Duration) ([]model.DeferredEvent, error)
	DeleteDeferredEvent(ctx context.Context, id int64) error
	DeleteAllDeferredEvents(ctx context.Context, ref model.ChartReference) error
	UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error
}

// Manager schedules deferred events reserved from the store, firing one
// in-process timer per reserved row.
type Manager struct {
	selfID    string
	store     Store
	deliverer Deliverer
	cfg       config.DeferredEvents
	log       *logrus.Entry

	mu         sync.Mutex
	armed      map[int64]*time.Timer
	armedRefs  map[int64]model.ChartReference
	nextReadAt time.Time
	wakeCh     chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// New builds a Manager. selfID identifies this engine instance for row
// locking (spec §4.4). d may be nil if the deliverer (typically
// chartexec.Executor) is not yet constructed; set it with SetDeliverer
// before Start — the two packages depend on each other, so the engine
// composition root wires them in two steps.
func New(selfID string, st Store, d Deliverer, cfg config.DeferredEvents, log *logrus.Entry) *Manager {
	return &Manager{
		selfID:    selfID,
		store:     st,
		deliverer: d,
		cfg:       cfg,
		log:       log,
		armed:     make(map[int64]*time.Timer),
		armedRefs: make(map[int64]model.ChartReference),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// SetDeliverer completes construction when d could not be supplied to New.
func (m *Manager) SetDeliverer(d Deliverer) {
	m.mu.Lock()
	m.deliverer = d
	m.mu.Unlock()
}

// Start releases any rows this instance abandoned on a previous crash,
// then begins the periodic reservation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.store.UnmarkAllDeferredEventsForProcessing(ctx, m.selfID); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the reservation loop and cancels every armed timer without
// delivering it; rows stay locked to this instance until Start is called
// again, or another instance gently/forcibly adopts the owning chart.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	for id, t := range m.armed {
		t.Stop()
		delete(m.armed, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	m.scheduleUpcoming(ctx)
	for {
		m.mu.Lock()
		wait := time.Until(m.nextReadAt)
		m.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wakeCh:
			timer.Stop()
			m.scheduleUpcoming(ctx)
		case <-timer.C:
			m.scheduleUpcoming(ctx)
		}
	}
}

// scheduleUpcoming reserves a batch of rows due within cfg.LookAhead and
// arms an in-process timer for each one not already armed. It then sets
// nextReadAt for the loop's next wait: a full batch likely means more rows
// are waiting right behind the last one read, so the next read is scheduled
// at that row's due time instead of a full interval away (spec §4.4).
func (m *Manager) scheduleUpcoming(ctx context.Context) {
	batch, err := m.store.ReadDeferredEventRowBatch(ctx, m.selfID, m.cfg.BatchSize, m.cfg.LookAhead)
	if err != nil {
		m.log.WithError(err).Warn("deferredsched: failed to reserve batch")
		return
	}
	m.mu.Lock()
	var lastDue time.Time
	for _, e := range batch {
		if e.Due.After(lastDue) {
			lastDue = e.Due
		}
		if _, already := m.armed[e.ID]; already {
			continue
		}
		e := e
		wait := time.Until(e.Due)
		if wait < 0 {
			wait = 0
		}
		m.armed[e.ID] = time.AfterFunc(wait, func() { m.fire(ctx, e) })
		m.armedRefs[e.ID] = e.Ref
	}
	if len(batch) >= m.cfg.BatchSize && !lastDue.IsZero() {
		m.nextReadAt = lastDue
	} else {
		m.nextReadAt = time.Now().Add(m.cfg.Interval)
	}
	m.mu.Unlock()
}

// fire delivers one event and removes its row regardless of delivery
// outcome, so a permanently-unreachable target cannot wedge the queue in a
// redelivery loop (spec §7, ErrDeferredDeliveryFailure).
func (m *Manager) fire(ctx context.Context, e model.DeferredEvent) {
	m.mu.Lock()
	delete(m.armed, e.ID)
	delete(m.armedRefs, e.ID)
	m.mu.Unlock()

	if err := m.deliverer.DeliverDeferred(ctx, e.Ref, e.EventTo, e.Event); err != nil {
		m.log.WithError(err).WithField("deferredEventId", e.ID).Warn("deferredsched: delivery failed, dropping event")
	}
	if err := m.store.DeleteDeferredEvent(ctx, e.ID); err != nil {
		m.log.WithError(err).WithField("deferredEventId", e.ID).Error("deferredsched: failed to delete delivered event row")
	}
}

// Defer schedules event for delivery to "to" after delay, returning the
// persisted row. If the new row's due time is earlier than the loop's next
// scheduled batch read, the read is pulled forward to that due time instead
// of waiting for the regular interval (spec §4.4).
func (m *Manager) Defer(ctx context.Context, ref model.ChartReference, eventID json.RawMessage, to model.EventTarget, event json.RawMessage, delay time.Duration) (model.DeferredEvent, error) {
	row, err := m.store.InsertDeferredEvent(ctx, model.DeferredEvent{
		Ref: ref, EventID: eventID, EventTo: to, Event: event, Delay: delay, Due: time.Now().Add(delay),
	})
	if err != nil {
		return model.DeferredEvent{}, err
	}

	m.mu.Lock()
	reschedule := m.started && (m.nextReadAt.IsZero() || row.Due.Before(m.nextReadAt))
	if reschedule {
		m.nextReadAt = row.Due
	}
	m.mu.Unlock()
	if reschedule {
		select {
		case m.wakeCh <- struct{}{}:
		default:
		}
	}
	return row, nil
}

// Cancel removes one deferred event, disarming its in-process timer if it
// was already reserved by this instance.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	m.mu.Lock()
	if t, ok := m.armed[id]; ok {
		t.Stop()
		delete(m.armed, id)
		delete(m.armedRefs, id)
	}
	m.mu.Unlock()
	return m.store.DeleteDeferredEvent(ctx, id)
}

// ReleaseAll stops the reservation loop, cancels every armed in-process
// timer without delivering it, and releases this instance's locks on every
// row it had reserved so another instance's batch read can claim them
// (spec §4.4's shutdown contract). Unlike Stop, rows are left deliverable
// rather than stuck under selfID's lock.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.Stop()
	return m.store.UnmarkAllDeferredEventsForProcessing(ctx, m.selfID)
}

// CancelAllForChart removes every deferred event belonging to ref,
// including ones reserved (and armed) by this instance.
func (m *Manager) CancelAllForChart(ctx context.Context, ref model.ChartReference) error {
	m.mu.Lock()
	for id, r := range m.armedRefs {
		if r == ref {
			m.armed[id].Stop()
			delete(m.armed, id)
			delete(m.armedRefs, id)
		}
	}
	m.mu.Unlock()
	return m.store.DeleteAllDeferredEvents(ctx, ref)
}
