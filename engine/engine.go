// Package engine is xjog's composition root (spec §4.8): it owns
// PersistenceStore, JournalStore, StartupManager, DeferredEventManager,
// ActivityManager, MachineRegistry and ChartExecutor, and exposes the
// public operations external callers use to register machines, create and
// send to charts, and observe every state change.
//
// Grounded on main.go's role as the teacher's own composition root: one
// function wiring every concrete package together behind a single exported
// type, start/stop lifecycle methods, and a logger threaded through every
// dependency.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/xjog/activity"
	"github.com/evalgo/xjog/chartexec"
	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/deferredsched"
	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/journal"
	"github.com/evalgo/xjog/logging"
	"github.com/evalgo/xjog/machineregistry"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/startup"
	"github.com/evalgo/xjog/store"
	"github.com/evalgo/xjog/xjogerr"
)

// ChangeObserver is the reactive-stream shape spec §9 describes in
// language-neutral terms: Next fires for every StateChange in id order,
// Error fires at most once and ends the subscription, Complete fires at
// most once on a clean end (currently: engine shutdown).
type ChangeObserver struct {
	Next     func(model.StateChange)
	Error    func(error)
	Complete func()
}

// Engine is the composition root: one instance of the durable statechart
// execution engine, sharing its database with zero or more sibling
// instances (spec §1).
type Engine struct {
	InstanceID string

	cfg   config.Config
	log   *logrus.Entry
	store store.Store
	jrnl  journal.Store

	registry   *machineregistry.Registry
	activities *activity.Manager
	deferred   *deferredsched.Manager
	executor   *chartexec.Executor
	startupMgr *startup.Manager
}

// New wires every component together. st and jrnl are already-open stores;
// the caller owns their lifecycle (Close them after Shutdown returns).
func New(cfg config.Config, st store.Store, jrnl journal.Store, log *logrus.Entry) *Engine {
	cfg = cfg.Normalize()
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}
	instanceID := uuid.NewString()
	instanceLog := log.WithField("instanceId", instanceID)

	registry := machineregistry.New(cfg.Machine)
	activities := activity.New(st, nil, instanceLog)
	deferred := deferredsched.New(instanceID, st, nil, cfg.DeferredEvents, instanceLog)
	executor := chartexec.New(st, jrnl, jrnl, activities, deferred, registry,
		chartexec.Config{MutexTimeout: cfg.Engine.ChartMutexTimeout}, instanceLog)

	activities.SetSink(executor)
	deferred.SetDeliverer(executor)

	startupMgr := startup.New(instanceID, st, executor, deferred, activities,
		cfg.Startup, cfg.Shutdown, instanceLog)
	executor.OnFatal = func(err error) {
		instanceLog.WithError(err).Error("engine: fatal condition, initiating shutdown")
		go startupMgr.Shutdown(context.Background())
	}

	return &Engine{
		InstanceID: instanceID,
		cfg:        cfg,
		log:        instanceLog,
		store:      st,
		jrnl:       jrnl,
		registry:   registry,
		activities: activities,
		deferred:   deferred,
		executor:   executor,
		startupMgr: startupMgr,
	}
}

// RegisterMachine adds a machine definition. Legal only before Start;
// returns xjogerr.ErrRegistrationClosed afterward (spec §4.8).
func (e *Engine) RegisterMachine(m evaluator.Machine) error {
	return e.registry.RegisterMachine(m)
}

// Start runs StartupManager through overthrow/adopt to ready, then starts
// the deferred-event scheduler, matching spec §4.8's ordering ("once it
// reaches adopting, starts DeferredEventManager loop").
func (e *Engine) Start(ctx context.Context) error {
	e.registry.Close()
	if err := e.deferred.Start(ctx); err != nil {
		return fmt.Errorf("engine: start deferred event manager: %w", err)
	}
	if err := e.startupMgr.Start(ctx); err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}
	return nil
}

// Shutdown drives the instance into dying then blocks until halted.
func (e *Engine) Shutdown(ctx context.Context) {
	e.startupMgr.Shutdown(ctx)
}

// Phase reports the current lifecycle phase (spec §4.3).
func (e *Engine) Phase() startup.Phase {
	return e.startupMgr.Phase()
}

// CreateChart creates a new chart of machineID, owned by this instance.
func (e *Engine) CreateChart(ctx context.Context, machineID, chartID string, parentRef *model.ChartReference, construction evaluator.Context) (model.Chart, error) {
	ref := model.NewChartReference(machineID, chartID)
	return e.executor.Create(ctx, ref, parentRef, e.InstanceID, construction)
}

// SendEvent delivers event to ref. A paused chart (owned by another
// instance mid-adoption, or this instance mid-overthrow) never transitions
// directly: the event is deferred for immediate (delay 0) redelivery once
// some instance adopts it, per spec §4.3's "paused charts reject all send
// calls" invariant and §4.6 step 1's dying short-circuit.
func (e *Engine) SendEvent(ctx context.Context, ref model.ChartReference, event evaluator.Event) (model.JournalEntry, error) {
	return e.SendEventWithOptions(ctx, ref, event, chartexec.SendOptions{})
}

// SendEventWithOptions is SendEvent with spec §4.6's optional contextPatch
// and sendId threaded through to the evaluator's transition step.
func (e *Engine) SendEventWithOptions(ctx context.Context, ref model.ChartReference, event evaluator.Event, opts chartexec.SendOptions) (model.JournalEntry, error) {
	if e.startupMgr.Phase() == startup.PhaseDying || e.startupMgr.Phase() == startup.PhaseHalted {
		return e.deferSelf(ctx, ref, event)
	}
	chart, err := e.store.ReadChart(ctx, ref)
	if err != nil {
		return model.JournalEntry{}, err
	}
	if chart.Paused {
		return e.deferSelf(ctx, ref, event)
	}
	return e.executor.Send(ctx, ref, event, opts)
}

func (e *Engine) deferSelf(ctx context.Context, ref model.ChartReference, event evaluator.Event) (model.JournalEntry, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("engine: marshal deferred event: %w", err)
	}
	_, err = e.deferred.Defer(ctx, ref, nil, model.EventTarget{}, eventJSON, 0)
	return model.JournalEntry{}, err
}

// SendTo delivers event to a named activity of ref's chart.
func (e *Engine) SendTo(ref model.ChartReference, activityID string, event evaluator.Event) error {
	return e.activities.SendTo(ref, activityID, event)
}

// DestroyChart stops ref's activities and deferred events and deletes it.
func (e *Engine) DestroyChart(ctx context.Context, ref model.ChartReference) error {
	return e.executor.Destroy(ctx, ref)
}

// GetChart reads ref's current persisted chart row.
func (e *Engine) GetChart(ctx context.Context, ref model.ChartReference) (model.Chart, error) {
	return e.store.ReadChart(ctx, ref)
}

// GetChartByExternalID resolves a (key, value) external id to a chart
// reference, then loads it (spec §3 ExternalId, §4.1).
func (e *Engine) GetChartByExternalID(ctx context.Context, key, value string) (model.Chart, error) {
	ref, err := e.store.GetChartByExternalIdentifier(ctx, key, value)
	if err != nil {
		return model.Chart{}, err
	}
	return e.store.ReadChart(ctx, ref)
}

// RegisterExternalID records a (key, value) -> ref lookup.
func (e *Engine) RegisterExternalID(ctx context.Context, key, value string, ref model.ChartReference) error {
	return e.store.RegisterExternalID(ctx, model.ExternalID{Key: key, Value: value, Ref: ref})
}

// DropExternalID removes a previously registered (key, value) lookup.
func (e *Engine) DropExternalID(ctx context.Context, key, value string) error {
	return e.store.DropExternalID(ctx, key, value)
}

// InstallUpdateHook adds fn to the sequence run before every transition is
// persisted (spec §4.6 step 8). The journal writer is always first and is
// not itself exposed as an uninstallable hook. Returns an uninstaller.
func (e *Engine) InstallUpdateHook(fn chartexec.Hook) func() {
	return e.executor.InstallHook(fn)
}

// Subscribe installs obs on the engine-wide change broadcast: Next fires
// for every StateChange across every chart, in the same order as the
// journal (spec §8 invariant 5). Returns an unsubscribe func.
func (e *Engine) Subscribe(obs ChangeObserver) func() {
	return e.executor.Subscribe(func(sc model.StateChange) {
		if obs.Next != nil {
			obs.Next(sc)
		}
	})
}

// MachineIDs lists every registered machine, for introspection.
func (e *Engine) MachineIDs() []string {
	return e.registry.MachineIDs()
}

// Journal exposes the underlying JournalStore for read-only querying (the
// introspection HTTP surface and xjogctl use this directly rather than
// Engine growing a query method per JournalStore operation).
func (e *Engine) Journal() journal.Store {
	return e.jrnl
}

// Store exposes the underlying PersistenceStore for read-only querying,
// same rationale as Journal.
func (e *Engine) Store() store.Store {
	return e.store
}

// ErrEngineDying is returned by callers that need to distinguish a refused
// send from a transition failure; re-exported so callers need not import
// xjogerr themselves for this one check.
var ErrEngineDying = xjogerr.ErrEngineDying
