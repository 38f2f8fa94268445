// Package startup implements StartupManager (spec §4.3): the engine
// instance lifecycle — overthrow, gentle-then-forcible chart adoption,
// readiness, and the dying/halted shutdown hand-off.
//
// Grounded on coordinator/coordinator.go's connectionLoop/reconnect shape
// (a dedicated goroutine driving a named sequence of phases, each phase
// change notified to listeners) and coordinator/phases.go's PhaseManager
// (mutex-guarded current phase plus an OnPhaseChanged callback), adapted
// from the teacher's workflow-phase vocabulary to the engine's own
// starting/adopting/ready/dying/halted sequence.
package startup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/model"
)

// Phase is one state of an engine instance's lifecycle.
type Phase string

const (
	PhaseInitial  Phase = "initial"
	PhaseStarting Phase = "starting"
	PhaseAdopting Phase = "adopting"
	PhaseReady    Phase = "ready"
	PhaseDying    Phase = "dying"
	PhaseHalted   Phase = "halted"
)

// Store is the slice of PersistenceStore this package depends on.
type Store interface {
	OverthrowOtherInstances(ctx context.Context, selfID string) error
	InsertInstance(ctx context.Context, selfID string) error
	RemoveInstance(ctx context.Context, selfID string) error
	CountAliveInstances(ctx context.Context) (int, error)

	GentlyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error)
	ForciblyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error)
	CountPausedCharts(ctx context.Context) (int, error)
	CountOwnCharts(ctx context.Context, selfID string) (int, error)

	OnDeathNote(ctx context.Context, selfID string, cb func()) (cancel func())
}

// ChartRunner rehydrates one adopted chart: re-runs entry actions so
// activities restart (spec §4.3, §4.5). Implemented by chartexec.Executor.
type ChartRunner interface {
	RunStep(ctx context.Context, ref model.ChartReference) error
}

// DeferredReleaser releases this instance's deferred-event locks during
// shutdown. Implemented by deferredsched.Manager.
type DeferredReleaser interface {
	ReleaseAll(ctx context.Context) error
}

// ActivityStopper stops every live activity during shutdown. Implemented
// by activity.Manager.
type ActivityStopper interface {
	StopAll(ctx context.Context) error
}

// Manager drives one engine instance through its lifecycle.
type Manager struct {
	selfID     string
	store      Store
	runner     ChartRunner
	deferred   DeferredReleaser
	activities ActivityStopper
	cfg        config.Startup
	shutdownCfg config.Shutdown
	log        *logrus.Entry

	mu         sync.Mutex
	phase      Phase
	listeners  []func(Phase)
	cancelDeathNote func()

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	haltedCh     chan struct{}
}

// New builds a Manager in PhaseInitial.
func New(selfID string, st Store, runner ChartRunner, deferred DeferredReleaser, activities ActivityStopper,
	startupCfg config.Startup, shutdownCfg config.Shutdown, log *logrus.Entry) *Manager {
	return &Manager{
		selfID:      selfID,
		store:       st,
		runner:      runner,
		deferred:    deferred,
		activities:  activities,
		cfg:         startupCfg,
		shutdownCfg: shutdownCfg,
		log:         log,
		phase:       PhaseInitial,
		shutdownCh:  make(chan struct{}),
		haltedCh:    make(chan struct{}),
	}
}

// OnPhaseChange registers a listener invoked (from the manager's own
// goroutine) on every phase transition, including the initial move into
// PhaseStarting.
func (m *Manager) OnPhaseChange(fn func(Phase)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	listeners := append([]func(Phase){}, m.listeners...)
	m.mu.Unlock()
	m.log.WithField("phase", string(p)).Info("startup: phase changed")
	for _, fn := range listeners {
		fn(p)
	}
}

// Start runs overthrow, then drives the instance through adopting to
// ready, installing the death-note listener along the way. It returns once
// the instance reaches PhaseReady (or fails during starting/adopting).
func (m *Manager) Start(ctx context.Context) error {
	m.setPhase(PhaseStarting)

	if err := m.store.OverthrowOtherInstances(ctx, m.selfID); err != nil {
		return err
	}
	if err := m.store.InsertInstance(ctx, m.selfID); err != nil {
		return err
	}

	m.cancelDeathNote = m.store.OnDeathNote(ctx, m.selfID, func() {
		m.beginDying(context.Background())
	})

	m.setPhase(PhaseAdopting)
	m.adopt(ctx)

	m.mu.Lock()
	alreadyDying := m.phase == PhaseDying || m.phase == PhaseHalted
	m.mu.Unlock()
	if !alreadyDying {
		m.setPhase(PhaseReady)
	}
	return nil
}

// adopt runs the gentle-then-forcible adoption loop (spec §4.3): repeated
// gentle passes while charts remain paused, a quiescence grace timer that
// resets on every non-empty pass (spec §9's preferred reading), and a
// forcible sweep once the timer fires with no further progress.
func (m *Manager) adopt(ctx context.Context) {
	deadline := time.Now().Add(m.cfg.GracePeriod)
	for {
		select {
		case <-m.shutdownCh:
			return
		default:
		}

		refs, err := m.store.GentlyAdoptCharts(ctx, m.selfID)
		if err != nil {
			m.log.WithError(err).Warn("startup: gentle adoption pass failed")
		} else if len(refs) > 0 {
			m.runStepAll(ctx, refs)
			deadline = time.Now().Add(m.cfg.GracePeriod)
		}

		remaining, err := m.store.CountPausedCharts(ctx)
		if err != nil {
			m.log.WithError(err).Warn("startup: count paused charts failed")
			remaining = 0
		}
		if remaining == 0 {
			return
		}

		if time.Now().After(deadline) {
			forced, err := m.store.ForciblyAdoptCharts(ctx, m.selfID)
			if err != nil {
				m.log.WithError(err).Error("startup: forcible adoption failed")
				return
			}
			m.runStepAll(ctx, forced)
			return
		}

		select {
		case <-time.After(m.cfg.AdoptionFrequency):
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Manager) runStepAll(ctx context.Context, refs []model.ChartReference) {
	for _, ref := range refs {
		if err := m.runner.RunStep(ctx, ref); err != nil {
			m.log.WithError(err).WithField("chart", ref.String()).Warn("startup: runStep failed for adopted chart")
		}
	}
}

// Shutdown initiates the dying sequence explicitly (as opposed to being
// triggered by another instance's overthrow via OnDeathNote) and blocks
// until the instance reaches PhaseHalted.
func (m *Manager) Shutdown(ctx context.Context) {
	m.beginDying(ctx)
	<-m.haltedCh
}

// Halted returns a channel closed once the instance reaches PhaseHalted,
// for callers that want to wait without driving shutdown themselves.
func (m *Manager) Halted() <-chan struct{} {
	return m.haltedCh
}

func (m *Manager) beginDying(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.setPhase(PhaseDying)
		go m.die(ctx)
	})
}

// die runs the dying sequence (spec §4.3): cancel the death-note listener,
// remove our instance row, release deferred-event locks, stop all
// activities, then wait for other instances to adopt our charts (unless we
// are the last instance standing) before emitting halt.
func (m *Manager) die(ctx context.Context) {
	if m.cancelDeathNote != nil {
		m.cancelDeathNote()
	}
	if err := m.store.RemoveInstance(ctx, m.selfID); err != nil {
		m.log.WithError(err).Warn("startup: failed to remove instance row on shutdown")
	}
	if err := m.deferred.ReleaseAll(ctx); err != nil {
		m.log.WithError(err).Warn("startup: failed to release deferred event locks on shutdown")
	}
	if err := m.activities.StopAll(ctx); err != nil {
		m.log.WithError(err).Warn("startup: failed to stop activities on shutdown")
	}

	ticker := time.NewTicker(m.shutdownCfg.OwnChartPollingFrequency)
	defer ticker.Stop()
	for {
		alive, err := m.store.CountAliveInstances(ctx)
		if err != nil {
			m.log.WithError(err).Warn("startup: failed to count alive instances during shutdown")
			break
		}
		if alive == 0 {
			// We were the last instance; nobody will ever adopt our charts.
			break
		}
		own, err := m.store.CountOwnCharts(ctx, m.selfID)
		if err != nil {
			m.log.WithError(err).Warn("startup: failed to count own charts during shutdown")
			break
		}
		if own == 0 {
			break
		}
		<-ticker.C
	}

	m.setPhase(PhaseHalted)
	close(m.haltedCh)
}
