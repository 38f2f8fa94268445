//go:build integration

package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/evalgo/xjog/config"
	"github.com/evalgo/xjog/engine"
	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/evaluator/refmachine"
	"github.com/evalgo/xjog/journal"
	"github.com/evalgo/xjog/logging"
	"github.com/evalgo/xjog/migrations"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/store"
)

// dsn starts a disposable Postgres container and applies xjog's schema,
// mirroring the teacher's db/postgres_integration_test.go harness.
func dsn(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "xjog",
			"POSTGRES_PASSWORD": "xjog",
			"POSTGRES_DB":       "xjog",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://xjog:xjog@%s:%s/xjog?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, pool))
	pool.Close()

	return url, func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
}

func newEngine(t *testing.T, url string) *engine.Engine {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	jrnl := journal.New(pool, "new-journal-entry", "new-digest-entry")
	t.Cleanup(jrnl.Close)

	cfg := config.Default()
	cfg.DatabaseURL = url
	log := logging.New(logging.DefaultConfig())
	return engine.New(cfg, st, jrnl, log)
}

func doorMachine() evaluator.Machine {
	return evaluator.Machine{
		ID: "door",
		Evaluator: refmachine.New(refmachine.Definition{
			Initial: "closed",
			States: map[string]refmachine.StateDef{
				"closed": {On: map[string]refmachine.Transition{"open": {Target: "open"}}},
				"open":   {On: map[string]refmachine.Transition{"close": {Target: "closed"}}},
			},
		}),
	}
}

// TestBasicLifecycle is spec §8's S1.
func TestBasicLifecycle(t *testing.T) {
	url, cleanup := dsn(t)
	defer cleanup()
	ctx := context.Background()

	eng := newEngine(t, url)
	require.NoError(t, eng.RegisterMachine(doorMachine()))
	require.NoError(t, eng.Start(ctx))

	chart, err := eng.CreateChart(ctx, "door", "chart-1", nil, nil)
	require.NoError(t, err)

	var state evaluator.State
	require.NoError(t, json.Unmarshal(chart.State, &state))
	assert.Equal(t, "closed", state.Value)

	ref := model.NewChartReference("door", "chart-1")

	_, err = eng.SendEvent(ctx, ref, evaluator.Event{Type: "open"})
	require.NoError(t, err)
	chart, err = eng.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(chart.State, &state))
	assert.Equal(t, "open", state.Value)

	_, err = eng.SendEvent(ctx, ref, evaluator.Event{Type: "close"})
	require.NoError(t, err)
	chart, err = eng.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(chart.State, &state))
	assert.Equal(t, "closed", state.Value)

	n, err := eng.Store().CountAliveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	eng.Shutdown(ctx)

	n, err = eng.Store().CountAliveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestDeferredTransition is spec §8's S3.
func TestDeferredTransition(t *testing.T) {
	url, cleanup := dsn(t)
	defer cleanup()
	ctx := context.Background()

	m := evaluator.Machine{
		ID: "restless",
		Evaluator: refmachine.New(refmachine.Definition{
			Initial: "working",
			States: map[string]refmachine.StateDef{
				"working": {
					On: map[string]refmachine.Transition{"getRestless": {Target: "working"}},
					After: &refmachine.After{
						DelayMs: 85,
						Target:  "home",
						Actions: []evaluator.Action{refmachine.Assign(map[string]any{"goodWeather": false})},
					},
				},
				"home": {},
			},
		}),
	}

	eng := newEngine(t, url)
	require.NoError(t, eng.RegisterMachine(m))
	require.NoError(t, eng.Start(ctx))

	_, err := eng.CreateChart(ctx, "restless", "chart-1", nil, nil)
	require.NoError(t, err)
	ref := model.NewChartReference("restless", "chart-1")

	_, err = eng.SendEvent(ctx, ref, evaluator.Event{Type: "getRestless"})
	require.NoError(t, err)

	var state evaluator.State
	chart, err := eng.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(chart.State, &state))
	assert.Equal(t, "working", state.Value)

	time.Sleep(150 * time.Millisecond)

	chart, err = eng.GetChart(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(chart.State, &state))
	assert.Equal(t, "home", state.Value)
	var stateCtx map[string]any
	require.NoError(t, json.Unmarshal(state.Context, &stateCtx))
	assert.Equal(t, false, stateCtx["goodWeather"])

	eng.Shutdown(ctx)
}

func walkMachine() evaluator.Machine {
	return evaluator.Machine{
		ID: "walker",
		Evaluator: refmachine.New(refmachine.Definition{
			Initial: "at home",
			States: map[string]refmachine.StateDef{
				"at home": {On: map[string]refmachine.Transition{"go to park": {Target: "at park"}}},
				"at park": {
					On: map[string]refmachine.Transition{
						"go to diner": {Target: "at diner"},
						"go home":     {Target: "at home"},
					},
				},
				"at diner": {On: map[string]refmachine.Transition{"go to park": {Target: "at park"}}},
			},
		}),
	}
}

// TestDeltaJournal is spec §8's S4.
func TestDeltaJournal(t *testing.T) {
	url, cleanup := dsn(t)
	defer cleanup()
	ctx := context.Background()

	eng := newEngine(t, url)
	require.NoError(t, eng.RegisterMachine(walkMachine()))
	require.NoError(t, eng.Start(ctx))

	_, err := eng.CreateChart(ctx, "walker", "chart-1", nil, nil)
	require.NoError(t, err)
	ref := model.NewChartReference("walker", "chart-1")

	for _, evType := range []string{"go to park", "go to diner", "go to park", "go home"} {
		_, err := eng.SendEvent(ctx, ref, evaluator.Event{Type: evType})
		require.NoError(t, err)
	}

	entries, err := eng.Journal().QueryEntries(ctx, model.JournalQuery{Ref: &ref, Order: model.OrderAsc})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].ID, entries[i-1].ID)
	}

	full, err := eng.Journal().ReadFullState(ctx, ref)
	require.NoError(t, err)
	var finalStateValue string
	require.NoError(t, json.Unmarshal(full.State, &finalStateValue))
	assert.Equal(t, "at home", finalStateValue)

	// Walk the deltas back from the latest entry to the first: each
	// stateDelta applied to the newer snapshot reconstructs the older one.
	for i := len(entries) - 1; i >= 0; i-- {
		merged, err := eng.Journal().ReadMergedJournalEntry(ctx, ref, entries[i].ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(entries[i].State), string(merged.State))
	}
	var initialStateValue string
	require.NoError(t, json.Unmarshal(entries[0].State, &initialStateValue))
	assert.Equal(t, "at home", initialStateValue)

	eng.Shutdown(ctx)
}

// TestExternalIDRoundTrip is spec §8's S6.
func TestExternalIDRoundTrip(t *testing.T) {
	url, cleanup := dsn(t)
	defer cleanup()
	ctx := context.Background()

	eng := newEngine(t, url)
	require.NoError(t, eng.RegisterMachine(evaluator.Machine{
		ID: "orderMachine",
		Evaluator: refmachine.New(refmachine.Definition{
			Initial: "new",
			States:  map[string]refmachine.StateDef{"new": {}},
		}),
	}))
	require.NoError(t, eng.Start(ctx))

	ref := model.NewChartReference("orderMachine", "chartX")
	_, err := eng.CreateChart(ctx, "orderMachine", "chartX", nil, nil)
	require.NoError(t, err)

	require.NoError(t, eng.RegisterExternalID(ctx, "orderNo", "42", ref))

	chart, err := eng.GetChartByExternalID(ctx, "orderNo", "42")
	require.NoError(t, err)
	assert.Equal(t, ref, chart.Ref)

	require.NoError(t, eng.DropExternalID(ctx, "orderNo", "42"))
	_, err = eng.GetChartByExternalID(ctx, "orderNo", "42")
	assert.Error(t, err)

	eng.Shutdown(ctx)
}

// neverResolvingPromise is a Spawnable that never emits and never stops on
// its own, used by TestAdoptionWithActivity (spec §8's S5) to keep a chart
// in "working" with a live activity until the test stops it or the owning
// instance is overthrown.
type neverResolvingPromise struct {
	stopped chan struct{}
}

func (p *neverResolvingPromise) Kind() evaluator.SpawnKind { return evaluator.SpawnPromise }
func (p *neverResolvingPromise) Start(sink func(evaluator.Event)) error {
	<-p.stopped
	return nil
}
func (p *neverResolvingPromise) Stop() error {
	close(p.stopped)
	return nil
}
func (p *neverResolvingPromise) Send(evaluator.Event) {}

func workMachine() evaluator.Machine {
	return evaluator.Machine{
		ID: "worker",
		Evaluator: refmachine.New(refmachine.Definition{
			Initial: "idle",
			States: map[string]refmachine.StateDef{
				"idle":    {On: map[string]refmachine.Transition{"start": {Target: "working"}}},
				"working": {Invoke: &refmachine.InvokeDef{ActivityID: "doWork"}},
			},
		}),
		ServiceCreators: map[string]evaluator.ServiceCreator{
			"doWork": func(construction evaluator.Context, event evaluator.Event) (evaluator.Spawnable, error) {
				return &neverResolvingPromise{stopped: make(chan struct{})}, nil
			},
		},
	}
}

// TestOverthrowAndAdoptionWithActivity covers spec §8's S2 and S5 together:
// two instances sharing one database, one dying mid-activity, the other
// forcibly adopting once the grace period lapses.
func TestOverthrowAndAdoptionWithActivity(t *testing.T) {
	url, cleanup := dsn(t)
	defer cleanup()
	ctx := context.Background()

	cfgA := config.Default()
	cfgA.DatabaseURL = url
	cfgA.Startup.AdoptionFrequency = 20 * time.Millisecond
	cfgA.Startup.GracePeriod = 60 * time.Millisecond

	engA := buildEngine(t, url, cfgA)
	require.NoError(t, engA.RegisterMachine(workMachine()))
	require.NoError(t, engA.Start(ctx))

	_, err := engA.CreateChart(ctx, "worker", "chart-1", nil, nil)
	require.NoError(t, err)
	ref := model.NewChartReference("worker", "chart-1")
	_, err = engA.SendEvent(ctx, ref, evaluator.Event{Type: "start"})
	require.NoError(t, err)

	cfgB := cfgA
	engB := buildEngine(t, url, cfgB)
	require.NoError(t, engB.RegisterMachine(workMachine()))

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- engB.Start(ctx) }()

	require.Eventually(t, func() bool {
		instances, err := engA.Store().ListInstances(ctx)
		return err == nil && len(instances) == 2
	}, time.Second, 10*time.Millisecond)

	dying, err := engA.Store().IsDying(ctx, engA.InstanceID)
	require.NoError(t, err)
	assert.True(t, dying)

	require.NoError(t, <-startErrCh)

	require.Eventually(t, func() bool {
		chart, err := engB.GetChart(ctx, ref)
		return err == nil && chart.OwnerID == engB.InstanceID
	}, time.Second, 10*time.Millisecond)

	engB.Shutdown(ctx)
}

func buildEngine(t *testing.T, url string, cfg config.Config) *engine.Engine {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	jrnl := journal.New(pool, cfg.JournalChannel, cfg.DigestChannel)
	t.Cleanup(jrnl.Close)

	return engine.New(cfg, st, jrnl, logging.New(logging.DefaultConfig()))
}
