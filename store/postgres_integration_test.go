//go:build integration

package store_test

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

	"github.com/evalgo/xjog/migrations"
	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/store"
	"github.com/evalgo/xjog/xjogerr"
)

// setupPostgres starts a disposable Postgres container and applies xjog's
// schema, mirroring the teacher's db/postgres_integration_test.go harness.
func setupPostgres(t *testing.T) (store.Store, func()) {
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

	dsn := fmt.Sprintf("postgres://xjog:xjog@%s:%s/xjog?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, pool))
	pool.Close()

	s, err := store.New(ctx, dsn)
	require.NoError(t, err)

	cleanup := func() {
		s.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
	return s, cleanup
}

func TestPostgresStore_ChartCRUD(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ref := model.NewChartReference("door", "chart-1")
	chart := model.Chart{Ref: ref, OwnerID: "inst-a", State: json.RawMessage(`{"value":"closed"}`)}

	require.NoError(t, s.InsertChart(ctx, chart))

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		err := s.InsertChart(ctx, chart)
		assert.ErrorIs(t, err, xjogerr.ErrConflict)
	})

	t.Run("read round-trips state", func(t *testing.T) {
		got, err := s.ReadChart(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "inst-a", got.OwnerID)
		assert.JSONEq(t, `{"value":"closed"}`, string(got.State))
	})

	t.Run("update state persists", func(t *testing.T) {
		require.NoError(t, s.UpdateChartState(ctx, ref, json.RawMessage(`{"value":"open"}`)))
		got, err := s.ReadChart(ctx, ref)
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":"open"}`, string(got.State))
	})

	t.Run("delete then read not found", func(t *testing.T) {
		require.NoError(t, s.DeleteChart(ctx, ref))
		_, err := s.ReadChart(ctx, ref)
		assert.ErrorIs(t, err, xjogerr.ErrChartNotFound)
	})
}

func TestPostgresStore_WithTransaction_RollsBackOnError(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ref := model.NewChartReference("door", "chart-rollback")
	boom := fmt.Errorf("boom")

	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Store) error {
		require.NoError(t, tx.InsertChart(ctx, model.Chart{Ref: ref, OwnerID: "inst-a", State: json.RawMessage(`{}`)}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.ReadChart(ctx, ref)
	assert.ErrorIs(t, err, xjogerr.ErrChartNotFound, "rolled-back insert must not be visible")
}

func TestPostgresStore_Adoption(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.InsertInstance(ctx, "inst-a"))
	require.NoError(t, s.InsertInstance(ctx, "inst-b"))

	ref := model.NewChartReference("door", "chart-adopt")
	require.NoError(t, s.InsertChart(ctx, model.Chart{Ref: ref, OwnerID: "inst-a", State: json.RawMessage(`{}`), Paused: true}))

	t.Run("gentle adoption claims quiescent paused chart", func(t *testing.T) {
		refs, err := s.GentlyAdoptCharts(ctx, "inst-b")
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, ref, refs[0])
	})

	t.Run("forcible adoption claims charts of dying instances", func(t *testing.T) {
		ref2 := model.NewChartReference("door", "chart-forced")
		require.NoError(t, s.InsertChart(ctx, model.Chart{Ref: ref2, OwnerID: "inst-a", State: json.RawMessage(`{}`)}))
		require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-b"))

		refs, err := s.ForciblyAdoptCharts(ctx, "inst-b")
		require.NoError(t, err)
		assert.Contains(t, refs, ref2)
	})
}

func TestPostgresStore_DeferredEvents_BatchReservation(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ref := model.NewChartReference("door", "chart-timer")
	require.NoError(t, s.InsertChart(ctx, model.Chart{Ref: ref, OwnerID: "inst-a", State: json.RawMessage(`{}`)}))

	due := time.Now().Add(-time.Second) // already due
	inserted, err := s.InsertDeferredEvent(ctx, model.DeferredEvent{
		Ref:   ref,
		Event: json.RawMessage(`{"type":"TICK"}`),
		Due:   due,
	})
	require.NoError(t, err)
	assert.NotZero(t, inserted.ID)

	t.Run("batch reserves and locks the row", func(t *testing.T) {
		batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-a", 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "inst-a", batch[0].Lock)
	})

	t.Run("second reservation attempt sees nothing left unlocked", func(t *testing.T) {
		batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})

	t.Run("release makes it reservable again", func(t *testing.T) {
		require.NoError(t, s.ReleaseDeferredEvent(ctx, inserted.ID))
		batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-b", 10, time.Minute)
		require.NoError(t, err)
		assert.Len(t, batch, 1)
	})

	t.Run("delete removes it", func(t *testing.T) {
		require.NoError(t, s.DeleteDeferredEvent(ctx, inserted.ID))
		batch, err := s.ReadDeferredEventRowBatch(ctx, "inst-a", 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})
}

func TestPostgresStore_ExternalIDs(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ref := model.NewChartReference("door", "chart-ext")
	require.NoError(t, s.InsertChart(ctx, model.Chart{Ref: ref, OwnerID: "inst-a", State: json.RawMessage(`{}`)}))
	require.NoError(t, s.RegisterExternalID(ctx, model.ExternalID{Key: "orderId", Value: "o-1", Ref: ref}))

	t.Run("lookup resolves the chart", func(t *testing.T) {
		got, err := s.GetChartByExternalIdentifier(ctx, "orderId", "o-1")
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	})

	t.Run("duplicate key+value conflicts", func(t *testing.T) {
		err := s.RegisterExternalID(ctx, model.ExternalID{Key: "orderId", Value: "o-1", Ref: ref})
		assert.ErrorIs(t, err, xjogerr.ErrConflict)
	})

	t.Run("drop removes the mapping", func(t *testing.T) {
		require.NoError(t, s.DropExternalID(ctx, "orderId", "o-1"))
		_, err := s.GetChartByExternalIdentifier(ctx, "orderId", "o-1")
		assert.ErrorIs(t, err, xjogerr.ErrChartNotFound)
	})
}

func TestPostgresStore_OnDeathNote(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.InsertInstance(ctx, "inst-a"))
	require.NoError(t, s.InsertInstance(ctx, "inst-b"))

	fired := make(chan struct{})
	cancel := s.OnDeathNote(ctx, "inst-a", func() { close(fired) })
	defer cancel()

	require.NoError(t, s.OverthrowOtherInstances(ctx, "inst-b"))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("death note did not fire within timeout")
	}
}
