package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/xjogerr"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run unchanged whether or not it's inside WithTransaction.
// Grounded on the teacher's db/postgres_pgx.go Exec/Query/QueryRow split.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgStore implements Store over pgx. q is the pool for a top-level store
// and a live tx handle for one obtained via WithTransaction; nested is true
// only in the latter case, guarding against nested transactions.
type pgStore struct {
	pool   *pgxpool.Pool
	q      querier
	nested bool
}

// New opens a pgxpool against databaseURL and returns the top-level Store.
// Callers must call Close when done.
func New(ctx context.Context, databaseURL string) (Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, &xjogerr.ConnectionError{Op: "pgxpool.New", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &xjogerr.ConnectionError{Op: "ping", Err: err}
	}
	return &pgStore{pool: pool, q: pool}, nil
}

func (s *pgStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *pgStore) WithTransaction(ctx context.Context, fn TxFunc) error {
	if s.nested {
		return fmt.Errorf("store: WithTransaction called on a transaction handle")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &xjogerr.TransactionError{Op: "begin", Err: err}
	}
	txStore := &pgStore{pool: s.pool, q: tx, nested: true}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return &xjogerr.TransactionError{Op: "rollback", Err: rbErr}
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &xjogerr.TransactionError{Op: "commit", Err: err}
	}
	return nil
}

// --- Instance lifecycle ---------------------------------------------------

func (s *pgStore) InsertInstance(ctx context.Context, selfID string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO xjog_instances (instance_id, started_at, dying)
		VALUES ($1, now(), false)
		ON CONFLICT (instance_id) DO UPDATE SET started_at = now(), dying = false
	`, selfID)
	return wrapExec("insert instance", err)
}

func (s *pgStore) RemoveInstance(ctx context.Context, selfID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM xjog_instances WHERE instance_id = $1`, selfID)
	return wrapExec("remove instance", err)
}

func (s *pgStore) OverthrowOtherInstances(ctx context.Context, selfID string) error {
	_, err := s.q.Exec(ctx, `UPDATE xjog_instances SET dying = true WHERE instance_id <> $1`, selfID)
	if err != nil {
		return wrapExec("overthrow other instances", err)
	}
	_, err = s.q.Exec(ctx, `UPDATE xjog_charts SET paused = true WHERE owner_id <> $1`, selfID)
	return wrapExec("pause other instances' charts", err)
}

func (s *pgStore) CountAliveInstances(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM xjog_instances WHERE NOT dying`).Scan(&n)
	return n, wrapExec("count alive instances", err)
}

// ListInstances returns every registered instance, for introspection.
func (s *pgStore) ListInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := s.q.Query(ctx, `SELECT instance_id, started_at, dying FROM xjog_instances ORDER BY started_at ASC`)
	if err != nil {
		return nil, wrapExec("list instances", err)
	}
	defer rows.Close()
	var out []model.Instance
	for rows.Next() {
		var inst model.Instance
		if err := rows.Scan(&inst.InstanceID, &inst.StartedAt, &inst.Dying); err != nil {
			return nil, wrapExec("scan instance", err)
		}
		out = append(out, inst)
	}
	return out, wrapExec("list instances rows", rows.Err())
}

func (s *pgStore) IsDying(ctx context.Context, selfID string) (bool, error) {
	var dying bool
	err := s.q.QueryRow(ctx, `SELECT dying FROM xjog_instances WHERE instance_id = $1`, selfID).Scan(&dying)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	return dying, wrapExec("is dying", err)
}

// --- Adoption --------------------------------------------------------------

// GentlyAdoptCharts claims ownership of charts whose current owner is
// unpaused and not itself, but only those with no ongoing activity and no
// locked deferred event (spec §4.3's quiescence criteria), so it never
// steals work mid-flight.
func (s *pgStore) GentlyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE xjog_charts c SET owner_id = $1, paused = false
		WHERE c.paused
		  AND c.owner_id <> $1
		  AND NOT EXISTS (SELECT 1 FROM xjog_ongoing_activities a WHERE a.machine_id = c.machine_id AND a.chart_id = c.chart_id)
		  AND NOT EXISTS (SELECT 1 FROM xjog_deferred_events d WHERE d.machine_id = c.machine_id AND d.chart_id = c.chart_id AND d.lock <> '')
		RETURNING c.machine_id, c.chart_id
	`, selfID)
	if err != nil {
		return nil, wrapExec("gently adopt charts", err)
	}
	return scanRefs(rows)
}

// ForciblyAdoptCharts claims ownership of every still-paused chart,
// regardless of activity or deferred-event state: called once an
// instance's grace period has expired (spec §4.3). It first deletes every
// ongoingActivities marker row for paused charts, matching the spec's
// "activities of still-paused charts are wiped" wording, then reassigns
// ownership, all inside one transaction.
func (s *pgStore) ForciblyAdoptCharts(ctx context.Context, selfID string) ([]model.ChartReference, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &xjogerr.TransactionError{Op: "begin forcibly adopt", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM xjog_ongoing_activities a
		USING xjog_charts c
		WHERE a.machine_id = c.machine_id AND a.chart_id = c.chart_id AND c.paused
	`); err != nil {
		return nil, wrapExec("wipe activities of paused charts", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE xjog_charts c SET owner_id = $1, paused = false
		WHERE c.paused
		RETURNING c.machine_id, c.chart_id
	`, selfID)
	if err != nil {
		return nil, wrapExec("forcibly adopt charts", err)
	}
	refs, err := scanRefs(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &xjogerr.TransactionError{Op: "commit forcibly adopt", Err: err}
	}
	return refs, nil
}

func (s *pgStore) CountPausedCharts(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM xjog_charts WHERE paused`).Scan(&n)
	return n, wrapExec("count paused charts", err)
}

func (s *pgStore) CountOwnCharts(ctx context.Context, selfID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM xjog_charts WHERE owner_id = $1`, selfID).Scan(&n)
	return n, wrapExec("count own charts", err)
}

func scanRefs(rows pgx.Rows) ([]model.ChartReference, error) {
	defer rows.Close()
	var out []model.ChartReference
	for rows.Next() {
		var machineID, chartID string
		if err := rows.Scan(&machineID, &chartID); err != nil {
			return nil, wrapExec("scan chart ref", err)
		}
		out = append(out, model.NewChartReference(machineID, chartID))
	}
	return out, wrapExec("iterate chart refs", rows.Err())
}

// --- Chart CRUD --------------------------------------------------------

func (s *pgStore) InsertChart(ctx context.Context, c model.Chart) error {
	pMachine, pChart := "", ""
	if c.ParentRef != nil {
		pMachine, pChart = c.ParentRef.MachineID, c.ParentRef.ChartID
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO xjog_charts (machine_id, chart_id, parent_machine_id, parent_chart_id, owner_id, state, paused)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
	`, c.Ref.MachineID, c.Ref.ChartID, pMachine, pChart, c.OwnerID, jsonOrNull(c.State), c.Paused)
	if isUniqueViolation(err) {
		return xjogerr.ErrConflict
	}
	return wrapExec("insert chart", err)
}

func (s *pgStore) ReadChart(ctx context.Context, ref model.ChartReference) (model.Chart, error) {
	var c model.Chart
	var pMachine, pChart *string
	var state []byte
	row := s.q.QueryRow(ctx, `
		SELECT machine_id, chart_id, parent_machine_id, parent_chart_id, owner_id, state, paused
		FROM xjog_charts WHERE machine_id = $1 AND chart_id = $2
	`, ref.MachineID, ref.ChartID)
	err := row.Scan(&c.Ref.MachineID, &c.Ref.ChartID, &pMachine, &pChart, &c.OwnerID, &state, &c.Paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Chart{}, xjogerr.ErrChartNotFound
	}
	if err != nil {
		return model.Chart{}, wrapExec("read chart", err)
	}
	if pMachine != nil && pChart != nil {
		parent := model.NewChartReference(*pMachine, *pChart)
		c.ParentRef = &parent
	}
	c.State = json.RawMessage(state)
	return c, nil
}

func (s *pgStore) UpdateChartState(ctx context.Context, ref model.ChartReference, state []byte) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE xjog_charts SET state = $3 WHERE machine_id = $1 AND chart_id = $2
	`, ref.MachineID, ref.ChartID, state)
	if err != nil {
		return wrapExec("update chart state", err)
	}
	if tag.RowsAffected() == 0 {
		return xjogerr.ErrChartNotFound
	}
	return nil
}

func (s *pgStore) DeleteChart(ctx context.Context, ref model.ChartReference) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM xjog_charts WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
	if err != nil {
		return wrapExec("delete chart", err)
	}
	if tag.RowsAffected() == 0 {
		return xjogerr.ErrChartNotFound
	}
	return nil
}

// --- Deferred events ---------------------------------------------------

func (s *pgStore) InsertDeferredEvent(ctx context.Context, e model.DeferredEvent) (model.DeferredEvent, error) {
	var targetChartMachine, targetChartID *string
	if e.EventTo.Chart != nil {
		targetChartMachine = &e.EventTo.Chart.MachineID
		targetChartID = &e.EventTo.Chart.ChartID
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO xjog_deferred_events
			(machine_id, chart_id, event_id, target_machine_id, target_chart_id, target_activity_id, target_parent, event, delay_ms, created_at, due, lock)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, now(), $9, '')
		RETURNING id, created_at
	`, e.Ref.MachineID, e.Ref.ChartID, jsonOrNull(e.EventID), targetChartMachine, targetChartID,
		e.EventTo.ActivityID, e.EventTo.Parent, jsonOrNull(e.Event), e.Delay.Milliseconds(), e.Due)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return model.DeferredEvent{}, wrapExec("insert deferred event", err)
	}
	return e, nil
}

// ReadDeferredEventRowBatch reserves up to batchSize rows due within
// lookAhead by stamping lock = selfID, using FOR UPDATE SKIP LOCKED so
// concurrent instances never double-reserve a row (spec §4.4).
func (s *pgStore) ReadDeferredEventRowBatch(ctx context.Context, selfID string, batchSize int, lookAhead time.Duration) ([]model.DeferredEvent, error) {
	rows, err := s.q.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM xjog_deferred_events
			WHERE lock = '' AND due <= now() + $2::interval
			ORDER BY due ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE xjog_deferred_events d SET lock = $1
		FROM candidates
		WHERE d.id = candidates.id
		RETURNING d.id, d.machine_id, d.chart_id, d.event_id, d.target_machine_id, d.target_chart_id,
			d.target_activity_id, d.target_parent, d.event, d.delay_ms, d.created_at, d.due, d.lock
	`, selfID, lookAhead, batchSize)
	if err != nil {
		return nil, wrapExec("read deferred event batch", err)
	}
	defer rows.Close()

	var out []model.DeferredEvent
	for rows.Next() {
		var e model.DeferredEvent
		var eventID, event []byte
		var delayMs int64
		var targetMachine, targetChart, targetActivity *string
		var targetParent bool
		if err := rows.Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &eventID, &targetMachine, &targetChart,
			&targetActivity, &targetParent, &event, &delayMs, &e.CreatedAt, &e.Due, &e.Lock); err != nil {
			return nil, wrapExec("scan deferred event", err)
		}
		e.EventID = eventID
		e.Event = event
		e.Delay = time.Duration(delayMs) * time.Millisecond
		if targetMachine != nil && targetChart != nil {
			ref := model.NewChartReference(*targetMachine, *targetChart)
			e.EventTo.Chart = &ref
		}
		if targetActivity != nil {
			e.EventTo.ActivityID = *targetActivity
		}
		e.EventTo.Parent = targetParent
		out = append(out, e)
	}
	return out, wrapExec("iterate deferred event batch", rows.Err())
}

func (s *pgStore) ReleaseDeferredEvent(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE xjog_deferred_events SET lock = '' WHERE id = $1`, id)
	return wrapExec("release deferred event", err)
}

func (s *pgStore) DeleteDeferredEvent(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `DELETE FROM xjog_deferred_events WHERE id = $1`, id)
	return wrapExec("delete deferred event", err)
}

func (s *pgStore) DeleteAllDeferredEvents(ctx context.Context, ref model.ChartReference) error {
	_, err := s.q.Exec(ctx, `DELETE FROM xjog_deferred_events WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
	return wrapExec("delete all deferred events for chart", err)
}

// UnmarkAllDeferredEventsForProcessing clears every lock this instance
// holds, run once at startup before the process claims new work, so rows
// abandoned by a previous crash of the same instance id become reservable
// again instead of stuck forever (spec §4.4).
func (s *pgStore) UnmarkAllDeferredEventsForProcessing(ctx context.Context, selfID string) error {
	_, err := s.q.Exec(ctx, `UPDATE xjog_deferred_events SET lock = '' WHERE lock = $1`, selfID)
	return wrapExec("unmark deferred events", err)
}

// --- Activities ----------------------------------------------------------

func (s *pgStore) RegisterActivity(ctx context.Context, a model.OngoingActivity) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO xjog_ongoing_activities (machine_id, chart_id, activity_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_id, chart_id, activity_id) DO NOTHING
	`, a.Ref.MachineID, a.Ref.ChartID, a.ActivityID)
	return wrapExec("register activity", err)
}

func (s *pgStore) UnregisterActivity(ctx context.Context, ref model.ChartReference, activityID string) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM xjog_ongoing_activities WHERE machine_id = $1 AND chart_id = $2 AND activity_id = $3
	`, ref.MachineID, ref.ChartID, activityID)
	return wrapExec("unregister activity", err)
}

func (s *pgStore) IsActivityRegistered(ctx context.Context, ref model.ChartReference, activityID string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM xjog_ongoing_activities WHERE machine_id = $1 AND chart_id = $2 AND activity_id = $3)
	`, ref.MachineID, ref.ChartID, activityID).Scan(&exists)
	return exists, wrapExec("is activity registered", err)
}

// --- External ids ----------------------------------------------------------

func (s *pgStore) RegisterExternalID(ctx context.Context, id model.ExternalID) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO xjog_external_ids (key, value, machine_id, chart_id)
		VALUES ($1, $2, $3, $4)
	`, id.Key, id.Value, id.Ref.MachineID, id.Ref.ChartID)
	if isUniqueViolation(err) {
		return xjogerr.ErrConflict
	}
	return wrapExec("register external id", err)
}

func (s *pgStore) DropExternalID(ctx context.Context, key, value string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM xjog_external_ids WHERE key = $1 AND value = $2`, key, value)
	return wrapExec("drop external id", err)
}

func (s *pgStore) GetChartByExternalIdentifier(ctx context.Context, key, value string) (model.ChartReference, error) {
	var machineID, chartID string
	err := s.q.QueryRow(ctx, `
		SELECT machine_id, chart_id FROM xjog_external_ids WHERE key = $1 AND value = $2
	`, key, value).Scan(&machineID, &chartID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChartReference{}, xjogerr.ErrChartNotFound
	}
	return model.NewChartReference(machineID, chartID), wrapExec("get chart by external id", err)
}

// OnDeathNote polls xjog_instances.dying every interval, matching the
// teacher's reconnecting listenLoop shape (db/listener.go) but over a plain
// poll since "dying" is driven by other instances' writes, not our own
// NOTIFYs; journal subscriptions use the real LISTEN/NOTIFY path instead
// (see the journal package).
func (s *pgStore) OnDeathNote(ctx context.Context, selfID string, cb func()) func() {
	const interval = 250 * time.Millisecond
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dying, err := s.IsDying(ctx, selfID)
				if err != nil {
					continue
				}
				if dying {
					cb()
					return
				}
			}
		}
	}()
	return cancel
}

// --- helpers ---------------------------------------------------------------

func jsonOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func wrapExec(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, xjogerr.ErrChartNotFound) || errors.Is(err, xjogerr.ErrConflict) {
		return err
	}
	return &xjogerr.ConnectionError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
