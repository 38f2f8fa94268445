package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/xjog/model"
	"github.com/evalgo/xjog/xjogerr"
)

// pgJournal implements Store over Postgres, recording deltas per
// computeDelta/applyDelta and streaming change notifications the way the
// teacher's db/listener.go Listener does: a dedicated LISTEN connection
// with a reconnecting loop, upgraded here to back off exponentially
// (cenkalti/backoff/v4) instead of the teacher's fixed one-second retry.
type pgJournal struct {
	pool          *pgxpool.Pool
	channel       string
	digestChannel string
}

// New builds a journal Store. channel must match the NOTIFY channel the
// journal trigger (migrations/sql/0001_init.sql) targets; digestChannel
// must match the one the digest trigger (migrations/sql/0002_digests.sql)
// targets.
func New(pool *pgxpool.Pool, channel, digestChannel string) Store {
	return &pgJournal{pool: pool, channel: channel, digestChannel: digestChannel}
}

func (s *pgJournal) Close() {}

func (s *pgJournal) RecordEntry(ctx context.Context, r Record) (model.JournalEntry, error) {
	stateDelta, err := computeDelta(r.NewState, r.OldState)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("journal: compute state delta: %w", err)
	}
	contextDelta, err := computeDelta(r.NewContext, r.OldContext)
	if err != nil {
		return model.JournalEntry{}, fmt.Errorf("journal: compute context delta: %w", err)
	}

	var pMachine, pChart string
	if r.ParentRef != nil {
		pMachine, pChart = r.ParentRef.MachineID, r.ParentRef.ChartID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.JournalEntry{}, &xjogerr.TransactionError{Op: "begin record entry", Err: err}
	}
	defer tx.Rollback(ctx)

	entry := model.JournalEntry{
		Ref: r.Ref, ParentRef: r.ParentRef,
		Event: r.Event, State: r.NewState, Context: r.NewContext,
		StateDelta: stateDelta, ContextDelta: contextDelta,
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO xjog_journal (machine_id, chart_id, parent_machine_id, parent_chart_id, ts, event, state, context, state_delta, context_delta)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), now(), $5, $6, $7, $8, $9)
		RETURNING id, ts
	`, r.Ref.MachineID, r.Ref.ChartID, pMachine, pChart, jsonOrNull(r.Event), jsonOrNull(r.NewState), jsonOrNull(r.NewContext), stateDelta, contextDelta)
	if err := row.Scan(&entry.ID, &entry.Timestamp); err != nil {
		return model.JournalEntry{}, wrapErr("insert journal entry", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO xjog_full_state (machine_id, chart_id, id, created, ts, owner_id, parent_machine_id, parent_chart_id, event, state, context)
		VALUES ($1, $2, $3, now(), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
		ON CONFLICT (machine_id, chart_id) DO UPDATE SET
			id = excluded.id, ts = excluded.ts, owner_id = excluded.owner_id,
			parent_machine_id = excluded.parent_machine_id, parent_chart_id = excluded.parent_chart_id,
			event = excluded.event, state = excluded.state, context = excluded.context
		WHERE xjog_full_state.id < excluded.id
	`, r.Ref.MachineID, r.Ref.ChartID, entry.ID, entry.Timestamp, r.OwnerID, pMachine, pChart,
		jsonOrNull(r.Event), jsonOrNull(r.NewState), jsonOrNull(r.NewContext))
	if err != nil {
		return model.JournalEntry{}, wrapErr("upsert full state", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.JournalEntry{}, &xjogerr.TransactionError{Op: "commit record entry", Err: err}
	}
	return entry, nil
}

func (s *pgJournal) ReadEntry(ctx context.Context, id int64) (model.JournalEntry, error) {
	return scanJournalEntryRow(s.pool.QueryRow(ctx, `
		SELECT id, machine_id, chart_id, parent_machine_id, parent_chart_id, ts, event, state, context, state_delta, context_delta
		FROM xjog_journal WHERE id = $1
	`, id))
}

func (s *pgJournal) QueryEntries(ctx context.Context, q model.JournalQuery) ([]model.JournalEntry, error) {
	a := &sqlArgs{}
	where, orderLimit := buildJournalQuery(q, a)
	sql := fmt.Sprintf(`
		SELECT id, machine_id, chart_id, parent_machine_id, parent_chart_id, ts, event, state, context, state_delta, context_delta
		FROM xjog_journal j WHERE %s %s
	`, where, orderLimit)
	rows, err := s.pool.Query(ctx, sql, a.args...)
	if err != nil {
		return nil, wrapErr("query journal entries", err)
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		e, err := scanJournalEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapErr("iterate journal entries", rows.Err())
}

func (s *pgJournal) ReadFullState(ctx context.Context, ref model.ChartReference) (model.FullStateEntry, error) {
	return scanFullStateRow(s.pool.QueryRow(ctx, `
		SELECT machine_id, chart_id, id, created, ts, owner_id, parent_machine_id, parent_chart_id, event, state, context
		FROM xjog_full_state WHERE machine_id = $1 AND chart_id = $2
	`, ref.MachineID, ref.ChartID))
}

func (s *pgJournal) QueryFullStates(ctx context.Context, filter model.ChartFilter, order model.Order, limit, offset int) ([]model.FullStateEntry, error) {
	a := &sqlArgs{}
	where := buildChartFilter(filter, a)
	dir := "ASC"
	if order == model.OrderDesc {
		dir = "DESC"
	}
	sql := fmt.Sprintf(`
		SELECT machine_id, chart_id, id, created, ts, owner_id, parent_machine_id, parent_chart_id, event, state, context
		FROM xjog_full_state t WHERE %s ORDER BY id %s
	`, where, dir)
	if limit > 0 {
		sql += " LIMIT " + a.add(limit)
	}
	if offset > 0 {
		sql += " OFFSET " + a.add(offset)
	}
	rows, err := s.pool.Query(ctx, sql, a.args...)
	if err != nil {
		return nil, wrapErr("query full states", err)
	}
	defer rows.Close()

	var out []model.FullStateEntry
	for rows.Next() {
		fs, err := scanFullStateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, wrapErr("iterate full states", rows.Err())
}

func (s *pgJournal) ReadMergedJournalEntry(ctx context.Context, ref model.ChartReference, entryID int64) (model.JournalEntry, error) {
	full, err := s.ReadFullState(ctx, ref)
	if err != nil {
		return model.JournalEntry{}, err
	}
	if entryID > full.ID {
		return model.JournalEntry{}, fmt.Errorf("journal: entry %d is newer than the chart's current state (%d)", entryID, full.ID)
	}

	target, err := s.ReadEntry(ctx, entryID)
	if err != nil {
		return model.JournalEntry{}, err
	}
	if entryID == full.ID {
		return target, nil
	}

	after := entryID
	steps, err := s.QueryEntries(ctx, model.JournalQuery{
		Ref:   &ref,
		ID:    model.IDBound{After: &after, BeforeAndIncluding: &full.ID},
		Order: model.OrderDesc,
	})
	if err != nil {
		return model.JournalEntry{}, err
	}

	state, context := full.State, full.Context
	for _, step := range steps {
		state, err = applyDelta(state, step.StateDelta)
		if err != nil {
			return model.JournalEntry{}, err
		}
		context, err = applyDelta(context, step.ContextDelta)
		if err != nil {
			return model.JournalEntry{}, err
		}
	}
	target.State = state
	target.Context = context
	return target, nil
}

// SubscribeNewEntries streams every journal row matching filter recorded
// after subscription. Rather than re-querying only the notified chart's
// latest row (which would skip rows written between notification delivery
// and the re-query, and could re-emit the same row twice), it tracks a
// per-subscription high-water-mark id and, on every wakeup, drains every
// row with id > lastSeen in ascending order before waiting again.
func (s *pgJournal) SubscribeNewEntries(ctx context.Context, filter model.ChartFilter) (<-chan model.JournalEntry, func(), error) {
	out := make(chan model.JournalEntry, 64)
	wake := make(chan struct{}, 1)
	ready := make(chan struct{})

	cancelListen, err := s.listen(ctx, s.channel, func(string, string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}, ready)
	if err != nil {
		close(out)
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)

		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		lastSeen, err := s.maxJournalID(ctx, filter)
		if err != nil {
			return
		}

		drain := func() {
			for {
				entries, err := s.queryJournalEntriesAfter(ctx, filter, lastSeen)
				if err != nil || len(entries) == 0 {
					return
				}
				for _, e := range entries {
					select {
					case out <- e:
					case <-ctx.Done():
						return
					}
					lastSeen = e.ID
				}
			}
		}
		drain()
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				drain()
			}
		}
	}()

	return out, func() { cancel(); cancelListen() }, nil
}

// SubscribeFullStates streams the updated full-state row of every chart
// matching filter each time it transitions, using the same lastSeen-driven
// drain strategy as SubscribeNewEntries but walking xjog_full_state.
func (s *pgJournal) SubscribeFullStates(ctx context.Context, filter model.ChartFilter) (<-chan model.FullStateEntry, func(), error) {
	out := make(chan model.FullStateEntry, 64)
	wake := make(chan struct{}, 1)
	ready := make(chan struct{})

	cancelListen, err := s.listen(ctx, s.channel, func(string, string) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}, ready)
	if err != nil {
		close(out)
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)

		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
		lastSeen, err := s.maxFullStateID(ctx, filter)
		if err != nil {
			return
		}

		drain := func() {
			for {
				states, err := s.queryFullStatesAfter(ctx, filter, lastSeen)
				if err != nil || len(states) == 0 {
					return
				}
				for _, fs := range states {
					select {
					case out <- fs:
					case <-ctx.Done():
						return
					}
					lastSeen = fs.ID
				}
			}
		}
		drain()
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				drain()
			}
		}
	}()

	return out, func() { cancel(); cancelListen() }, nil
}

// maxJournalID returns the highest xjog_journal id matching filter at the
// moment of the call, the baseline a subscription drains forward from. A
// filter-less subscription's baseline is simply the table's current max id.
func (s *pgJournal) maxJournalID(ctx context.Context, filter model.ChartFilter) (int64, error) {
	a := &sqlArgs{}
	where := buildChartFilterAliased(filter, a, "j")
	sql := fmt.Sprintf(`SELECT coalesce(max(j.id), 0) FROM xjog_journal j WHERE %s`, where)
	var id int64
	err := s.pool.QueryRow(ctx, sql, a.args...).Scan(&id)
	return id, wrapErr("query max journal id", err)
}

// maxFullStateID returns the highest xjog_full_state id matching filter at
// the moment of the call, the baseline SubscribeFullStates drains forward
// from.
func (s *pgJournal) maxFullStateID(ctx context.Context, filter model.ChartFilter) (int64, error) {
	a := &sqlArgs{}
	where := buildChartFilterAliased(filter, a, "t")
	sql := fmt.Sprintf(`SELECT coalesce(max(t.id), 0) FROM xjog_full_state t WHERE %s`, where)
	var id int64
	err := s.pool.QueryRow(ctx, sql, a.args...).Scan(&id)
	return id, wrapErr("query max full state id", err)
}

func (s *pgJournal) queryJournalEntriesAfter(ctx context.Context, filter model.ChartFilter, after int64) ([]model.JournalEntry, error) {
	a := &sqlArgs{}
	where := buildChartFilterAliased(filter, a, "j")
	sql := fmt.Sprintf(`
		SELECT id, machine_id, chart_id, parent_machine_id, parent_chart_id, ts, event, state, context, state_delta, context_delta
		FROM xjog_journal j WHERE %s AND j.id > %s ORDER BY j.id ASC LIMIT 256
	`, where, a.add(after))
	rows, err := s.pool.Query(ctx, sql, a.args...)
	if err != nil {
		return nil, wrapErr("query journal entries after", err)
	}
	defer rows.Close()

	var out []model.JournalEntry
	for rows.Next() {
		e, err := scanJournalEntryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapErr("iterate journal entries after", rows.Err())
}

func (s *pgJournal) queryFullStatesAfter(ctx context.Context, filter model.ChartFilter, after int64) ([]model.FullStateEntry, error) {
	a := &sqlArgs{}
	where := buildChartFilterAliased(filter, a, "t")
	sql := fmt.Sprintf(`
		SELECT machine_id, chart_id, id, created, ts, owner_id, parent_machine_id, parent_chart_id, event, state, context
		FROM xjog_full_state t WHERE %s AND t.id > %s ORDER BY t.id ASC LIMIT 256
	`, where, a.add(after))
	rows, err := s.pool.Query(ctx, sql, a.args...)
	if err != nil {
		return nil, wrapErr("query full states after", err)
	}
	defer rows.Close()

	var out []model.FullStateEntry
	for rows.Next() {
		fs, err := scanFullStateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, wrapErr("iterate full states after", rows.Err())
}

// WriteDigests upserts one row per key in values for ref, each guarded by
// the same non-decreasing-id discipline as xjog_full_state: a digest row
// already at a later id than this write is never rolled backward.
func (s *pgJournal) WriteDigests(ctx context.Context, ref model.ChartReference, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &xjogerr.TransactionError{Op: "begin write digests", Err: err}
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT coalesce(max(id), 0) FROM xjog_digests WHERE machine_id = $1 AND chart_id = $2`, ref.MachineID, ref.ChartID)
	var maxID int64
	if err := row.Scan(&maxID); err != nil {
		return wrapErr("read current digest id", err)
	}
	nextID := maxID + 1

	for key, value := range values {
		_, err := tx.Exec(ctx, `
			INSERT INTO xjog_digests (machine_id, chart_id, key, value, id, created, ts)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (machine_id, chart_id, key) DO UPDATE SET
				value = excluded.value, id = excluded.id, ts = excluded.ts
			WHERE xjog_digests.id < excluded.id
		`, ref.MachineID, ref.ChartID, key, value, nextID)
		if err != nil {
			return wrapErr("upsert digest", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &xjogerr.TransactionError{Op: "commit write digests", Err: err}
	}
	return nil
}

// QueryDigests resolves filter against every chart's current full state
// joined with its digest rows, returning the matching chart references.
func (s *pgJournal) QueryDigests(ctx context.Context, filter model.EventFilter) ([]model.ChartReference, error) {
	a := &sqlArgs{}
	where := buildEventFilter(filter, a, "t", "d")
	sql := fmt.Sprintf(`
		SELECT DISTINCT t.machine_id, t.chart_id
		FROM xjog_full_state t WHERE %s ORDER BY t.machine_id, t.chart_id
	`, where)
	rows, err := s.pool.Query(ctx, sql, a.args...)
	if err != nil {
		return nil, wrapErr("query digests", err)
	}
	defer rows.Close()

	var out []model.ChartReference
	for rows.Next() {
		var machineID, chartID string
		if err := rows.Scan(&machineID, &chartID); err != nil {
			return nil, wrapErr("scan digest match", err)
		}
		out = append(out, model.NewChartReference(machineID, chartID))
	}
	return out, wrapErr("iterate digest matches", rows.Err())
}

// SubscribeDigests streams the chart reference of every digest row written
// after subscription, via the digest NOTIFY channel.
func (s *pgJournal) SubscribeDigests(ctx context.Context) (<-chan model.ChartReference, func(), error) {
	out := make(chan model.ChartReference, 64)
	cancel, err := s.listen(ctx, s.digestChannel, func(machineID, chartID string) {
		select {
		case out <- model.NewChartReference(machineID, chartID):
		case <-ctx.Done():
		}
	}, nil)
	if err != nil {
		close(out)
		return nil, nil, err
	}
	return out, func() { cancel(); close(out) }, nil
}

// listen maintains a dedicated LISTEN connection on channel, retrying with
// exponential backoff on connection loss, dispatching each notification's
// "<machineId> <chartId>" payload to onNotify. If ready is non-nil it is
// closed once the first LISTEN has been established, so a caller computing
// a baseline query afterward cannot miss a notification delivered in the
// gap between establishing LISTEN and reading that baseline.
func (s *pgJournal) listen(ctx context.Context, channel string, onNotify func(machineID, chartID string), ready chan<- struct{}) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled
		signaled := false
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.listenOnce(ctx, channel, onNotify, func() {
				if !signaled && ready != nil {
					signaled = true
					close(ready)
				}
			}); err != nil {
				wait := bo.NextBackOff()
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
		}
	}()
	return cancel, nil
}

func (s *pgJournal) listenOnce(ctx context.Context, channel string, onNotify func(machineID, chartID string), onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("journal: acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("journal: LISTEN %s: %w", channel, err)
	}
	if onListening != nil {
		onListening()
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("journal: wait for notification: %w", err)
		}
		var machineID, chartID string
		if _, err := fmt.Sscanf(notification.Payload, "%s %s", &machineID, &chartID); err != nil {
			continue
		}
		onNotify(machineID, chartID)
	}
}

// --- row scanning ------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanJournalEntryRow(row scanner) (model.JournalEntry, error) {
	var e model.JournalEntry
	var pMachine, pChart *string
	var event, state, context, stateDelta, contextDelta []byte
	err := row.Scan(&e.ID, &e.Ref.MachineID, &e.Ref.ChartID, &pMachine, &pChart, &e.Timestamp,
		&event, &state, &context, &stateDelta, &contextDelta)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JournalEntry{}, xjogerr.ErrChartNotFound
	}
	if err != nil {
		return model.JournalEntry{}, wrapErr("scan journal entry", err)
	}
	if pMachine != nil && pChart != nil {
		parent := model.NewChartReference(*pMachine, *pChart)
		e.ParentRef = &parent
	}
	e.Event, e.State, e.Context = event, state, context
	e.StateDelta, e.ContextDelta = stateDelta, contextDelta
	return e, nil
}

func scanFullStateRow(row scanner) (model.FullStateEntry, error) {
	var fs model.FullStateEntry
	var pMachine, pChart *string
	var event, state, context []byte
	err := row.Scan(&fs.Ref.MachineID, &fs.Ref.ChartID, &fs.ID, &fs.Created, &fs.Timestamp, &fs.OwnerID,
		&pMachine, &pChart, &event, &state, &context)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.FullStateEntry{}, xjogerr.ErrChartNotFound
	}
	if err != nil {
		return model.FullStateEntry{}, wrapErr("scan full state", err)
	}
	if pMachine != nil && pChart != nil {
		parent := model.NewChartReference(*pMachine, *pChart)
		fs.ParentRef = &parent
	}
	fs.Event, fs.State, fs.Context = event, state, context
	return fs, nil
}

func jsonOrNull(v json.RawMessage) []byte {
	if len(v) == 0 {
		return []byte("null")
	}
	return v
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, xjogerr.ErrChartNotFound) {
		return err
	}
	return &xjogerr.ConnectionError{Op: op, Err: err}
}
