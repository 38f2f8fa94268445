package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/xjog/evaluator"
	"github.com/evalgo/xjog/model"
)

type fakeStore struct {
	mu   sync.Mutex
	regs map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{regs: make(map[string]bool)} }

func key(ref model.ChartReference, id string) string { return ref.String() + "/" + id }

func (s *fakeStore) RegisterActivity(ctx context.Context, a model.OngoingActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[key(a.Ref, a.ActivityID)] = true
	return nil
}

func (s *fakeStore) UnregisterActivity(ctx context.Context, ref model.ChartReference, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, key(ref, activityID))
	return nil
}

func (s *fakeStore) IsActivityRegistered(ctx context.Context, ref model.ChartReference, activityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[key(ref, activityID)], nil
}

type fakeSink struct {
	mu       sync.Mutex
	received []evaluator.Event
	ch       chan evaluator.Event
}

func newFakeSink() *fakeSink { return &fakeSink{ch: make(chan evaluator.Event, 16)} }

func (s *fakeSink) SendToChart(ctx context.Context, ref model.ChartReference, ev evaluator.Event) error {
	s.mu.Lock()
	s.received = append(s.received, ev)
	s.mu.Unlock()
	s.ch <- ev
	return nil
}

// promiseSpawnable fires one event then stays idle until stopped.
type promiseSpawnable struct {
	stopped chan struct{}
}

func (p *promiseSpawnable) Kind() evaluator.SpawnKind { return evaluator.SpawnPromise }
func (p *promiseSpawnable) Start(sink func(evaluator.Event)) error {
	sink(evaluator.Event{Type: "done"})
	return nil
}
func (p *promiseSpawnable) Stop() error {
	close(p.stopped)
	return nil
}
func (p *promiseSpawnable) Send(evaluator.Event) {}

// callbackSpawnable only emits when told to via Send.
type callbackSpawnable struct {
	mu      sync.Mutex
	sink    func(evaluator.Event)
	stopped bool
}

func (c *callbackSpawnable) Kind() evaluator.SpawnKind { return evaluator.SpawnCallback }
func (c *callbackSpawnable) Start(sink func(evaluator.Event)) error {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	return nil
}
func (c *callbackSpawnable) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return nil
}
func (c *callbackSpawnable) Send(ev evaluator.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		c.sink(ev)
	}
}

func TestManager_PromiseActivity_AutoForwardsAndSelfStops(t *testing.T) {
	st := newFakeStore()
	sink := newFakeSink()
	mgr := New(st, sink, logrus.NewEntry(logrus.New()))

	ref := model.NewChartReference("door", "c1")
	creator := func(ctx evaluator.Context, ev evaluator.Event) (evaluator.Spawnable, error) {
		return &promiseSpawnable{stopped: make(chan struct{})}, nil
	}

	id, err := mgr.RegisterActivity(context.Background(), ref, "", creator, nil, evaluator.Event{Type: "start"}, false)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case ev := <-sink.ch:
		assert.Equal(t, "done", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("promise event was not forwarded")
	}

	assert.Eventually(t, func() bool {
		ok, _ := mgr.IsRegistered(context.Background(), ref, id)
		return !ok
	}, time.Second, 10*time.Millisecond, "promise activity should self-unregister after resolving")
}

func TestManager_CallbackActivity_SendTo(t *testing.T) {
	st := newFakeStore()
	sink := newFakeSink()
	mgr := New(st, sink, logrus.NewEntry(logrus.New()))

	ref := model.NewChartReference("door", "c2")
	cb := &callbackSpawnable{}
	creator := func(ctx evaluator.Context, ev evaluator.Event) (evaluator.Spawnable, error) { return cb, nil }

	id, err := mgr.RegisterActivity(context.Background(), ref, "listener", creator, nil, evaluator.Event{}, false)
	require.NoError(t, err)
	assert.Equal(t, "listener", id)

	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.sink != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.SendTo(ref, id, evaluator.Event{Type: "PING"}))
	select {
	case ev := <-sink.ch:
		assert.Equal(t, "PING", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("callback event was not forwarded")
	}

	require.NoError(t, mgr.StopActivity(context.Background(), ref, id))
	ok, err := mgr.IsRegistered(context.Background(), ref, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, cb.stopped)
}

func TestManager_SendAutoForwardEvent_OnlyReachesFlaggedActivities(t *testing.T) {
	st := newFakeStore()
	sink := newFakeSink()
	mgr := New(st, sink, logrus.NewEntry(logrus.New()))

	ref := model.NewChartReference("door", "c4")
	flagged := &callbackSpawnable{}
	plain := &callbackSpawnable{}

	_, err := mgr.RegisterActivity(context.Background(), ref, "flagged",
		func(evaluator.Context, evaluator.Event) (evaluator.Spawnable, error) { return flagged, nil },
		nil, evaluator.Event{}, true)
	require.NoError(t, err)
	_, err = mgr.RegisterActivity(context.Background(), ref, "plain",
		func(evaluator.Context, evaluator.Event) (evaluator.Spawnable, error) { return plain, nil },
		nil, evaluator.Event{}, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		flagged.mu.Lock()
		defer flagged.mu.Unlock()
		return flagged.sink != nil
	}, time.Second, 5*time.Millisecond)

	relayed := make(chan evaluator.Event, 1)
	flagged.mu.Lock()
	inner := flagged.sink
	flagged.sink = func(ev evaluator.Event) { relayed <- ev; inner(ev) }
	flagged.mu.Unlock()

	mgr.SendAutoForwardEvent(ref, evaluator.Event{Type: "TICK"})

	select {
	case ev := <-relayed:
		assert.Equal(t, "TICK", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("autoForward event was not relayed to the flagged activity")
	}

	plain.mu.Lock()
	gotSink := plain.sink != nil
	plain.mu.Unlock()
	assert.True(t, gotSink)
}

func TestManager_Run_DeliversStartErrorToOwningChart(t *testing.T) {
	st := newFakeStore()
	sink := newFakeSink()
	mgr := New(st, sink, logrus.NewEntry(logrus.New()))

	ref := model.NewChartReference("door", "c5")
	creator := func(evaluator.Context, evaluator.Event) (evaluator.Spawnable, error) {
		return &failingSpawnable{}, nil
	}

	_, err := mgr.RegisterActivity(context.Background(), ref, "fails", creator, nil, evaluator.Event{}, false)
	require.NoError(t, err)

	select {
	case ev := <-sink.ch:
		assert.Equal(t, "error", ev.Type)
		assert.Contains(t, string(ev.Data), "fails")
	case <-time.After(time.Second):
		t.Fatal("start error was not delivered to owning chart")
	}
}

// failingSpawnable always fails to start.
type failingSpawnable struct{}

func (f *failingSpawnable) Kind() evaluator.SpawnKind              { return evaluator.SpawnPromise }
func (f *failingSpawnable) Start(sink func(evaluator.Event)) error { return assert.AnError }
func (f *failingSpawnable) Stop() error                            { return nil }
func (f *failingSpawnable) Send(evaluator.Event)                   {}

func TestManager_StopAllForChart(t *testing.T) {
	st := newFakeStore()
	sink := newFakeSink()
	mgr := New(st, sink, logrus.NewEntry(logrus.New()))

	ref := model.NewChartReference("door", "c3")
	a := &callbackSpawnable{}
	b := &callbackSpawnable{}
	_, err := mgr.RegisterActivity(context.Background(), ref, "a", func(evaluator.Context, evaluator.Event) (evaluator.Spawnable, error) { return a, nil }, nil, evaluator.Event{}, false)
	require.NoError(t, err)
	_, err = mgr.RegisterActivity(context.Background(), ref, "b", func(evaluator.Context, evaluator.Event) (evaluator.Spawnable, error) { return b, nil }, nil, evaluator.Event{}, false)
	require.NoError(t, err)

	require.NoError(t, mgr.StopAllForChart(context.Background(), ref))
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)

	okA, _ := mgr.IsRegistered(context.Background(), ref, "a")
	okB, _ := mgr.IsRegistered(context.Background(), ref, "b")
	assert.False(t, okA)
	assert.False(t, okB)
}
