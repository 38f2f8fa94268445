package chartexec

import (
	"context"
	"sync"
	"time"

	"github.com/evalgo/xjog/xjogerr"
)

// chartMutex is a timed binary semaphore: acquire blocks until available,
// context cancellation, or timeout, whichever comes first (spec §5, §7 —
// a timeout here is treated as fatal for the engine, not retried).
type chartMutex struct {
	ch chan struct{}
}

func newChartMutex() *chartMutex {
	return &chartMutex{ch: make(chan struct{}, 1)}
}

func (m *chartMutex) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case m.ch <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return xjogerr.ErrMutexTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *chartMutex) release() {
	<-m.ch
}

// mutexTable hands out one chartMutex per chart reference, created lazily
// and kept for the life of the process (a chart's mutex is cheap enough
// that eviction isn't worth the complexity).
type mutexTable struct {
	mu      sync.Mutex
	mutexes map[string]*chartMutex
}

func newMutexTable() *mutexTable {
	return &mutexTable{mutexes: make(map[string]*chartMutex)}
}

func (t *mutexTable) get(key string) *chartMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mutexes[key]
	if !ok {
		m = newChartMutex()
		t.mutexes[key] = m
	}
	return m
}
