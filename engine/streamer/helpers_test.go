package streamer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/presto/engine/manifest"
	"github.com/stretchr/testify/require"
)

type stubHandle struct {
	id string
}

// stubLoader is a scriptable ContentLoader: individual ids can be blocked,
// failed or given a refined size report, and every call is recorded.
type stubLoader struct {
	mu       sync.Mutex
	calls    map[string]int
	events   []string
	fail     map[string]error
	block    map[string]chan struct{}
	started  map[string]chan struct{}
	reportKB map[string]int64
	delay    time.Duration

	current atomic.Int32
	maxSeen atomic.Int32
}

func newStubLoader() *stubLoader {
	return &stubLoader{
		calls:    make(map[string]int),
		fail:     make(map[string]error),
		block:    make(map[string]chan struct{}),
		started:  make(map[string]chan struct{}),
		reportKB: make(map[string]int64),
	}
}

func (l *stubLoader) Load(ctx context.Context, entry *manifest.AssetEntry, path string) (Handle, int64, error) {
	l.mu.Lock()
	l.calls[entry.ID]++
	l.events = append(l.events, "start:"+entry.ID)
	started := l.started[entry.ID]
	blocked := l.block[entry.ID]
	failErr := l.fail[entry.ID]
	report := l.reportKB[entry.ID]
	l.mu.Unlock()

	cur := l.current.Add(1)
	for {
		max := l.maxSeen.Load()
		if cur <= max || l.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer l.current.Add(-1)

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if blocked != nil {
		select {
		case <-blocked:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	l.mu.Lock()
	l.events = append(l.events, "end:"+entry.ID)
	l.mu.Unlock()

	if failErr != nil {
		return nil, 0, failErr
	}
	if report == 0 {
		report = entry.SizeKB
	}
	return &stubHandle{id: entry.ID}, report, nil
}

func (l *stubLoader) callCount(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[id]
}

func (l *stubLoader) eventIndex(ev string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == ev {
			return i
		}
	}
	return -1
}

type stubDisposer struct {
	mu       sync.Mutex
	disposed []string
}

func (d *stubDisposer) Dispose(h Handle) {
	sh, ok := h.(*stubHandle)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = append(d.disposed, sh.id)
}

func (d *stubDisposer) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, got := range d.disposed {
		if got == id {
			n++
		}
	}
	return n
}

func (d *stubDisposer) order() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.disposed...)
}

func buildStore(t *testing.T, assets []*manifest.AssetEntry, levels []*manifest.LevelManifest, order []string) *manifest.Store {
	t.Helper()
	store, err := manifest.NewStore(assets, levels, order)
	require.NoError(t, err)
	return store
}

func newTestStreamer(t *testing.T, store *manifest.Store, loader ContentLoader, disposer Disposer, config Config, options ...Option) *Streamer {
	t.Helper()
	s, err := New(store, loader, disposer, config, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown()
	})
	return s
}
