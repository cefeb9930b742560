package streamer

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/spaghettifunk/presto/engine/core"
	"github.com/spaghettifunk/presto/engine/manifest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Handle is the opaque engine-side resource produced by the ContentLoader.
type Handle interface{}

// ContentLoader turns a manifest entry into a resident resource. path is the
// output of the path-selection step. Implementations must be safe for
// concurrent calls with different entries.
type ContentLoader interface {
	Load(ctx context.Context, entry *manifest.AssetEntry, path string) (Handle, int64, error)
}

// Disposer releases engine-side memory for a handle.
type Disposer interface {
	Dispose(h Handle)
}

// PathSelector picks the location to load an entry from, e.g. preferring a
// compressed variant when the platform supports it.
type PathSelector func(entry *manifest.AssetEntry) string

func defaultPathSelector(entry *manifest.AssetEntry) string {
	return entry.Location
}

type Config struct {
	// Maximum loads in flight at once, across all bands and prefetch.
	MaxConcurrent int
	// Soft memory budget. Referenced assets are never evicted, so the
	// budget can be exceeded.
	MemoryBudgetMB int64
	// The relative base path for assets, used by the hot-reload watcher.
	AssetBasePath string
	// Watch the asset base path and invalidate cached assets whose backing
	// file changed. Development aid, off by default.
	WatchAssets bool
}

const (
	DefaultMaxConcurrent  = 3
	DefaultMemoryBudgetMB = 512
)

type Option func(*Streamer)

// WithClock substitutes the wall clock used for last-access stamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Streamer) {
		s.clk = clk
	}
}

// WithPathSelector installs a custom location-selection step.
func WithPathSelector(sel PathSelector) Option {
	return func(s *Streamer) {
		s.selectPath = sel
	}
}

// Streamer is the asset loading pipeline: it resolves manifest dependencies,
// schedules loads across the three priority bands, de-duplicates concurrent
// requests per id and keeps resident assets inside a soft memory budget.
// One instance is constructed at startup and disposed with Shutdown.
type Streamer struct {
	store      *manifest.Store
	loader     ContentLoader
	disposer   Disposer
	selectPath PathSelector
	clk        clock.Clock

	gate   *semaphore.Weighted
	flight singleflight.Group
	cache  *cache

	// lifetime of loads already handed to the ContentLoader; cancelled
	// only at Shutdown so abandoned joins never kill an in-flight load
	ctx    context.Context
	cancel context.CancelFunc

	progressMu sync.RWMutex
	progressFn ProgressFn
	batchMu    sync.Mutex
	batch      *batch
	// serializes complete+emit pairs so observers see monotonic snapshots
	emitMu sync.Mutex

	prefetchMu     sync.Mutex
	prefetchCancel context.CancelFunc

	watcher *watcher

	bg sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

func New(store *manifest.Store, loader ContentLoader, disposer Disposer, config Config, options ...Option) (*Streamer, error) {
	if store == nil {
		return nil, fmt.Errorf("streamer requires a manifest store")
	}
	if loader == nil {
		return nil, fmt.Errorf("streamer requires a content loader")
	}
	if disposer == nil {
		return nil, fmt.Errorf("streamer requires a disposer")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultMaxConcurrent
	}
	if config.MemoryBudgetMB <= 0 {
		config.MemoryBudgetMB = DefaultMemoryBudgetMB
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Streamer{
		store:      store,
		loader:     loader,
		disposer:   disposer,
		selectPath: defaultPathSelector,
		clk:        clock.New(),
		gate:       semaphore.NewWeighted(int64(config.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range options {
		o(s)
	}
	s.cache = newCache(config.MemoryBudgetMB*1024, disposer, s.clk)

	if config.WatchAssets && config.AssetBasePath != "" {
		w, err := newWatcher(s, config.AssetBasePath)
		if err != nil {
			cancel()
			return nil, err
		}
		s.watcher = w
	}

	core.LogInfo("streamer initialized: %d load slots, %dMB budget", config.MaxConcurrent, config.MemoryBudgetMB)
	return s, nil
}

// OnProgress installs the progress sink invoked after every completion in
// the blocking bands of LoadLevel.
func (s *Streamer) OnProgress(fn ProgressFn) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	s.progressFn = fn
}

// RequestLoad returns the handle for an asset, loading it if necessary. The
// requesting level is registered as an owner, keeping the asset resident
// until the level unloads. Concurrent calls for the same id share a single
// ContentLoader invocation.
func (s *Streamer) RequestLoad(ctx context.Context, id, levelID string) (Handle, error) {
	if s.isClosed() {
		return nil, core.ErrShutdown
	}
	entry, ok := s.store.Entry(id)
	if !ok {
		core.LogWarn("requested unknown asset id '%s'", id)
		return nil, core.ErrUnknownAsset
	}
	return s.load(ctx, entry, levelID)
}

func (s *Streamer) load(ctx context.Context, entry *manifest.AssetEntry, levelID string) (Handle, error) {
	if h, ok := s.cache.lookup(entry.ID, levelID); ok {
		return h, nil
	}

	// Dependencies settle before this asset's loader call is issued. A
	// failed dependency is contained like any other loader failure; the
	// dependent still loads.
	for _, depID := range entry.Dependencies {
		dep, ok := s.store.Entry(depID)
		if !ok {
			continue
		}
		if _, err := s.load(ctx, dep, levelID); err != nil {
			core.LogDebug("dependency '%s' of '%s' unavailable: %v", depID, entry.ID, err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if h, ok := s.cache.lookup(entry.ID, levelID); ok {
			return h, nil
		}

		ch := s.flight.DoChan(entry.ID, func() (interface{}, error) {
			return s.fetch(entry, levelID)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if h, ok := s.cache.own(entry.ID, levelID); ok {
				return h, nil
			}
			// The asset was admitted but already evicted before this
			// caller could register ownership. Go around again.
		case <-ctx.Done():
			// The flight keeps running on the streamer context; its
			// result is still cached for later requests.
			return nil, ctx.Err()
		}
	}
}

// fetch performs the actual load. It runs at most once per id at a time
// under the single-flight group and always on the streamer context, so a
// cancelled requester never aborts work that siblings may be waiting on.
func (s *Streamer) fetch(entry *manifest.AssetEntry, levelID string) (*CachedAsset, error) {
	// a flight started from a stale miss must not reload a resident asset
	if ca, ok := s.cache.record(entry.ID, levelID); ok {
		return ca, nil
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.gate.Acquire(s.ctx, 1); err != nil {
		return nil, err
	}
	defer s.gate.Release(1)
	// shutdown may have happened while waiting on the gate
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	path := s.selectPath(entry)
	handle, reportedKB, err := s.loader.Load(s.ctx, entry, path)
	if err != nil {
		core.LogError("failed to load asset '%s' from '%s': %v", entry.ID, path, err)
		return nil, err
	}

	costKB := entry.SizeKB
	if reportedKB > costKB {
		costKB = reportedKB
	}
	ca := s.cache.admit(entry, handle, costKB, levelID)
	core.LogDebug("loaded '%s' (%dKB) from '%s'", entry.ID, costKB, path)
	return ca, nil
}

// LoadLevel drives the three bands of a level: required blocks, preload
// blocks and feeds the progress sink, deferred runs detached. Individual
// load failures are logged and contained; the call fails only for unknown
// levels, manifest cycles or cancellation.
func (s *Streamer) LoadLevel(ctx context.Context, levelID string) error {
	if s.isClosed() {
		return core.ErrShutdown
	}
	lvl, ok := s.store.Level(levelID)
	if !ok {
		core.LogWarn("requested unknown level id '%s'", levelID)
		return core.ErrUnknownLevel
	}

	timer := core.NewClock()
	timer.Start()

	allIDs := lvl.AllIDs()
	for _, id := range allIDs {
		if _, ok := s.store.Entry(id); !ok {
			core.LogWarn("level '%s' requests unknown asset id '%s'", levelID, id)
		}
	}

	fullSet, err := s.store.Resolve(allIDs)
	if err != nil {
		core.LogError("level '%s' has unresolvable dependencies: %v", levelID, err)
		return err
	}
	// Assets shared with already-loaded levels are re-owned up front so
	// they survive the other level unloading mid-way.
	for _, id := range fullSet {
		s.cache.adopt(id, levelID)
	}

	requiredIDs, err := s.store.Resolve(lvl.Required)
	if err != nil {
		return err
	}
	preloadIDs, err := s.store.Resolve(lvl.Preload)
	if err != nil {
		return err
	}

	b := s.beginBatch(requiredIDs, preloadIDs)

	s.drainBand(ctx, requiredIDs, levelID, b, StageCritical)
	if err := ctx.Err(); err != nil {
		return err
	}
	s.drainBand(ctx, preloadIDs, levelID, b, StagePreload)
	if err := ctx.Err(); err != nil {
		return err
	}

	deferredIDs, err := s.store.Resolve(lvl.Deferred)
	if err != nil {
		return err
	}
	if len(deferredIDs) > 0 {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.drainBand(s.ctx, deferredIDs, levelID, nil, StageDeferred)
			core.LogDebug("deferred band of level '%s' settled (%d assets)", levelID, len(deferredIDs))
		}()
	}

	timer.Update()
	core.LogInfo("level '%s' interactive set ready in %.1fms (batch %s)", levelID, timer.ElapsedMS(), b.id)
	return nil
}

// beginBatch builds the foreground progress batch: required+preload ids not
// yet resident, weighted by their declared size.
func (s *Streamer) beginBatch(requiredIDs, preloadIDs []string) *batch {
	ids := make([]string, 0, len(requiredIDs)+len(preloadIDs))
	for _, id := range requiredIDs {
		if !s.cache.resident(id) {
			ids = append(ids, id)
		}
	}
	for _, id := range preloadIDs {
		if !s.cache.resident(id) {
			ids = append(ids, id)
		}
	}
	b := newBatch(ids, func(id string) int64 {
		if entry, ok := s.store.Entry(id); ok {
			return entry.SizeKB
		}
		return 0
	})

	s.batchMu.Lock()
	s.batch = b
	s.batchMu.Unlock()
	return b
}

// drainBand submits every id of a band concurrently, bounded only by the
// gate, and waits for all of them to settle. Failures are contained.
func (s *Streamer) drainBand(ctx context.Context, ids []string, levelID string, b *batch, stage string) {
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := s.RequestLoad(ctx, id, levelID); err != nil {
				core.LogDebug("asset '%s' not loaded in %s band of '%s': %v", id, stage, levelID, err)
			}
			if b != nil {
				s.emitMu.Lock()
				if p, counted := b.complete(id, stage); counted {
					s.emitProgress(p)
				}
				s.emitMu.Unlock()
			}
			return nil
		})
	}
	// goroutines never return errors; failures must not abort the band
	_ = g.Wait()
}

func (s *Streamer) emitProgress(p Progress) {
	s.progressMu.RLock()
	fn := s.progressFn
	s.progressMu.RUnlock()
	if fn != nil {
		fn(p)
	}
}

// Progress returns a snapshot of the current foreground batch for UI
// polling.
func (s *Streamer) Progress() Progress {
	s.batchMu.Lock()
	b := s.batch
	s.batchMu.Unlock()
	if b == nil {
		return Progress{Percent: 100.0, WeightedPercent: 100.0}
	}
	return b.snapshot()
}

// UnloadLevel releases the level's ownership of every resident asset.
// Assets left unowned are disposed immediately.
func (s *Streamer) UnloadLevel(levelID string) {
	s.cache.releaseOwner(levelID)
	core.LogInfo("level '%s' unloaded, memory %dKB", levelID, s.cache.usageKB())
}

// SetMemoryBudget adjusts the soft budget at runtime, triggering an
// immediate eviction pass.
func (s *Streamer) SetMemoryBudget(mb int64) {
	s.cache.setBudgetKB(mb * 1024)
}

func (s *Streamer) Resident(id string) bool {
	return s.cache.resident(id)
}

func (s *Streamer) MemoryUsageKB() int64 {
	return s.cache.usageKB()
}

type Stats struct {
	ResidentCount  int
	MemoryUsageKB  int64
	MemoryBudgetKB int64
}

func (s *Streamer) Stats() Stats {
	return Stats{
		ResidentCount:  s.cache.count(),
		MemoryUsageKB:  s.cache.usageKB(),
		MemoryBudgetKB: s.cache.budget(),
	}
}

// Shutdown cancels background work, waits for detached bands to settle and
// disposes every resident asset. The streamer is unusable afterwards.
func (s *Streamer) Shutdown() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.CancelPrefetch()
	s.cancel()
	if s.watcher != nil {
		s.watcher.close()
	}
	s.bg.Wait()
	s.cache.disposeAll()
	core.LogInfo("streamer shut down")
	return nil
}

func (s *Streamer) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}
