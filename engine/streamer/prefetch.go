package streamer

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/spaghettifunk/presto/engine/core"
)

// PrefetchNext warms the cache for the level following the given one in the
// configured order. Any previous prefetch is cancelled first. Loads go
// through the same single-flight/gate path as foreground loading but the
// caller is never blocked and the foreground progress batch is untouched.
func (s *Streamer) PrefetchNext(currentLevelID string) {
	s.CancelPrefetch()

	if s.isClosed() {
		return
	}

	nextID, ok := s.store.NextLevel(currentLevelID)
	if !ok {
		core.LogDebug("no level follows '%s', nothing to prefetch", currentLevelID)
		return
	}
	lvl, ok := s.store.Level(nextID)
	if !ok {
		core.LogWarn("level order names '%s' but no manifest exists for it", nextID)
		return
	}

	// deferred assets are not worth warming; required+preload is what the
	// next loading screen would otherwise wait on
	wanted := append(append([]string{}, lvl.Required...), lvl.Preload...)
	ids, err := s.store.Resolve(wanted)
	if err != nil {
		core.LogError("prefetch for level '%s' aborted: %v", nextID, err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.prefetchMu.Lock()
	s.prefetchCancel = cancel
	s.prefetchMu.Unlock()

	opID := uuid.New().String()
	core.LogDebug("prefetch %s: warming %d assets for level '%s'", opID, len(ids), nextID)

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for _, id := range ids {
			// cancellation is checked between assets, never inside a
			// loader call; results of loads already in flight stay cached
			if ctx.Err() != nil {
				core.LogDebug("prefetch %s cancelled", opID)
				return
			}
			if s.cache.resident(id) {
				continue
			}
			if _, err := s.RequestLoad(ctx, id, nextID); err != nil {
				if errors.Is(err, context.Canceled) {
					core.LogDebug("prefetch %s cancelled while loading '%s'", opID, id)
					return
				}
				core.LogWarn("prefetch %s: asset '%s' failed: %v", opID, id, err)
			}
		}
		core.LogDebug("prefetch %s for level '%s' complete", opID, nextID)
	}()
}

// CancelPrefetch stops the current prefetch, if any. Loads already handed to
// the ContentLoader finish and are cached.
func (s *Streamer) CancelPrefetch() {
	s.prefetchMu.Lock()
	defer s.prefetchMu.Unlock()
	if s.prefetchCancel != nil {
		s.prefetchCancel()
		s.prefetchCancel = nil
	}
}
