package streamer

import (
	"context"
	"testing"
	"time"

	"github.com/spaghettifunk/presto/engine/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prefetchStore(t *testing.T) *manifest.Store {
	return buildStore(t, []*manifest.AssetEntry{
		{ID: "a", Location: "a.glb", Category: manifest.CategoryModel, SizeKB: 10},
		{ID: "b", Location: "b.glb", Category: manifest.CategoryModel, SizeKB: 10},
		{ID: "c", Location: "c.ogg", Category: manifest.CategoryAudio, SizeKB: 10},
	}, []*manifest.LevelManifest{
		{ID: "l1", Required: []string{"a"}},
		{ID: "l2", Required: []string{"b"}, Preload: []string{"c"}},
	}, []string{"l1", "l2"})
}

func TestPrefetchWarmsNextLevel(t *testing.T) {
	loader := newStubLoader()
	disposer := &stubDisposer{}
	s := newTestStreamer(t, prefetchStore(t), loader, disposer, Config{})

	require.NoError(t, s.LoadLevel(context.Background(), "l1"))
	s.PrefetchNext("l1")

	require.Eventually(t, func() bool {
		return s.Resident("b") && s.Resident("c")
	}, 2*time.Second, 10*time.Millisecond)

	// entering the level finds everything already resident
	require.NoError(t, s.LoadLevel(context.Background(), "l2"))
	assert.Equal(t, 1, loader.callCount("b"))
	assert.Equal(t, 1, loader.callCount("c"))

	// prefetched assets are owned by the next level
	s.UnloadLevel("l1")
	assert.True(t, s.Resident("b"))
	s.UnloadLevel("l2")
	assert.False(t, s.Resident("b"))
	assert.False(t, s.Resident("c"))
}

func TestPrefetchCancellationStopsNewSubmissions(t *testing.T) {
	loader := newStubLoader()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	loader.block["b"] = release
	loader.started["b"] = started
	s := newTestStreamer(t, prefetchStore(t), loader, &stubDisposer{}, Config{})

	s.PrefetchNext("l1")
	<-started
	s.CancelPrefetch()
	close(release)

	// the load already in flight finishes and stays cached
	require.Eventually(t, func() bool {
		return s.Resident("b")
	}, 2*time.Second, 10*time.Millisecond)

	// but nothing after the cancellation point is submitted
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, loader.callCount("c"))
}

func TestPrefetchReplacesPriorPrefetch(t *testing.T) {
	loader := newStubLoader()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	loader.block["b"] = release
	loader.started["b"] = started
	s := newTestStreamer(t, prefetchStore(t), loader, &stubDisposer{}, Config{})

	s.PrefetchNext("l1")
	<-started
	// a second prefetch for the same transition cancels the first and
	// joins the still-in-flight load instead of duplicating it
	s.PrefetchNext("l1")
	close(release)

	require.Eventually(t, func() bool {
		return s.Resident("b") && s.Resident("c")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, loader.callCount("b"))
}

func TestPrefetchAtEndOfOrderIsANoOp(t *testing.T) {
	loader := newStubLoader()
	s := newTestStreamer(t, prefetchStore(t), loader, &stubDisposer{}, Config{})

	s.PrefetchNext("l2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, loader.callCount("a"))
	assert.Equal(t, 0, loader.callCount("b"))
}
