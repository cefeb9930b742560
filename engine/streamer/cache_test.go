package streamer

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spaghettifunk/presto/engine/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, sizeKB int64) *manifest.AssetEntry {
	return &manifest.AssetEntry{ID: id, Location: id + ".bin", Category: manifest.CategoryData, SizeKB: sizeKB}
}

// stripOwners models assets left behind by a departed consumer, e.g. a
// prefetch for a level that was never entered.
func stripOwners(c *cache, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if ca, ok := c.entries[id]; ok {
			ca.owners = ownerSet{}
		}
	}
}

func TestGovernorEvictsOldestUnreferencedFirst(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(15, disposer, mock) // 15KB budget

	c.admit(entry("old", 10), &stubHandle{id: "old"}, 10, "tmp")
	mock.Add(time.Minute)
	c.admit(entry("newer", 8), &stubHandle{id: "newer"}, 8, "tmp")
	stripOwners(c, "old", "newer")
	mock.Add(time.Minute)

	// admitting a referenced 10KB asset pushes the total to 28KB; the
	// governor drops the oldest unreferenced asset first, then the next
	c.admit(entry("live", 10), &stubHandle{id: "live"}, 10, "player")

	assert.Equal(t, []string{"old", "newer"}, disposer.order())
	assert.False(t, c.resident("old"))
	assert.False(t, c.resident("newer"))
	assert.True(t, c.resident("live"))
	assert.Equal(t, int64(10), c.usageKB())
}

func TestGovernorStopsOnceUnderBudget(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(20, disposer, mock)

	c.admit(entry("old", 10), &stubHandle{id: "old"}, 10, "tmp")
	mock.Add(time.Minute)
	c.admit(entry("newer", 8), &stubHandle{id: "newer"}, 8, "tmp")
	stripOwners(c, "old", "newer")
	mock.Add(time.Minute)

	c.admit(entry("live", 10), &stubHandle{id: "live"}, 10, "player") // 28KB

	// dropping the 10KB asset reaches 18KB, under the 20KB budget
	assert.Equal(t, []string{"old"}, disposer.order())
	assert.True(t, c.resident("newer"))
	assert.Equal(t, int64(18), c.usageKB())
}

func TestGovernorNeverEvictsReferencedAssets(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(5, disposer, mock)

	// over budget from the start, but the only resident asset is owned
	c.admit(entry("x", 10), &stubHandle{id: "x"}, 10, "player")
	assert.True(t, c.resident("x"))
	assert.Empty(t, disposer.order())
	assert.Equal(t, int64(10), c.usageKB())

	// shrinking the budget further still cannot touch it
	c.setBudgetKB(1)
	assert.True(t, c.resident("x"))
}

func TestBudgetChangeTriggersImmediateEviction(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(100, disposer, mock)

	c.admit(entry("a", 30), &stubHandle{id: "a"}, 30, "tmp")
	mock.Add(time.Minute)
	c.admit(entry("b", 30), &stubHandle{id: "b"}, 30, "player")
	stripOwners(c, "a")

	c.setBudgetKB(40)
	assert.False(t, c.resident("a"))
	assert.True(t, c.resident("b"))
	assert.Equal(t, int64(30), c.usageKB())
}

func TestReleaseOwnerDisposesEagerly(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(1000, disposer, mock)

	c.admit(entry("x", 10), &stubHandle{id: "x"}, 10, "l1")
	_, ok := c.own("x", "l2")
	require.True(t, ok)

	c.releaseOwner("l1")
	assert.True(t, c.resident("x"))
	assert.Empty(t, disposer.order())

	// no admission happens here; disposal is immediate on the last release
	c.releaseOwner("l2")
	assert.False(t, c.resident("x"))
	assert.Equal(t, 1, disposer.count("x"))
	assert.Equal(t, int64(0), c.usageKB())
}

func TestLookupRefreshesLastAccess(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(25, disposer, mock)

	c.admit(entry("a", 10), &stubHandle{id: "a"}, 10, "tmp")
	mock.Add(time.Minute)
	c.admit(entry("b", 10), &stubHandle{id: "b"}, 10, "tmp")
	mock.Add(time.Minute)

	// touching "a" makes "b" the eviction candidate despite admission order
	_, ok := c.lookup("a", "tmp")
	require.True(t, ok)
	stripOwners(c, "a", "b")
	mock.Add(time.Minute)

	c.admit(entry("live", 10), &stubHandle{id: "live"}, 10, "player") // 30KB > 25KB

	assert.Equal(t, []string{"b"}, disposer.order())
	assert.True(t, c.resident("a"))
}

func TestAdmitOfResidentIDKeepsExistingRecord(t *testing.T) {
	mock := clock.NewMock()
	disposer := &stubDisposer{}
	c := newCache(1000, disposer, mock)

	first := c.admit(entry("x", 10), &stubHandle{id: "x"}, 10, "l1")
	dup := &stubHandle{id: "x"}
	second := c.admit(entry("x", 10), dup, 10, "l2")

	assert.Same(t, first, second)
	// the duplicate handle is released, the accounting stays single
	assert.Equal(t, 1, disposer.count("x"))
	assert.Equal(t, int64(10), c.usageKB())
}
