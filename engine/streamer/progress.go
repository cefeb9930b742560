package streamer

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/constraints"
)

const (
	StageCritical = "critical"
	StagePreload  = "preload"
	StageDeferred = "deferred"
)

// Progress is the snapshot handed to the progress sink after every
// completion in the blocking bands. Weighted percentages move with the size
// estimates of the completed assets, which gives a smoother signal than
// item counts when asset sizes are skewed.
type Progress struct {
	BatchID         string
	Total           int
	Loaded          int
	TotalKB         int64
	LoadedKB        int64
	Percent         float64
	WeightedPercent float64
	CurrentAssetID  string
	Stage           string
}

type ProgressFn func(Progress)

type batch struct {
	mu       sync.Mutex
	id       string
	total    int
	loaded   int
	totalKB  int64
	loadedKB int64
	pending  map[string]int64
	stage    string
	current  string
}

func newBatch(ids []string, weight func(id string) int64) *batch {
	b := &batch{
		id:      uuid.New().String(),
		pending: make(map[string]int64, len(ids)),
	}
	for _, id := range ids {
		if _, ok := b.pending[id]; ok {
			continue
		}
		kb := weight(id)
		b.pending[id] = kb
		b.total++
		b.totalKB += kb
	}
	return b
}

// complete marks one asset as settled. Assets outside the batch (already
// resident when the batch was built, or deferred-band) report false and emit
// no progress.
func (b *batch) complete(id, stage string) (Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kb, ok := b.pending[id]
	if !ok {
		return Progress{}, false
	}
	delete(b.pending, id)
	b.loaded++
	b.loadedKB += kb
	b.stage = stage
	b.current = id
	return b.snapshotLocked(), true
}

func (b *batch) snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *batch) snapshotLocked() Progress {
	p := Progress{
		BatchID:        b.id,
		Total:          b.total,
		Loaded:         b.loaded,
		TotalKB:        b.totalKB,
		LoadedKB:       b.loadedKB,
		CurrentAssetID: b.current,
		Stage:          b.stage,
	}
	// An empty batch means there was nothing to do, which is complete.
	p.Percent = 100.0
	p.WeightedPercent = 100.0
	if b.total > 0 {
		p.Percent = clamp(float64(b.loaded)/float64(b.total)*100.0, 0, 100)
	}
	if b.totalKB > 0 {
		p.WeightedPercent = clamp(float64(b.loadedKB)/float64(b.totalKB)*100.0, 0, 100)
	}
	return p
}

// clamp returns the value `f` clamped to the range [low, high].
func clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}
