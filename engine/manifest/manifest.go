package manifest

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/presto/engine/core"
)

type AssetCategory string

const (
	CategoryModel   AssetCategory = "model"
	CategoryTexture AssetCategory = "texture"
	CategoryAudio   AssetCategory = "audio"
	CategoryShader  AssetCategory = "shader"
	CategoryData    AssetCategory = "data"
)

// AssetEntry describes one loadable resource. Entries are defined at startup
// and never mutated afterwards.
type AssetEntry struct {
	// Globally unique asset id.
	ID string `toml:"id"`
	// Path of the asset relative to the asset base path.
	Location string        `toml:"location"`
	Category AssetCategory `toml:"category"`
	// Declared size estimate in KB. Used for memory accounting and for
	// weighting progress; refined by the loader after the fact.
	SizeKB int64 `toml:"size_kb"`
	// Ids of assets that must be loaded before this one.
	Dependencies []string `toml:"dependencies,omitempty"`
	// Alternate path, e.g. a compressed texture variant.
	AltLocation string `toml:"alt_location,omitempty"`
	// Whether AltLocation holds a format variant of the same asset.
	HasVariant bool `toml:"has_variant,omitempty"`
}

// LevelManifest groups asset ids into the three priority bands of a level.
// Duplicate ids within or across bands are tolerated and treated as a set.
type LevelManifest struct {
	ID string `toml:"id"`
	// Blocks level start.
	Required []string `toml:"required,omitempty"`
	// Should finish before gameplay begins, loading-screen-bounded.
	Preload []string `toml:"preload,omitempty"`
	// May finish arbitrarily late.
	Deferred []string `toml:"deferred,omitempty"`
}

// Store is the immutable, process-wide table of asset entries and level
// manifests, plus the linear level ordering used for prefetch.
type Store struct {
	entries map[string]*AssetEntry
	levels  map[string]*LevelManifest
	order   []string
}

type manifestFile struct {
	Assets     []*AssetEntry    `toml:"asset"`
	Levels     []*LevelManifest `toml:"level"`
	LevelOrder []string         `toml:"level_order"`
}

func NewStore(assets []*AssetEntry, levels []*LevelManifest, levelOrder []string) (*Store, error) {
	s := &Store{
		entries: make(map[string]*AssetEntry, len(assets)),
		levels:  make(map[string]*LevelManifest, len(levels)),
		order:   levelOrder,
	}

	for _, a := range assets {
		if a.ID == "" {
			return nil, fmt.Errorf("asset entry with empty id (location %q)", a.Location)
		}
		if _, exists := s.entries[a.ID]; exists {
			return nil, fmt.Errorf("duplicate asset id %q", a.ID)
		}
		s.entries[a.ID] = a
	}

	for _, l := range levels {
		if _, exists := s.levels[l.ID]; exists {
			return nil, fmt.Errorf("duplicate level id %q", l.ID)
		}
		s.levels[l.ID] = l
	}

	// Dependencies pointing at unknown ids are tolerated at load time, but
	// worth a warning during authoring.
	for _, a := range assets {
		for _, dep := range a.Dependencies {
			if _, ok := s.entries[dep]; !ok {
				core.LogWarn("asset '%s' depends on unknown id '%s'", a.ID, dep)
			}
		}
	}
	for _, l := range levels {
		for _, id := range l.AllIDs() {
			if _, ok := s.entries[id]; !ok {
				core.LogWarn("level '%s' references unknown asset id '%s'", l.ID, id)
			}
		}
	}
	for _, id := range levelOrder {
		if _, ok := s.levels[id]; !ok {
			core.LogWarn("level order references unknown level id '%s'", id)
		}
	}

	if err := s.checkCycles(); err != nil {
		return nil, err
	}

	return s, nil
}

// LoadFile reads a TOML manifest from disk and builds a Store from it.
func LoadFile(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var mf manifestFile
	if err := toml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return NewStore(mf.Assets, mf.Levels, mf.LevelOrder)
}

func (s *Store) Entry(id string) (*AssetEntry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) Level(id string) (*LevelManifest, bool) {
	l, ok := s.levels[id]
	return l, ok
}

// NextLevel returns the level id following the given one in the configured
// level order. ok is false when the given level is last or not in the order.
func (s *Store) NextLevel(current string) (string, bool) {
	for i, id := range s.order {
		if id == current && i+1 < len(s.order) {
			return s.order[i+1], true
		}
	}
	return "", false
}

func (s *Store) LevelOrder() []string {
	return s.order
}

// Assets returns every entry in the store, in no particular order.
func (s *Store) Assets() []*AssetEntry {
	out := make([]*AssetEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// AllIDs returns required ∪ preload ∪ deferred with duplicates removed,
// preserving first-seen order.
func (l *LevelManifest) AllIDs() []string {
	seen := make(map[string]struct{}, len(l.Required)+len(l.Preload)+len(l.Deferred))
	out := make([]string, 0, len(l.Required)+len(l.Preload)+len(l.Deferred))
	for _, band := range [][]string{l.Required, l.Preload, l.Deferred} {
		for _, id := range band {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
