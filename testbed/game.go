package testbed

import (
	"context"
	"fmt"
	"time"

	"github.com/spaghettifunk/presto/engine/core"
	"github.com/spaghettifunk/presto/engine/manifest"
	"github.com/spaghettifunk/presto/engine/streamer"
)

// DemoGame exercises the streaming pipeline with a synthetic content loader
// so the repository can be run without real assets or a rendering backend.
type DemoGame struct {
	Store    *manifest.Store
	Streamer *streamer.Streamer
}

// fakeHandle stands in for an engine-side resource.
type fakeHandle struct {
	Path   string
	SizeKB int64
}

// fakeLoader simulates disk+decode latency proportional to asset size.
type fakeLoader struct {
	perMB time.Duration
}

func (l *fakeLoader) Load(ctx context.Context, entry *manifest.AssetEntry, path string) (streamer.Handle, int64, error) {
	delay := time.Duration(entry.SizeKB) * l.perMB / 1024
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	// pretend decoding discovered the asset is a bit larger than declared
	return &fakeHandle{Path: path, SizeKB: entry.SizeKB}, entry.SizeKB + entry.SizeKB/10, nil
}

type fakeDisposer struct{}

func (d *fakeDisposer) Dispose(h streamer.Handle) {}

func demoStore() (*manifest.Store, error) {
	assets := []*manifest.AssetEntry{
		{ID: "marine_diffuse", Location: "textures/marine_diffuse.ktx2", Category: manifest.CategoryTexture, SizeKB: 4096,
			AltLocation: "textures/marine_diffuse.png", HasVariant: true},
		{ID: "marine_model", Location: "models/marine.glb", Category: manifest.CategoryModel, SizeKB: 2048,
			Dependencies: []string{"marine_diffuse"}},
		{ID: "hangar_model", Location: "models/hangar.glb", Category: manifest.CategoryModel, SizeKB: 8192},
		{ID: "hangar_ambience", Location: "audio/hangar_loop.ogg", Category: manifest.CategoryAudio, SizeKB: 1024},
		{ID: "pbr_shader", Location: "shaders/pbr.shadercfg", Category: manifest.CategoryShader, SizeKB: 16},
		{ID: "reactor_model", Location: "models/reactor.glb", Category: manifest.CategoryModel, SizeKB: 6144},
		{ID: "reactor_voiceover", Location: "audio/reactor_vo.ogg", Category: manifest.CategoryAudio, SizeKB: 3072},
		{ID: "credits_data", Location: "data/credits.json", Category: manifest.CategoryData, SizeKB: 8},
	}
	levels := []*manifest.LevelManifest{
		{
			ID:       "hangar",
			Required: []string{"hangar_model", "marine_model", "pbr_shader"},
			Preload:  []string{"hangar_ambience"},
			Deferred: []string{"credits_data"},
		},
		{
			ID:       "reactor",
			Required: []string{"reactor_model", "marine_model", "pbr_shader"},
			Preload:  []string{"reactor_voiceover"},
		},
	}
	return manifest.NewStore(assets, levels, []string{"hangar", "reactor"})
}

func NewDemoGame() (*DemoGame, error) {
	store, err := demoStore()
	if err != nil {
		return nil, err
	}

	s, err := streamer.New(store, &fakeLoader{perMB: 150 * time.Millisecond}, &fakeDisposer{}, streamer.Config{
		MaxConcurrent:  3,
		MemoryBudgetMB: 24,
	}, streamer.WithPathSelector(func(entry *manifest.AssetEntry) string {
		// pretend the demo platform lacks compressed-texture support and
		// fall back to the uncompressed variant
		if entry.HasVariant && entry.AltLocation != "" {
			return entry.AltLocation
		}
		return entry.Location
	}))
	if err != nil {
		return nil, err
	}

	s.OnProgress(func(p streamer.Progress) {
		core.LogInfo("[%s] %s %s %.0f%% (weighted %.0f%%)", p.Stage, p.CurrentAssetID,
			progressBar(p.WeightedPercent), p.Percent, p.WeightedPercent)
	})

	return &DemoGame{Store: store, Streamer: s}, nil
}

// Run walks the demo levels the way a session would: load the first level,
// prefetch the next while "playing", then transition.
func (g *DemoGame) Run(ctx context.Context) error {
	if err := g.Streamer.LoadLevel(ctx, "hangar"); err != nil {
		return err
	}
	g.Streamer.PrefetchNext("hangar")

	// simulated gameplay in the hangar
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := g.Streamer.LoadLevel(ctx, "reactor"); err != nil {
		return err
	}
	g.Streamer.UnloadLevel("hangar")

	stats := g.Streamer.Stats()
	core.LogInfo("session stats: %d resident assets, %d/%dKB", stats.ResidentCount, stats.MemoryUsageKB, stats.MemoryBudgetKB)
	return nil
}

func progressBar(percent float64) string {
	const width = 20
	filled := int(percent / 100 * width)
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "="
		} else {
			bar += "-"
		}
	}
	return fmt.Sprintf("[%s]", bar)
}
