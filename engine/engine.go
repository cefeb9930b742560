package engine

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/presto/engine/core"
	"github.com/spaghettifunk/presto/engine/manifest"
	"github.com/spaghettifunk/presto/engine/streamer"
)

// ApplicationConfig is the startup configuration of the streaming engine,
// usually decoded from a TOML file next to the binary.
type ApplicationConfig struct {
	// The application name, used in logs.
	Name string `toml:"name"`
	// Minimum log severity: debug, info, warn, error.
	LogLevel string `toml:"log_level"`
	// Path of the TOML asset manifest.
	ManifestPath string `toml:"manifest_path"`
	// The relative base path for assets.
	AssetBasePath string `toml:"asset_base_path"`
	// Invalidate cached assets when their file changes on disk.
	WatchAssets bool `toml:"watch_assets"`
	// Maximum loads in flight at once.
	MaxConcurrent int `toml:"max_concurrent"`
	// Soft memory budget for resident assets.
	MemoryBudgetMB int64 `toml:"memory_budget_mb"`
}

// LoadConfig reads an ApplicationConfig from a TOML file.
func LoadConfig(path string) (*ApplicationConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg ApplicationConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Engine owns the process lifecycle of the streaming pipeline: it is
// constructed once at startup with the engine-side loader and disposer and
// torn down with Shutdown.
type Engine struct {
	config   *ApplicationConfig
	store    *manifest.Store
	streamer *streamer.Streamer
}

func New(cfg *ApplicationConfig, loader streamer.ContentLoader, disposer streamer.Disposer, options ...streamer.Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine requires a configuration")
	}

	switch cfg.LogLevel {
	case "debug", "":
		core.SetLogLevel(core.DebugLevel)
	case "info":
		core.SetLogLevel(core.InfoLevel)
	case "warn":
		core.SetLogLevel(core.WarnLevel)
	case "error":
		core.SetLogLevel(core.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	store, err := manifest.LoadFile(cfg.ManifestPath)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	s, err := streamer.New(store, loader, disposer, streamer.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		MemoryBudgetMB: cfg.MemoryBudgetMB,
		AssetBasePath:  cfg.AssetBasePath,
		WatchAssets:    cfg.WatchAssets,
	}, options...)
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	core.LogInfo("%s ready, %d levels in manifest", cfg.Name, len(store.LevelOrder()))

	return &Engine{
		config:   cfg,
		store:    store,
		streamer: s,
	}, nil
}

func (e *Engine) Store() *manifest.Store {
	return e.store
}

func (e *Engine) Streamer() *streamer.Streamer {
	return e.streamer
}

func (e *Engine) Shutdown() error {
	return e.streamer.Shutdown()
}
