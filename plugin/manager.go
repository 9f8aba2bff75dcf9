package plugin

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lcx/tilesync/log"
	"github.com/lcx/tilesync/metrics"
)

// PluginManager registers components and drives their lifecycle in dependency order:
// Init and Start walk dependencies first, Stop walks the same order backwards.
type PluginManager interface {
	RegisterPlugin(plugin Plugin) error
	UnregisterPlugin(name string) error

	// StartAll initializes every plugin, then starts every plugin. If a Start fails the
	// plugins already started are stopped again before the error is returned.
	StartAll() error
	// StopAll stops every started plugin. A failing Stop is logged and does not prevent the
	// remaining plugins from stopping.
	StopAll() error

	StartPlugin(name string) error
	StopPlugin(name string) error

	GetPlugin(name string) Plugin
	GetPluginInfo(name string) (*PluginInfo, error)
	// ListPlugins returns a copy of every plugin's info, sorted by name.
	ListPlugins() []PluginInfo
}

type entry struct {
	plugin  Plugin
	info    PluginInfo
	started bool
}

type pluginManager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewPluginManager() PluginManager {
	return &pluginManager{entries: make(map[string]*entry)}
}

func (pm *pluginManager) RegisterPlugin(plugin Plugin) error {
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	name := plugin.Name()
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.entries[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	pm.entries[name] = &entry{
		plugin: plugin,
		info: PluginInfo{
			Name:         name,
			Version:      plugin.Version(),
			Status:       PluginStatusRegistered,
			Dependencies: plugin.Dependencies(),
		},
	}
	log.Info().Str("name", name).Str("version", plugin.Version()).Msg("plugin registered")
	return nil
}

func (pm *pluginManager) UnregisterPlugin(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	e, exists := pm.entries[name]
	if !exists {
		return fmt.Errorf("plugin %s not found", name)
	}
	if e.started {
		if err := pm.stop(e); err != nil {
			log.Error().Str("name", name).Err(err).Msg("failed to stop plugin during unregister")
		}
	}
	delete(pm.entries, name)
	log.Info().Str("name", name).Msg("plugin unregistered")
	return nil
}

func (pm *pluginManager) StartAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	order, err := pm.resolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}
	log.Info().Strs("order", order).Msg("starting plugins in order")

	for _, name := range order {
		if err := pm.init(pm.entries[name]); err != nil {
			return err
		}
	}
	for _, name := range order {
		e := pm.entries[name]
		if e.started {
			continue
		}
		if err := pm.start(e); err != nil {
			pm.rollback(order)
			return err
		}
	}
	return nil
}

// rollback stops, in reverse order, the plugins a failed StartAll already started.
func (pm *pluginManager) rollback(order []string) {
	for _, name := range slices.Backward(order) {
		e := pm.entries[name]
		if !e.started {
			continue
		}
		if err := pm.stop(e); err != nil {
			log.Error().Str("name", name).Err(err).Msg("failed to stop plugin during rollback")
		}
	}
}

func (pm *pluginManager) StopAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	order, err := pm.resolveDependencies()
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}
	for _, name := range slices.Backward(order) {
		e := pm.entries[name]
		if !e.started {
			continue
		}
		if err := pm.stop(e); err != nil {
			log.Error().Str("name", name).Err(err).Msg("failed to stop plugin")
		}
	}
	return nil
}

func (pm *pluginManager) StartPlugin(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	e, exists := pm.entries[name]
	if !exists {
		return fmt.Errorf("plugin %s not found", name)
	}
	if e.started {
		return fmt.Errorf("plugin %s already started", name)
	}
	if err := pm.init(e); err != nil {
		return err
	}
	return pm.start(e)
}

func (pm *pluginManager) StopPlugin(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	e, exists := pm.entries[name]
	if !exists {
		return fmt.Errorf("plugin %s not found", name)
	}
	if !e.started {
		return fmt.Errorf("plugin %s not started", name)
	}
	return pm.stop(e)
}

// init runs Init once; a plugin already past registration is left alone.
func (pm *pluginManager) init(e *entry) error {
	if e.info.Status != PluginStatusRegistered {
		return nil
	}
	if err := pm.phase(e, "init", e.plugin.Init); err != nil {
		return err
	}
	e.info.Status = PluginStatusInitialized
	return nil
}

func (pm *pluginManager) start(e *entry) error {
	if err := pm.phase(e, "start", e.plugin.Start); err != nil {
		return err
	}
	e.info.Status = PluginStatusStarted
	e.info.StartTime = time.Now()
	e.started = true
	metrics.UpdateGaugeWithGroup("plugin", "started", metrics.Value(pm.startedCount()))
	return nil
}

func (pm *pluginManager) stop(e *entry) error {
	if err := pm.phase(e, "stop", e.plugin.Stop); err != nil {
		return err
	}
	e.info.Status = PluginStatusStopped
	e.info.StopTime = time.Now()
	e.started = false
	metrics.UpdateGaugeWithGroup("plugin", "started", metrics.Value(pm.startedCount()))
	return nil
}

// phase runs one lifecycle call, recording its duration and turning a failure into a
// PluginError with the plugin marked as errored.
func (pm *pluginManager) phase(e *entry, name string, fn func() error) error {
	begin := time.Now()
	err := fn()
	metrics.RecordStopwatchWithDimGroup("plugin", "phase_time", begin, map[string]string{"plugin": e.info.Name, "phase": name})
	if err != nil {
		e.info.Status = PluginStatusError
		e.info.Error = err
		metrics.IncrCounterWithDimGroup("plugin", "phase_error_total", 1, map[string]string{"plugin": e.info.Name, "phase": name})
		return NewPluginError(e.info.Name, name, err)
	}
	log.Info().Str("name", e.info.Name).Str("phase", name).Dur("cost", time.Since(begin)).Msg("plugin phase done")
	return nil
}

func (pm *pluginManager) startedCount() int {
	n := 0
	for _, e := range pm.entries {
		if e.started {
			n++
		}
	}
	return n
}

func (pm *pluginManager) GetPlugin(name string) Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if e, ok := pm.entries[name]; ok {
		return e.plugin
	}
	return nil
}

func (pm *pluginManager) GetPluginInfo(name string) (*PluginInfo, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	e, ok := pm.entries[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s not found", name)
	}
	info := e.info
	return &info, nil
}

func (pm *pluginManager) ListPlugins() []PluginInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	infos := make([]PluginInfo, 0, len(pm.entries))
	for _, e := range pm.entries {
		infos = append(infos, e.info)
	}
	slices.SortFunc(infos, func(a, b PluginInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// resolveDependencies returns a start order where every plugin follows its dependencies.
// Plugins are visited in name order so the result is stable.
func (pm *pluginManager) resolveDependencies() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(pm.entries))
	order := make([]string, 0, len(pm.entries))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("circular dependency detected: %v", append(slices.Clip(path), name))
		}
		e, ok := pm.entries[name]
		if !ok {
			return fmt.Errorf("plugin %s not found (required by %v)", name, path)
		}
		state[name] = visiting
		for _, dep := range e.plugin.Dependencies() {
			if err := visit(dep, append(slices.Clip(path), name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(pm.entries))
	for name := range pm.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
