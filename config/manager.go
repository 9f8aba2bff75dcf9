package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/lcx/tilesync/metrics"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	RegisterValidator(configName string, validator ValidatorFunc)
	RegisterHook(configName string, hook HookFunc)
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	NotifyConfigChanged(configName string, newConfig, oldConfig Config)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// HookFunc configuration change hook function
type HookFunc func(oldVal, newVal Config) error

// configManager keeps the last good value of every loaded config. One fsnotify watcher
// observes the directories of the loaded files; a write or a replace of a file reloads
// every config read from it.
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	listeners  []ConfigChangeListener
	basePath   string
	env        string

	watcher *fsnotify.Watcher
	files   map[string][]string // config file -> config names
	dirs    map[string]struct{}
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		files:      make(map[string][]string),
		dirs:       make(map[string]struct{}),
		basePath:   "./configs",
		env:        "development",
	}
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()

	// Set configuration file path
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))
	v.AddConfigPath(cm.basePath)

	// Read environment variables for override, e.g. SERVER_TICKRATE=30
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// LoadConfig loads configuration from file
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}

	// Unmarshal onto the caller's struct so unset keys keep their defaults
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate config failed: %w", err)
		}
	}

	cm.configs[configName] = config

	// Set up file watching
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}

	return nil
}

// GetConfig returns the last loaded value for configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}

	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

// AddChangeListener registers a listener for every subsequent reload.
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	if listener == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveChangeListener unregisters listener. Unknown listeners are ignored.
func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// NotifyConfigChanged fans a change out to all listeners. Listener errors are reported
// on stderr and do not stop the remaining listeners.
func (cm *configManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {
	cm.mu.RLock()
	listeners := make([]ConfigChangeListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.mu.RUnlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			fmt.Fprintf(os.Stderr, "config listener failed for %s: %v\n", configName, err)
		}
	}
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// watchConfigFile registers the file viper read configName from. Must hold cm.mu.
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}
	file, err := filepath.Abs(configFile)
	if err != nil {
		return err
	}
	if slices.Contains(cm.files[file], configName) {
		return nil
	}

	if cm.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		cm.watcher = w
		go cm.watchLoop(w)
	}
	dir := filepath.Dir(file)
	if _, ok := cm.dirs[dir]; !ok {
		if err := cm.watcher.Add(dir); err != nil {
			return err
		}
		cm.dirs[dir] = struct{}{}
	}
	cm.files[file] = append(cm.files[file], configName)
	return nil
}

func (cm *configManager) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			// 编辑器保存时可能是先删后建
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			file, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			cm.mu.RLock()
			names := slices.Clone(cm.files[file])
			cm.mu.RUnlock()
			for _, name := range names {
				cm.reloadConfig(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
		}
	}
}

const (
	reloadApplied   = "applied"
	reloadUnchanged = "unchanged"
	reloadRejected  = "rejected"
)

// reloadConfig reloads configuration when file changes
func (cm *configManager) reloadConfig(configName string) {
	oldConfig, newConfig, result := cm.swapConfig(configName)
	metrics.IncrCounterWithDimGroup("config", "reload_total", 1, metrics.Dimension{"config": configName, "result": result})
	if result == reloadApplied {
		cm.NotifyConfigChanged(configName, newConfig, oldConfig)
	}
}

func (cm *configManager) swapConfig(configName string) (oldConfig, newConfig Config, result string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig, exists := cm.configs[configName]
	if !exists {
		return nil, nil, reloadRejected
	}

	// Copy the old value so keys missing from the new file keep their previous values
	newConfig = reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)
	reflect.ValueOf(newConfig).Elem().Set(reflect.ValueOf(oldConfig).Elem())

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		// keep using old config
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to read config %s: %v\n", configName, err)
		return nil, nil, reloadRejected
	}

	if err := v.Unmarshal(newConfig); err != nil {
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to unmarshal config %s: %v\n", configName, err)
		return nil, nil, reloadRejected
	}

	if err := newConfig.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "reloadConfig: validation failed for config %s: %v\n", configName, err)
		return nil, nil, reloadRejected
	}
	if validator, exists := cm.validators[configName]; exists {
		if err := validator(newConfig); err != nil {
			fmt.Fprintf(os.Stderr, "reloadConfig: validation failed for config %s: %v\n", configName, err)
			return nil, nil, reloadRejected
		}
	}

	// a truncate-then-write save fires once with the file still empty
	if reflect.DeepEqual(oldConfig, newConfig) {
		return nil, nil, reloadUnchanged
	}

	for _, hook := range cm.hooks[configName] {
		if err := hook(oldConfig, newConfig); err != nil {
			fmt.Fprintf(os.Stderr, "reloadConfig: hook failed for config %s: %v\n", configName, err)
			return nil, nil, reloadRejected
		}
	}

	cm.configs[configName] = newConfig
	return oldConfig, newConfig, reloadApplied
}

// Close stops watching. Loaded values stay readable.
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.watcher == nil {
		return nil
	}
	err := cm.watcher.Close()
	cm.watcher = nil
	clear(cm.files)
	clear(cm.dirs)
	return err
}
