// Package config loads component configuration from YAML files through viper,
// watches them with fsnotify and fans hot-reloaded values out to listeners.
package config

import (
	"errors"

	"github.com/spf13/viper"
)

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a configuration has been reloaded and validated.
// Listeners receive every change; they filter on configName themselves.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}

// IsNotFound reports whether err means the configuration file does not exist.
// Components treat that case as "keep the compiled-in defaults".
func IsNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// LoadOrDefault loads configName into cfg and falls back to the values already in cfg
// when no file exists. The defaults are still validated.
func LoadOrDefault(cm ConfigManager, configName string, cfg Config) error {
	if cm != nil {
		if err := cm.LoadConfig(configName, cfg); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return cfg.Validate()
}
