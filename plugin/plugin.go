// Package plugin orders the lifecycle of the long-running components of a tilesync
// process (metrics endpoint, transports, tick loop, discovery registration).
package plugin

import (
	"fmt"
	"time"
)

// Plugin is one managed component. Init runs for every plugin before any Start; Stop runs
// in reverse dependency order.
type Plugin interface {
	Name() string
	Version() string
	// Dependencies names the plugins that must start before this one.
	Dependencies() []string
	Init() error
	Start() error
	Stop() error
}

// PluginStatus 插件状态.
type PluginStatus int

const (
	PluginStatusRegistered PluginStatus = iota
	PluginStatusInitialized
	PluginStatusStarted
	PluginStatusStopped
	PluginStatusError
)

func (s PluginStatus) String() string {
	switch s {
	case PluginStatusRegistered:
		return "registered"
	case PluginStatusInitialized:
		return "initialized"
	case PluginStatusStarted:
		return "started"
	case PluginStatusStopped:
		return "stopped"
	case PluginStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// PluginInfo is the externally visible state of a plugin.
type PluginInfo struct {
	Name         string
	Version      string
	Status       PluginStatus
	Dependencies []string
	StartTime    time.Time
	StopTime     time.Time
	Error        error
}

// PluginError reports the lifecycle phase a plugin failed in.
type PluginError struct {
	Plugin string
	Phase  string
	Err    error
}

// NewPluginError wraps err.
func NewPluginError(plugin, phase string, err error) *PluginError {
	return &PluginError{Plugin: plugin, Phase: phase, Err: err}
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s %s failed: %v", e.Plugin, e.Phase, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// Func adapts plain functions to Plugin. Nil functions are no-ops.
type Func struct {
	PluginName string
	Deps       []string
	OnInit     func() error
	OnStart    func() error
	OnStop     func() error
}

func (f *Func) Name() string           { return f.PluginName }
func (f *Func) Version() string        { return "1.0.0" }
func (f *Func) Dependencies() []string { return f.Deps }

func (f *Func) Init() error {
	if f.OnInit == nil {
		return nil
	}
	return f.OnInit()
}

func (f *Func) Start() error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart()
}

func (f *Func) Stop() error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop()
}
