package net

import (
	"errors"
)

// ErrMsgFiltered is returned by the type filter for a blocked message type.
var ErrMsgFiltered = errors.New("message type filtered")

// DispatcherFilterHandleFunc is the next step of a filter chain.
type DispatcherFilterHandleFunc func(dd *DispatcherDelivery) error

// DispatcherFilter inspects a delivery and either calls f or rejects it with an error.
type DispatcherFilter func(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain runs filters in order, then the final handler.
type DispatcherFilterChain []DispatcherFilter

// Handle 过滤器链式调用.
func (fc DispatcherFilterChain) Handle(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(dd)
	}
	return fc[0](dd, func(dd *DispatcherDelivery) error {
		return fc[1:].Handle(dd, f)
	})
}

// reloadMsgFilterCfg replaces the blocked type set. Caller holds dp.lock or owns dp.
func (dp *Dispatcher) reloadMsgFilterCfg(cfg *MsgFilterPluginCfg) {
	m := make(map[string]struct{}, len(cfg.MsgFilter))
	for _, msgName := range cfg.MsgFilter {
		m[msgName] = struct{}{}
	}
	dp.msgFilterMap = m
}

func (dp *Dispatcher) msgFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if d.Msg == nil {
		return errors.New("dd Msg is nil")
	}
	dp.lock.RLock()
	_, blocked := dp.msgFilterMap[d.Msg.Type().String()]
	dp.lock.RUnlock()
	if blocked {
		return ErrMsgFiltered
	}
	return f(d)
}
