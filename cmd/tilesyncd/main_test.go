package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/tilesync/plugin"
)

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"-m", "host", "--relay", "ws://relay:7403/relay", "--room", "r1"})
	require.NoError(t, err)
	assert.Equal(t, "host", o.mode)
	assert.Equal(t, "ws://relay:7403/relay", o.relayURL)
	assert.Equal(t, "r1", o.room)
	assert.Equal(t, "./configs", o.configDir)
	assert.Equal(t, ":9100", o.admin)

	_, err = parseOptions([]string{"--mode", "udp"})
	assert.Error(t, err)
	_, err = parseOptions([]string{"--bogus"})
	assert.Error(t, err)
}

func TestRegisterPluginsRelayMode(t *testing.T) {
	o, err := parseOptions([]string{"--mode", "relay", "--admin="})
	require.NoError(t, err)

	pm := plugin.NewPluginManager()
	require.NoError(t, registerPlugins(context.Background(), pm, nil, o))

	infos := pm.ListPlugins()
	require.Len(t, infos, 1)
	assert.Equal(t, "relay", infos[0].Name)
}

func TestRegisterPluginsServerMode(t *testing.T) {
	o, err := parseOptions([]string{"--mode", "ws"})
	require.NoError(t, err)

	pm := plugin.NewPluginManager()
	require.NoError(t, registerPlugins(context.Background(), pm, nil, o))

	var names []string
	for _, info := range pm.ListPlugins() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"admin", "server"}, names)
}
