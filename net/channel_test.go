package net

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lcx/tilesync/codec"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ChannelEntities, Classify(codec.TypeEntityUpdate))
	assert.Equal(t, ChannelEntities, Classify(codec.TypeHeartbeat))
	for _, mt := range codec.AllTypes() {
		if mt.ClientToServer() {
			assert.Equal(t, ChannelSync, Classify(mt), "client messages are reliable: %s", mt)
		}
	}
	assert.Equal(t, ChannelSync, Classify(codec.TypeGameState))
	assert.Equal(t, ChannelSync, Classify(codec.TypeKicked))
	assert.Equal(t, ChannelSync, Classify(codec.TypeChunkSync))
}

func TestRouteProperties(t *testing.T) {
	for _, mt := range codec.AllTypes() {
		for _, available := range []bool{true, false} {
			r := Route(mt, available)
			assert.Equal(t, Classify(mt), r.Preferred)
			if r.FellBack {
				assert.Equal(t, ChannelEntities, r.Preferred, "%s", mt)
				assert.Equal(t, ChannelSync, r.Channel, "%s", mt)
				assert.False(t, available)
			} else {
				assert.Equal(t, r.Preferred, r.Channel, "%s", mt)
			}
			if available {
				assert.False(t, r.FellBack)
			}
		}
	}
}

func TestChannelString(t *testing.T) {
	assert.Equal(t, "sync", ChannelSync.String())
	assert.Equal(t, "entities", ChannelEntities.String())
	assert.True(t, ChannelSync.Reliable())
	assert.False(t, ChannelEntities.Reliable())
}

func TestFallbackNotifierWarnsOncePerConnection(t *testing.T) {
	n := NewFallbackNotifier()
	fell := Route(codec.TypeEntityUpdate, false)
	direct := Route(codec.TypeEntityUpdate, true)

	assert.False(t, n.Observe("a", direct))
	assert.True(t, n.Observe("a", fell))
	assert.False(t, n.Observe("a", fell))
	assert.True(t, n.Observe("b", fell))

	n.Forget("a")
	assert.True(t, n.Observe("a", fell))
}
