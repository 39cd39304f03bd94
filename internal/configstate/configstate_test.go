package configstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

func sampleConfig() service.Configuration {
	return service.Configuration{
		ID:   "cfg-1",
		Name: "Sample",
		Sources: []service.PluginDecl{
			{Name: "discord-main", PluginName: "discordRaw", Params: map[string]any{"channelIds": []any{"1"}}},
		},
		Enrichers: []service.PluginDecl{
			{Name: "topics-1", PluginName: "topics", Params: map[string]any{"provider": "ai-1"}},
		},
		AI: []service.PluginDecl{
			{Name: "ai-1", PluginName: "openai", Params: map[string]any{"apiKey": "process.env.KEY"}},
		},
	}
}

func TestSubstantiveChangeIgnoresUpdatedAt(t *testing.T) {
	a := sampleConfig()
	b := sampleConfig()
	b.UpdatedAt = time.Now()

	assert.False(t, SubstantiveChange(a, b))

	b.Sources[0].Params = map[string]any{"channelIds": []any{"2"}}
	assert.True(t, SubstantiveChange(a, b))
}

func TestGraphProjection(t *testing.T) {
	s := New(sampleConfig())

	nodes, conns := s.Graph()
	assert.Len(t, nodes, 3)

	require.Len(t, conns, 1)
	assert.Equal(t, "ai:ai-1", conns[0].From)
	assert.Equal(t, "enricher:topics-1", conns[0].To)
	assert.Equal(t, "provider", conns[0].Param)
}

func TestApplyEmitsOnlyOnSubstantiveChange(t *testing.T) {
	s := New(sampleConfig())

	same := sampleConfig()
	same.UpdatedAt = time.Now()
	assert.False(t, s.Apply(same))
	select {
	case <-s.ConfigUpdated():
		t.Fatal("cosmetic change emitted an event")
	default:
	}

	changed := sampleConfig()
	changed.Name = "Renamed"
	assert.True(t, s.Apply(changed))
	select {
	case got := <-s.ConfigUpdated():
		assert.Equal(t, "Renamed", got.Name)
	default:
		t.Fatal("substantive change emitted no event")
	}
}

func TestSetPositionIsCosmetic(t *testing.T) {
	s := New(sampleConfig())
	s.SetPosition("source:discord-main", [2]float64{100, 200})

	nodes, _ := s.Graph()
	var found bool
	for _, n := range nodes {
		if n.ID == "source:discord-main" {
			found = true
			assert.Equal(t, [2]float64{100, 200}, n.Position)
		}
	}
	require.True(t, found)

	// Position changes never count as configuration changes.
	assert.False(t, SubstantiveChange(s.Current(), sampleConfig()))
}

func TestUpdatePlugin(t *testing.T) {
	s := New(sampleConfig())

	ok := s.UpdatePlugin("source", service.PluginDecl{
		Name:       "discord-main",
		PluginName: "discordRaw",
		Params:     map[string]any{"channelIds": []any{"1", "2"}},
	})
	require.True(t, ok)

	cur := s.Current()
	assert.Equal(t, []any{"1", "2"}, cur.Sources[0].Params["channelIds"])

	assert.False(t, s.UpdatePlugin("source", service.PluginDecl{Name: "missing"}))
}

func TestForceSyncClearsDanglingProviderRefs(t *testing.T) {
	cfg := sampleConfig()
	cfg.AI = nil // provider target gone
	s := New(cfg)

	_, conns := s.Graph()
	assert.Empty(t, conns, "edge to a missing node must be dropped")

	s.ForceSync()

	cur := s.Current()
	_, hasRef := cur.Enrichers[0].Params["provider"]
	assert.False(t, hasRef, "dangling provider reference must be cleared")
}
