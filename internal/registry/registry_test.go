package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	e := r.Find(KindSource, "discordRaw")
	require.NotNil(t, e)
	assert.Equal(t, "discord", e.Requires)

	assert.Nil(t, r.Find(KindSource, "nope"))
}

func TestListHidesNothing(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	// List returns everything including hidden entries; visibility filtering is
	// the API layer's concern.
	found := false
	for _, e := range r.List(KindStorage) {
		if e.PluginName == "sqlite" {
			found = true
			assert.True(t, e.Hidden)
		}
	}
	assert.True(t, found)
}

func TestValidate(t *testing.T) {
	r, err := Load()
	require.NoError(t, err)

	err = r.Validate(KindSource, service.PluginDecl{
		Name:       "main-discord",
		PluginName: "discordRaw",
		Params: map[string]any{
			"botToken":   "process.env.DISCORD_TOKEN",
			"channelIds": []any{"123"},
		},
	})
	assert.NoError(t, err)

	err = r.Validate(KindSource, service.PluginDecl{
		Name:       "main-discord",
		PluginName: "discordRaw",
		Params:     map[string]any{"botToken": "x"},
	})
	var ce *service.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "channelIds")

	err = r.Validate(KindSource, service.PluginDecl{Name: "x", PluginName: "unknown"})
	require.ErrorAs(t, err, &ce)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := parse([]byte(`
plugins:
  - { kind: source, pluginName: a }
  - { kind: source, pluginName: a }
`))
	assert.Error(t, err)
}

func TestParseRejectsIncompleteEntry(t *testing.T) {
	_, err := parse([]byte(`
plugins:
  - { kind: source }
`))
	assert.Error(t, err)
}
