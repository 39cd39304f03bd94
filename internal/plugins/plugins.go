// Package plugins holds the concrete source, enricher, generator, and AI
// provider implementations behind the registry catalog. Constructors receive
// already-resolved parameters; secret references never reach this package in
// ciphertext form.
package plugins

import (
	"github.com/worldline-go/klient"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// Deps carries shared collaborators plugin constructors may need.
type Deps struct {
	// Cursors is the per-configuration cursor store sources checkpoint into.
	Cursors service.CursorStorer

	// Webhooks backs the webhook drain source.
	Webhooks service.WebhookStorer

	// HTTP is the outbound client for REST-based sources.
	HTTP *klient.Client

	// Store gives generators read access to stored items.
	Store service.Store

	// Providers maps declared AI plugin names to instances, for
	// provider-by-name references.
	Providers map[string]service.AIProvider

	// OnAICall is invoked with the number of upstream AI calls made, for
	// quota accounting. May be nil.
	OnAICall func(n int)
}

func (d Deps) countAICalls(n int) {
	if d.OnAICall != nil {
		d.OnAICall(n)
	}
}

// provider resolves a provider-by-name reference. A dangling reference is a
// structural configuration error.
func (d Deps) provider(name string) (service.AIProvider, error) {
	if name == "" {
		return nil, nil
	}
	p, ok := d.Providers[name]
	if !ok {
		return nil, service.ConfigErrorf("unknown ai provider %q", name)
	}
	return p, nil
}

// NewSource builds a source instance from a resolved declaration.
func NewSource(decl service.PluginDecl, params map[string]any, deps Deps) (service.Source, error) {
	switch decl.PluginName {
	case "discordRaw":
		return newDiscordSource(decl.Name, params, deps)
	case "telegram":
		return newTelegramSource(decl.Name, params, deps)
	case "gitCommits":
		return newGitSource(decl.Name, params, deps)
	case "coingeckoMarket":
		return newCoinGeckoSource(decl.Name, params, deps)
	case "webhook":
		return newWebhookSource(decl.Name, params, deps)
	default:
		return nil, service.ConfigErrorf("unknown source plugin %q", decl.PluginName)
	}
}

// NewEnricher builds an enricher instance from a resolved declaration.
func NewEnricher(decl service.PluginDecl, params map[string]any, deps Deps) (service.Enricher, error) {
	switch decl.PluginName {
	case "topics":
		return newTopicsEnricher(decl.Name, params, deps)
	default:
		return nil, service.ConfigErrorf("unknown enricher plugin %q", decl.PluginName)
	}
}

// NewGenerator builds a generator instance from a resolved declaration.
func NewGenerator(decl service.PluginDecl, params map[string]any, deps Deps) (service.Generator, error) {
	switch decl.PluginName {
	case "dailySummary":
		return newDailySummaryGenerator(decl, params, deps)
	default:
		return nil, service.ConfigErrorf("unknown generator plugin %q", decl.PluginName)
	}
}

// NewAI builds an AI provider instance from a resolved declaration.
func NewAI(decl service.PluginDecl, params map[string]any, deps Deps) (service.AIProvider, error) {
	switch decl.PluginName {
	case "openai":
		return newOpenAIProvider(decl.Name, params, deps)
	default:
		return nil, service.ConfigErrorf("unknown ai plugin %q", decl.PluginName)
	}
}
