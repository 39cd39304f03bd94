package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bozp-pzob/ai-news-sub003/internal/plugins"
	"github.com/bozp-pzob/ai-news-sub003/internal/quota"
	"github.com/bozp-pzob/ai-news-sub003/internal/registry"
	"github.com/bozp-pzob/ai-news-sub003/internal/secret"
	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/store"
)

// buildInput is everything needed to materialize a configuration's plugin set.
type buildInput struct {
	configID string
	cfg      service.Configuration
	lookup   secret.Lookup
	adj      quota.Adjustment

	// externalURLCipher is the encrypted external DSN when storage is external.
	externalURLCipher string

	// local forces the sqlite store (POST /aggregate, historical CLI).
	local bool

	onAICall func(n int)
}

// built holds the materialized pipeline parts plus a close hook for stores
// opened per job.
type built struct {
	store      service.Store
	sources    []service.Source
	enrichers  []service.Enricher
	generators []service.Generator
	embedder   service.AIProvider
	close      func()
}

// build validates the declarations, resolves secrets, applies tier
// adjustments, opens storage, and instantiates every plugin. Any error here is
// a job-creation failure; the job never enters running.
func (m *Manager) build(ctx context.Context, in buildInput) (*built, error) {
	for kind, decls := range map[registry.Kind][]service.PluginDecl{
		registry.KindSource:    in.cfg.Sources,
		registry.KindEnricher:  in.cfg.Enrichers,
		registry.KindGenerator: in.cfg.Generators,
		registry.KindAI:        in.cfg.AI,
		registry.KindStorage:   in.cfg.Storage,
	} {
		for _, decl := range decls {
			if err := m.reg.Validate(kind, decl); err != nil {
				return nil, err
			}
		}
	}

	st, closeStore, err := m.openStore(ctx, in)
	if err != nil {
		return nil, err
	}
	b := &built{store: st, close: closeStore}
	fail := func(err error) (*built, error) {
		b.close()
		return nil, err
	}

	providers := map[string]service.AIProvider{}
	deps := plugins.Deps{
		Cursors:   st,
		HTTP:      m.http,
		Store:     st,
		Providers: providers,
		OnAICall:  in.onAICall,
	}
	if !in.local {
		deps.Webhooks = m.db
	}

	// AI plugins are dropped entirely when quota forces aiSkipped; enrichers
	// go with them since topic refinement is their AI consumer.
	aiDecls := in.cfg.AI
	enricherDecls := in.cfg.Enrichers
	if in.adj.AISkipped {
		aiDecls, enricherDecls = nil, nil
	}

	for _, decl := range aiDecls {
		params, err := m.resolveAIParams(ctx, decl, in)
		if err != nil {
			return fail(err)
		}
		p, err := plugins.NewAI(decl, params, deps)
		if err != nil {
			return fail(err)
		}
		providers[decl.Name] = p
		if b.embedder == nil {
			b.embedder = p
		}
	}

	for _, decl := range in.cfg.Sources {
		params, err := secret.ResolveParams(ctx, decl.Params, in.lookup)
		if err != nil {
			return fail(err)
		}
		s, err := plugins.NewSource(decl, params, deps)
		if err != nil {
			return fail(err)
		}
		b.sources = append(b.sources, s)
	}

	for _, decl := range enricherDecls {
		params, err := secret.ResolveParams(ctx, decl.Params, in.lookup)
		if err != nil {
			return fail(err)
		}
		e, err := plugins.NewEnricher(decl, params, deps)
		if err != nil {
			return fail(err)
		}
		b.enrichers = append(b.enrichers, e)
	}

	for _, decl := range in.cfg.Generators {
		params, err := secret.ResolveParams(ctx, decl.Params, in.lookup)
		if err != nil {
			return fail(err)
		}
		g, err := plugins.NewGenerator(decl, params, deps)
		if err != nil {
			return fail(err)
		}
		b.generators = append(b.generators, g)
	}

	return b, nil
}

// resolveAIParams resolves one AI declaration's parameters and injects
// platform credentials where the tier or the declaration asks for them.
func (m *Manager) resolveAIParams(ctx context.Context, decl service.PluginDecl, in buildInput) (map[string]any, error) {
	params := map[string]any{}
	for k, v := range decl.Params {
		params[k] = v
	}

	usePlatform := in.adj.ForcePlatformAI
	if b, ok := params["usePlatformAI"].(bool); ok && b {
		usePlatform = true
	}
	if usePlatform {
		params["apiKey"] = m.cfg.AI.APIKey
		if m.cfg.AI.BaseURL != "" {
			params["baseUrl"] = m.cfg.AI.BaseURL
		}
		if in.adj.Model != "" {
			params["model"] = in.adj.Model
		}
	}

	return secret.ResolveParams(ctx, params, in.lookup)
}

// openStore picks the storage backend for a job: sqlite in local mode,
// the tenant's external postgres when declared and allowed, the shared
// platform store otherwise. Every backend is scoped to the configuration.
func (m *Manager) openStore(ctx context.Context, in buildInput) (service.Store, func(), error) {
	if in.local {
		path := localStorePath(in.cfg)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("local store dir: %w", err)
		}
		lite, err := store.OpenSQLite(ctx, path, in.configID)
		if err != nil {
			return nil, nil, service.ConfigErrorf("local store: %v", err)
		}
		return lite, func() { _ = lite.Close() }, nil
	}

	if in.externalURLCipher != "" && !in.adj.ForcePlatformStorage {
		url, err := m.cipher.Decrypt(in.externalURLCipher)
		if err != nil {
			return nil, nil, service.ConfigErrorf("external database credentials unreadable")
		}
		ext, err := store.OpenExternal(ctx, url)
		if err != nil {
			return nil, nil, service.ConfigErrorf("external database unreachable: %v", err)
		}
		return ext.Scoped(in.configID), func() { ext.Close() }, nil
	}

	return m.db.Scoped(in.configID), func() {}, nil
}

func localStorePath(cfg service.Configuration) string {
	name := cfg.Slug
	if name == "" {
		name = "local"
	}
	for _, decl := range cfg.Storage {
		if decl.PluginName == "sqlite" {
			if p, ok := decl.Params["path"].(string); ok && p != "" {
				return p
			}
		}
	}
	return filepath.Join("data", name+".db")
}
