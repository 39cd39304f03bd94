// Package registry holds the typed catalog of plugin capabilities. The
// catalog is produced by an offline scan of the plugin implementations and
// embedded at build time; it is read-only at runtime.
package registry

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Kind classifies a plugin capability.
type Kind string

const (
	KindSource    Kind = "source"
	KindEnricher  Kind = "enricher"
	KindGenerator Kind = "generator"
	KindAI        Kind = "ai"
	KindStorage   Kind = "storage"
)

// ParamField describes one declared parameter of a plugin.
type ParamField struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"` // string, number, bool, stringList
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Secret      bool   `yaml:"secret,omitempty" json:"secret,omitempty"`
	ProviderRef bool   `yaml:"providerRef,omitempty" json:"providerRef,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Entry is one catalog record, keyed by (kind, pluginName).
type Entry struct {
	Kind        Kind         `yaml:"kind" json:"kind"`
	PluginName  string       `yaml:"pluginName" json:"pluginName"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Hidden      bool         `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	Requires    string       `yaml:"requires,omitempty" json:"requires,omitempty"` // platform connection tag, e.g. "discord"
	Params      []ParamField `yaml:"params,omitempty" json:"params,omitempty"`
}

// Registry is the loaded catalog.
type Registry struct {
	entries map[Kind]map[string]Entry
}

// Load parses the embedded catalog.
func Load() (*Registry, error) {
	return parse(catalogYAML)
}

func parse(raw []byte) (*Registry, error) {
	var doc struct {
		Plugins []Entry `yaml:"plugins"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plugin catalog: %w", err)
	}

	r := &Registry{entries: map[Kind]map[string]Entry{}}
	for _, e := range doc.Plugins {
		if e.Kind == "" || e.PluginName == "" {
			return nil, fmt.Errorf("catalog entry missing kind or pluginName: %+v", e)
		}
		byName := r.entries[e.Kind]
		if byName == nil {
			byName = map[string]Entry{}
			r.entries[e.Kind] = byName
		}
		if _, dup := byName[e.PluginName]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %s/%s", e.Kind, e.PluginName)
		}
		byName[e.PluginName] = e
	}

	return r, nil
}

// List returns the visible entries for a kind, in catalog order is not
// guaranteed; callers sort if they care.
func (r *Registry) List(kind Kind) []Entry {
	out := make([]Entry, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		out = append(out, e)
	}
	return out
}

// Find returns the entry for (kind, pluginName) or nil.
func (r *Registry) Find(kind Kind, pluginName string) *Entry {
	e, ok := r.entries[kind][pluginName]
	if !ok {
		return nil
	}
	return &e
}

// Validate checks a plugin declaration against the catalog: the plugin must
// exist and every required parameter must be present. Unknown plugins and
// missing parameters are structural configuration errors.
func (r *Registry) Validate(kind Kind, decl service.PluginDecl) error {
	entry := r.Find(kind, decl.PluginName)
	if entry == nil {
		return service.ConfigErrorf("unknown %s plugin %q", kind, decl.PluginName)
	}
	for _, p := range entry.Params {
		if !p.Required {
			continue
		}
		if _, ok := decl.Params[p.Name]; !ok {
			return service.ConfigErrorf("%s plugin %q: missing required parameter %q", kind, decl.Name, p.Name)
		}
	}
	return nil
}
