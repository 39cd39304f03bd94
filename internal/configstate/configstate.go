// Package configstate keeps the in-memory projection of a configuration that
// the editor mutates and the job manager dispatches from. Graph nodes and
// connections are derived from the declaration lists; positions are cosmetic
// and never influence change detection.
package configstate

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// Node is one plugin declaration projected for the editor graph.
type Node struct {
	ID         string         `json:"id"` // "<kind>:<name>"
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	PluginName string         `json:"pluginName"`
	Params     map[string]any `json:"params,omitempty"`
	Position   [2]float64     `json:"position"` // cosmetic only
}

// Connection is a provider-reference edge: a node's "provider" parameter
// naming an AI declaration.
type Connection struct {
	From  string `json:"from"` // ai node id
	To    string `json:"to"`
	Param string `json:"param"`
}

// event channel buffer. Events are edge-triggered notifications; a consumer
// that misses one reads the current state anyway.
const eventBuffer = 8

// State is the mutable projection for one configuration.
type State struct {
	mu          sync.RWMutex
	cfg         service.Configuration
	nodes       []Node
	connections []Connection
	positions   map[string][2]float64

	nodesUpdated       chan []Node
	connectionsUpdated chan []Connection
	configUpdated      chan service.Configuration
	pluginUpdated      chan service.PluginDecl
}

func New(cfg service.Configuration) *State {
	s := &State{
		cfg:                cfg,
		positions:          map[string][2]float64{},
		nodesUpdated:       make(chan []Node, eventBuffer),
		connectionsUpdated: make(chan []Connection, eventBuffer),
		configUpdated:      make(chan service.Configuration, eventBuffer),
		pluginUpdated:      make(chan service.PluginDecl, eventBuffer),
	}
	s.rebuildLocked()
	return s
}

// NodesUpdated delivers the node list after each structural change.
func (s *State) NodesUpdated() <-chan []Node { return s.nodesUpdated }

// ConnectionsUpdated delivers the connection list after each structural change.
func (s *State) ConnectionsUpdated() <-chan []Connection { return s.connectionsUpdated }

// ConfigUpdated delivers the configuration after each substantive change.
func (s *State) ConfigUpdated() <-chan service.Configuration { return s.configUpdated }

// PluginUpdated delivers single-declaration edits.
func (s *State) PluginUpdated() <-chan service.PluginDecl { return s.pluginUpdated }

// Current returns a copy of the projected configuration.
func (s *State) Current() service.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Graph returns the projected nodes and connections.
func (s *State) Graph() ([]Node, []Connection) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Node(nil), s.nodes...), append([]Connection(nil), s.connections...)
}

// Apply replaces the configuration. Cosmetic-only edits (whitespace in the
// JSON view, node positions) produce no events; substantive changes rebuild
// the graph and notify.
func (s *State) Apply(cfg service.Configuration) bool {
	s.mu.Lock()
	changed := SubstantiveChange(s.cfg, cfg)
	s.cfg = cfg
	if changed {
		s.rebuildLocked()
	}
	s.mu.Unlock()

	if changed {
		s.emitConfig()
		s.emitGraph()
	}
	return changed
}

// UpdatePlugin replaces one declaration in place, matched by name within its
// kind list.
func (s *State) UpdatePlugin(kind string, decl service.PluginDecl) bool {
	s.mu.Lock()
	list := s.listFor(kind)
	found := false
	for i := range *list {
		if (*list)[i].Name == decl.Name {
			(*list)[i] = decl
			found = true
			break
		}
	}
	if found {
		s.rebuildLocked()
	}
	s.mu.Unlock()

	if found {
		send(s.pluginUpdated, decl)
		s.emitGraph()
	}
	return found
}

// SetPosition moves a node. Positions never count as substantive changes.
func (s *State) SetPosition(nodeID string, pos [2]float64) {
	s.mu.Lock()
	s.positions[nodeID] = pos
	for i := range s.nodes {
		if s.nodes[i].ID == nodeID {
			s.nodes[i].Position = pos
		}
	}
	s.mu.Unlock()
}

// ForceSync rebuilds nodes and connections from the declaration lists and
// clears provider references whose target declaration no longer exists.
func (s *State) ForceSync() {
	s.mu.Lock()
	providers := map[string]bool{}
	for _, decl := range s.cfg.AI {
		providers[decl.Name] = true
	}
	for _, list := range []*[]service.PluginDecl{&s.cfg.Enrichers, &s.cfg.Generators} {
		for i := range *list {
			ref, ok := (*list)[i].Params["provider"].(string)
			if ok && ref != "" && !providers[ref] {
				delete((*list)[i].Params, "provider")
			}
		}
	}
	s.rebuildLocked()
	s.mu.Unlock()

	s.emitGraph()
}

func (s *State) listFor(kind string) *[]service.PluginDecl {
	switch kind {
	case "source":
		return &s.cfg.Sources
	case "enricher":
		return &s.cfg.Enrichers
	case "generator":
		return &s.cfg.Generators
	case "ai":
		return &s.cfg.AI
	case "storage":
		return &s.cfg.Storage
	default:
		empty := []service.PluginDecl{}
		return &empty
	}
}

func (s *State) rebuildLocked() {
	var nodes []Node
	var conns []Connection

	add := func(kind string, decls []service.PluginDecl) {
		for _, d := range decls {
			id := kind + ":" + d.Name
			nodes = append(nodes, Node{
				ID:         id,
				Kind:       kind,
				Name:       d.Name,
				PluginName: d.PluginName,
				Params:     d.Params,
				Position:   s.positions[id],
			})
			if ref, ok := d.Params["provider"].(string); ok && ref != "" {
				conns = append(conns, Connection{From: "ai:" + ref, To: id, Param: "provider"})
			}
		}
	}
	add("source", s.cfg.Sources)
	add("enricher", s.cfg.Enrichers)
	add("generator", s.cfg.Generators)
	add("ai", s.cfg.AI)
	add("storage", s.cfg.Storage)

	// Drop edges whose provider node is gone.
	byID := map[string]bool{}
	for _, n := range nodes {
		byID[n.ID] = true
	}
	kept := conns[:0]
	for _, c := range conns {
		if byID[c.From] {
			kept = append(kept, c)
		}
	}

	s.nodes = nodes
	s.connections = kept
}

func (s *State) emitGraph() {
	nodes, conns := s.Graph()
	send(s.nodesUpdated, nodes)
	send(s.connectionsUpdated, conns)
}

func (s *State) emitConfig() {
	send(s.configUpdated, s.Current())
}

func send[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// SubstantiveChange reports whether two configurations differ in a way that
// matters for execution. Comparison goes through canonical JSON, so formatting
// differences in the editor's JSON view never register.
func SubstantiveChange(a, b service.Configuration) bool {
	return !bytes.Equal(canonical(a), canonical(b))
}

func canonical(cfg service.Configuration) []byte {
	cfg.UpdatedAt = time.Time{} // bookkeeping, not content
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return raw
}
