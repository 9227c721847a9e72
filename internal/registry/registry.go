// Package registry merges the tools of every ready connection into one
// catalog and answers which server owns a capability.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Capability is one routable tool in the merged catalog.
type Capability struct {
	Name        string
	Description string
	Server      string
	Schema      *Schema
	RawSchema   json.RawMessage
}

// Collision records a capability name offered by more than one server.
// The capability from Winner replaced the one from Dropped.
type Collision struct {
	Name    string
	Dropped string
	Winner  string
}

// Source is the tool list of one connection, passed in declaration order.
type Source struct {
	Server string
	Tools  []mcp.Tool
}

// InvalidSchema names a tool whose input schema could not be parsed. The
// tool stays in the catalog and its arguments are passed through unchecked.
type InvalidSchema struct {
	Name   string
	Server string
	Err    error
}

// Snapshot is an immutable catalog. It is never modified after Build.
type Snapshot struct {
	Catalog        []Capability
	Collisions     []Collision
	InvalidSchemas []InvalidSchema
	BuiltAt        time.Time

	index map[string]int
}

// Build merges sources in the given order. On a name collision the later
// source wins and the earlier capability is discarded and reported.
func Build(sources []Source) *Snapshot {
	type entry struct {
		cap   Capability
		order int
	}

	var (
		snap    = &Snapshot{BuiltAt: time.Now()}
		winners = make(map[string]entry)
		order   int
	)

	for _, src := range sources {
		for _, tool := range src.Tools {
			schema, raw, err := SchemaForTool(tool)
			if err != nil {
				snap.InvalidSchemas = append(snap.InvalidSchemas, InvalidSchema{Name: tool.Name, Server: src.Server, Err: err})
				schema = &Schema{Kind: KindObject, Open: true}
			}
			capability := Capability{
				Name:        tool.Name,
				Description: tool.Description,
				Server:      src.Server,
				Schema:      schema,
				RawSchema:   raw,
			}

			if prev, ok := winners[tool.Name]; ok {
				snap.Collisions = append(snap.Collisions, Collision{
					Name:    tool.Name,
					Dropped: prev.cap.Server,
					Winner:  src.Server,
				})
			}
			winners[tool.Name] = entry{cap: capability, order: order}
			order++
		}
	}

	// Emit survivors in the order they were registered.
	ordered := make([]Capability, order)
	present := make([]bool, order)
	for _, e := range winners {
		ordered[e.order] = e.cap
		present[e.order] = true
	}

	snap.Catalog = make([]Capability, 0, len(winners))
	snap.index = make(map[string]int, len(winners))
	for i, ok := range present {
		if !ok {
			continue
		}
		snap.index[ordered[i].Name] = len(snap.Catalog)
		snap.Catalog = append(snap.Catalog, ordered[i])
	}
	return snap
}

// Resolve returns the capability registered under name.
func (s *Snapshot) Resolve(name string) (Capability, bool) {
	if s == nil {
		return Capability{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Capability{}, false
	}
	return s.Catalog[i], true
}

// Registry publishes the current Snapshot. Readers never block: a rebuild
// constructs a new snapshot and swaps a single pointer.
type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// New returns a registry with an empty catalog.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	r.current.Store(Build(nil))
	return r
}

// Rebuild replaces the catalog with one built from sources.
func (r *Registry) Rebuild(sources []Source) *Snapshot {
	snap := Build(sources)
	for _, c := range snap.Collisions {
		r.logger.Warn("capability name collision",
			"capability", c.Name, "dropped", c.Dropped, "winner", c.Winner)
	}
	for _, inv := range snap.InvalidSchemas {
		r.logger.Warn("unparseable input schema, arguments will not be checked",
			"capability", inv.Name, "server", inv.Server, "error", inv.Err)
	}
	r.current.Store(snap)
	r.logger.Info("catalog rebuilt",
		"servers", len(sources), "capabilities", len(snap.Catalog), "collisions", len(snap.Collisions))
	return snap
}

// Snapshot returns the current catalog snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Resolve looks name up in the current snapshot.
func (r *Registry) Resolve(name string) (Capability, bool) {
	return r.current.Load().Resolve(name)
}

// Catalog returns the deduplicated capability list in declaration order.
func (r *Registry) Catalog() []Capability {
	return append([]Capability(nil), r.current.Load().Catalog...)
}
