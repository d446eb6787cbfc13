package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dominikbraun/graph"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/fsutil"
)

// OrderFile is the conventional name of a persisted build order.
const OrderFile = "build-order.json"

// OrderEntry is one line of a persisted build order.
type OrderEntry struct {
	Key      dag.Key `json:"key"`
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	PreBuilt bool    `json:"pre_built,omitempty"`
}

func identity(k dag.Key) dag.Key { return k }

func less(a, b dag.Key) bool { return a < b }

// ComputeOrder returns every package of g, dependencies first. Packages
// tied up in an install-time cycle are kept together and ordered so that
// each one follows the members of its build closure. A build-time cycle
// makes the order impossible and is returned as a *dag.CycleError.
func ComputeOrder(g *dag.Graph) ([]dag.Key, error) {
	cycles, err := g.BuildCycles()
	if err != nil {
		return nil, err
	}
	if len(cycles) > 0 {
		return nil, &dag.CycleError{Cycle: cycles[0]}
	}

	keys := g.Keys()
	var edges []dag.Edge
	for _, e := range g.Edges() {
		if e.Parent != dag.RootKey && e.Parent != e.Child {
			edges = append(edges, e)
		}
	}

	full, err := newDirected(keys, edges, func(dag.Edge) bool { return true })
	if err != nil {
		return nil, err
	}
	sccs, err := graph.StronglyConnectedComponents(full)
	if err != nil {
		return nil, fmt.Errorf("finding strongly connected components: %w", err)
	}

	// Each component is named after its smallest member.
	component := make(map[dag.Key]dag.Key, len(keys))
	members := make(map[dag.Key][]dag.Key, len(sccs))
	for _, scc := range sccs {
		id := scc[0]
		for _, k := range scc {
			if k < id {
				id = k
			}
		}
		for _, k := range scc {
			component[k] = id
		}
		members[id] = scc
	}

	condensed := graph.New(identity, graph.Directed(), graph.Acyclic())
	for id := range members {
		if err := condensed.AddVertex(id); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		from, to := component[e.Child], component[e.Parent]
		if from == to {
			continue
		}
		if err := condensed.AddEdge(from, to); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("condensing %s: %w", e, err)
		}
	}
	groups, err := graph.StableTopologicalSort(condensed, less)
	if err != nil {
		return nil, fmt.Errorf("sorting packages: %w", err)
	}

	order := make([]dag.Key, 0, len(keys))
	for _, id := range groups {
		group := members[id]
		if len(group) == 1 {
			order = append(order, group[0])
			continue
		}
		sorted, err := orderGroup(g, group)
		if err != nil {
			return nil, err
		}
		order = append(order, sorted...)
	}
	return order, nil
}

// orderGroup orders the members of one install-time cycle so that every
// member comes after the members it needs installed to build.
func orderGroup(g *dag.Graph, group []dag.Key) ([]dag.Key, error) {
	in := make(map[dag.Key]bool, len(group))
	for _, k := range group {
		in[k] = true
	}
	var needs []dag.Edge
	for _, k := range group {
		for _, dep := range g.BuildClosure(k) {
			if in[dep] {
				needs = append(needs, dag.Edge{Parent: k, Child: dep})
			}
		}
	}
	sub, err := newDirected(group, needs, func(dag.Edge) bool { return true })
	if err != nil {
		return nil, err
	}
	return graph.StableTopologicalSort(sub, less)
}

// newDirected builds a graph over keys whose edges point from requirement
// to dependent, keeping only the edges accepted by keep.
func newDirected(keys []dag.Key, edges []dag.Edge, keep func(dag.Edge) bool) (graph.Graph[dag.Key, dag.Key], error) {
	g := graph.New(identity, graph.Directed())
	for _, k := range keys {
		if err := g.AddVertex(k); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if !keep(e) {
			continue
		}
		if err := g.AddEdge(e.Child, e.Parent); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return nil, fmt.Errorf("adding %s: %w", e, err)
		}
	}
	return g, nil
}

// SaveOrder writes order to path as JSON, atomically.
func SaveOrder(path string, g *dag.Graph, order []dag.Key) error {
	entries := make([]OrderEntry, 0, len(order))
	for _, k := range order {
		n, ok := g.Node(k)
		if !ok {
			return fmt.Errorf("order entry %s: %w", k, dag.ErrMissingNode)
		}
		entries = append(entries, OrderEntry{Key: k, Name: n.Name, Version: n.Version, PreBuilt: n.PreBuilt})
	}
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	})
}

// LoadOrder reads a build order written by SaveOrder.
func LoadOrder(path string) ([]OrderEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []OrderEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parsing build order %s: %w", path, err)
	}
	for i, e := range entries {
		if want := dag.NewKey(e.Name, e.Version); e.Key != want {
			return nil, fmt.Errorf("build order entry %d: key %q does not match %q", i, e.Key, want)
		}
	}
	return entries, nil
}

// Keys returns the keys of entries, in order.
func Keys(entries []OrderEntry) []dag.Key {
	out := make([]dag.Key, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
