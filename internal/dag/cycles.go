package dag

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
)

// CycleKind classifies a loop in the graph.
type CycleKind string

const (
	// InstallTime loops include at least one install edge and still leave
	// an order in which every member can be built.
	InstallTime CycleKind = "install-time"
	// BuildTime loops leave no such order. Every member needs another one
	// built first, through build edges alone or through the install
	// requirements of a build requirement.
	BuildTime CycleKind = "build-time"
)

// Cycle is a concrete witness loop: Path starts and ends with the same key
// and Edges[i] joins Path[i] to Path[i+1].
type Cycle struct {
	Kind  CycleKind
	Path  []Key
	Edges []Edge
}

func (c Cycle) String() string {
	parts := make([]string, len(c.Path))
	for i, k := range c.Path {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}

// ErrBuildCycle is matched by every CycleError.
var ErrBuildCycle = errors.New("build-time dependency cycle")

// CycleError reports a loop that makes the build impossible.
type CycleError struct {
	Cycle Cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s (mark one member as pre-built to break it)", ErrBuildCycle, e.Cycle)
}

func (e *CycleError) Is(target error) bool { return target == ErrBuildCycle }

// ClassifyEdges returns the kind of a loop made of edges, judged by its edge
// types alone. A loop that mixes edge types may still be build-time when it
// runs through a build closure; see DetectCycles.
func ClassifyEdges(edges []Edge) CycleKind {
	for _, e := range edges {
		if !e.Type.IsBuild() {
			return InstallTime
		}
	}
	return BuildTime
}

// snapshot copies adjacency under the read lock.
func (g *Graph) snapshot() (keys []Key, adj map[Key][]Edge) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys = g.sortedKeys()
	adj = make(map[Key][]Edge, len(keys))
	for _, k := range keys {
		adj[k] = append([]Edge(nil), g.vertices[k].children...)
	}
	return keys, adj
}

func keyHash(k Key) Key { return k }

// components returns the strongly connected components of size > 1 of the
// subgraph made of edges accepted by keep, each sorted, in key order.
func components(keys []Key, adj map[Key][]Edge, keep func(Edge) bool) ([][]Key, error) {
	g := graph.New(keyHash, graph.Directed())
	for _, k := range keys {
		if err := g.AddVertex(k); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		for _, e := range adj[k] {
			if e.Parent == e.Child || !keep(e) {
				continue
			}
			if err := g.AddEdge(e.Parent, e.Child); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, err
			}
		}
	}

	sccs, err := graph.StronglyConnectedComponents(g)
	if err != nil {
		return nil, err
	}
	var out [][]Key
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		sort.Slice(scc, func(i, j int) bool { return scc[i] < scc[j] })
		out = append(out, scc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// findPath returns the edges of a shortest path from -> to that stays
// inside members and uses only edges accepted by keep.
func findPath(from, to Key, members map[Key]bool, adj map[Key][]Edge, keep func(Edge) bool) []Edge {
	prev := map[Key]Edge{}
	visited := map[Key]bool{from: true}
	queue := []Key{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			break
		}
		for _, e := range adj[cur] {
			if !keep(e) || !members[e.Child] || visited[e.Child] {
				continue
			}
			visited[e.Child] = true
			prev[e.Child] = e
			queue = append(queue, e.Child)
		}
	}
	if !visited[to] {
		return nil
	}
	var path []Edge
	for cur := to; cur != from; {
		e := prev[cur]
		path = append(path, e)
		cur = e.Parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// NewCycle builds a cycle from its consecutive edges and classifies it.
func NewCycle(edges []Edge) Cycle {
	c := Cycle{Kind: ClassifyEdges(edges), Edges: edges}
	if len(edges) > 0 {
		c.Path = append(c.Path, edges[0].Parent)
	}
	for _, e := range edges {
		c.Path = append(c.Path, e.Child)
	}
	return c
}

func isBuildEdge(e Edge) bool { return e.Type.IsBuild() }
func anyEdge(Edge) bool       { return true }

// DetectCycles finds the loops in the graph. Every strongly connected
// group of build edges yields one build-time witness. So does every loop
// of the "needs installed to build" relation that no such group already
// covers: A building with B while B installs C and C builds with A. Every
// group of the full graph that also contains an install edge yields one
// install-time witness running through that edge. Self-loops are reported
// individually.
func (g *Graph) DetectCycles() ([]Cycle, error) {
	keys, adj := g.snapshot()
	var cycles []Cycle

	for _, k := range keys {
		for _, e := range adj[k] {
			if e.Parent == e.Child {
				cycles = append(cycles, NewCycle([]Edge{e}))
			}
		}
	}

	buildSCCs, err := components(keys, adj, isBuildEdge)
	if err != nil {
		return nil, fmt.Errorf("finding build cycles: %w", err)
	}
	for _, scc := range buildSCCs {
		members := toSet(scc)
		start := scc[0]
		for _, e := range adj[start] {
			if !isBuildEdge(e) || !members[e.Child] || e.Child == start {
				continue
			}
			if back := findPath(e.Child, start, members, adj, isBuildEdge); back != nil {
				cycles = append(cycles, NewCycle(append([]Edge{e}, back...)))
				break
			}
		}
	}

	viaClosure, err := closureCycles(keys, adj, buildSCCs)
	if err != nil {
		return nil, err
	}
	cycles = append(cycles, viaClosure...)

	allSCCs, err := components(keys, adj, anyEdge)
	if err != nil {
		return nil, fmt.Errorf("finding install cycles: %w", err)
	}
	for _, scc := range allSCCs {
		members := toSet(scc)
	search:
		for _, k := range scc {
			for _, e := range adj[k] {
				if isBuildEdge(e) || !members[e.Child] || e.Parent == e.Child {
					continue
				}
				if back := findPath(e.Child, e.Parent, members, adj, anyEdge); back != nil {
					cycles = append(cycles, NewCycle(append([]Edge{e}, back...)))
					break search
				}
			}
		}
	}

	return cycles, nil
}

// closureCycles finds loops of the relation X -> Y for Y in BuildClosure(X)
// and spells each one out in graph edges. Groups that contain a member of
// a pure build group are skipped.
func closureCycles(keys []Key, adj map[Key][]Edge, buildSCCs [][]Key) ([]Cycle, error) {
	covered := map[Key]bool{}
	for _, scc := range buildSCCs {
		for _, k := range scc {
			covered[k] = true
		}
	}
	children := func(k Key) []Edge { return adj[k] }
	needs := make(map[Key][]Edge, len(keys))
	for _, k := range keys {
		for _, c := range buildClosure(k, children) {
			needs[k] = append(needs[k], Edge{Parent: k, Child: c})
		}
	}
	sccs, err := components(keys, needs, anyEdge)
	if err != nil {
		return nil, fmt.Errorf("finding build closure cycles: %w", err)
	}

	var out []Cycle
	for _, scc := range sccs {
		if slices.ContainsFunc(scc, func(k Key) bool { return covered[k] }) {
			continue
		}
		members := toSet(scc)
		start := scc[0]
		for _, step := range needs[start] {
			if !members[step.Child] {
				continue
			}
			back := findPath(step.Child, start, members, needs, anyEdge)
			if back == nil {
				continue
			}
			var edges []Edge
			for _, s := range append([]Edge{step}, back...) {
				edges = append(edges, closurePath(s.Parent, s.Child, children)...)
			}
			c := NewCycle(edges)
			c.Kind = BuildTime
			out = append(out, c)
			break
		}
	}
	return out, nil
}

// BuildCycles returns only the build-time loops.
func (g *Graph) BuildCycles() ([]Cycle, error) {
	all, err := g.DetectCycles()
	if err != nil {
		return nil, err
	}
	var out []Cycle
	for _, c := range all {
		if c.Kind == BuildTime {
			out = append(out, c)
		}
	}
	return out, nil
}

func toSet(keys []Key) map[Key]bool {
	m := make(map[Key]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
