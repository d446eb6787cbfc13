package dag

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sort"

	"github.com/vk/bootstrapgo/internal/requirement"
)

// ErrMissingNode is returned when an edge references a key that has not
// been added.
var ErrMissingNode = errors.New("node not found")

// New creates and returns an initialized Graph holding only the ROOT node.
func New() *Graph {
	return &Graph{
		vertices: map[Key]*vertex{RootKey: {}},
	}
}

// AddNode adds n to the graph and returns its key. If a node with the same
// key already exists, the function does nothing.
func (g *Graph) AddNode(n Node) Key {
	key := n.Key()

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.vertices[key]; !ok {
		g.vertices[key] = &vertex{node: n}
	}
	return key
}

// AddEdge records that parent requires child. Both keys must already be
// present. Adding an edge identical to an existing one is a no-op.
func (g *Graph) AddEdge(parent, child Key, typ EdgeType, req string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	p, ok := g.vertices[parent]
	if !ok {
		return fmt.Errorf("parent %s: %w", parent, ErrMissingNode)
	}
	c, ok := g.vertices[child]
	if !ok {
		return fmt.Errorf("child %s: %w", child, ErrMissingNode)
	}

	e := Edge{Parent: parent, Child: child, Type: typ, Requirement: req}
	if slices.Contains(p.children, e) {
		return nil
	}
	g.edgeSeq++
	p.children = append(p.children, e)
	p.childSeq = append(p.childSeq, g.edgeSeq)
	c.parents = append(c.parents, e)
	return nil
}

// Has reports whether key is in the graph.
func (g *Graph) Has(key Key) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.vertices[key]
	return ok
}

// Node returns a copy of the node stored under key.
func (g *Graph) Node(key Key) (Node, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.vertices[key]
	if !ok {
		return Node{}, false
	}
	return v.node, true
}

// Len returns the number of package nodes, not counting ROOT.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.vertices) - 1
}

// sortedKeys must be called with the mutex held.
func (g *Graph) sortedKeys() []Key {
	keys := make([]Key, 0, len(g.vertices))
	for k := range g.vertices {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Keys returns every package key, excluding ROOT, in sorted order.
func (g *Graph) Keys() []Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys := g.sortedKeys()
	return keys[1:]
}

// Nodes returns every package node, excluding ROOT, sorted by key.
func (g *Graph) Nodes() []Node {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	out := make([]Node, 0, len(g.vertices)-1)
	for _, k := range g.sortedKeys() {
		if k != RootKey {
			out = append(out, g.vertices[k].node)
		}
	}
	return out
}

// Edges returns every edge, grouped by parent in key order and otherwise in
// insertion order.
func (g *Graph) Edges() []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	var out []Edge
	for _, k := range g.sortedKeys() {
		out = append(out, g.vertices[k].children...)
	}
	return out
}

func matches(t EdgeType, types []EdgeType) bool {
	return len(types) == 0 || slices.Contains(types, t)
}

// DependenciesOf yields the outgoing edges of key, restricted to types when
// any are given. The sequence walks a snapshot taken when iteration starts.
func (g *Graph) DependenciesOf(key Key, types ...EdgeType) iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		g.mutex.RLock()
		v, ok := g.vertices[key]
		var snapshot []Edge
		if ok {
			snapshot = slices.Clone(v.children)
		}
		g.mutex.RUnlock()

		for _, e := range snapshot {
			if !matches(e.Type, types) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// DependentsOf returns the incoming edges of key, restricted to types when
// any are given.
func (g *Graph) DependentsOf(key Key, types ...EdgeType) []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	v, ok := g.vertices[key]
	if !ok {
		return nil
	}
	var out []Edge
	for _, e := range v.parents {
		if matches(e.Type, types) {
			out = append(out, e)
		}
	}
	return out
}

// FindByName returns every node for the canonical package name, sorted by key.
func (g *Graph) FindByName(name string) []Node {
	canon := requirement.CanonicalName(name)
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	var out []Node
	for _, k := range g.sortedKeys() {
		n := g.vertices[k].node
		if k != RootKey && requirement.CanonicalName(n.Name) == canon {
			out = append(out, n)
		}
	}
	return out
}

// WhyChain explains why key is in the graph: the path of edges from ROOT
// down to key that follows each node's first recorded parent. The order in
// which parents were recorded survives SaveFile and LoadFile.
func (g *Graph) WhyChain(key Key) []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var chain []Edge
	seen := map[Key]bool{}
	for cur := key; cur != RootKey && !seen[cur]; {
		seen[cur] = true
		v, ok := g.vertices[cur]
		if !ok || len(v.parents) == 0 {
			break
		}
		e := v.parents[0]
		chain = append(chain, e)
		cur = e.Parent
	}
	slices.Reverse(chain)
	return chain
}

// BuildClosure returns the packages that must be installed to build key:
// its build requirements plus everything those need at install time. The
// result is sorted and never contains key itself.
func (g *Graph) BuildClosure(key Key) []Key {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return buildClosure(key, g.childrenOf)
}

// ClosurePath returns the edges that put to in the build closure of from:
// one build edge out of from followed by install edges. It returns nil when
// to is not in the closure.
func (g *Graph) ClosurePath(from, to Key) []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return closurePath(from, to, g.childrenOf)
}

// childrenOf must be called with the read lock held.
func (g *Graph) childrenOf(k Key) []Edge {
	if v, ok := g.vertices[k]; ok {
		return v.children
	}
	return nil
}

func buildClosure(key Key, children func(Key) []Edge) []Key {
	seen := map[Key]bool{key: true}
	var queue []Key
	for _, e := range children(key) {
		if e.Type.IsBuild() && !seen[e.Child] {
			seen[e.Child] = true
			queue = append(queue, e.Child)
		}
	}
	var out []Key
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		for _, e := range children(cur) {
			if e.Type == Install && !seen[e.Child] {
				seen[e.Child] = true
				queue = append(queue, e.Child)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func closurePath(from, to Key, children func(Key) []Edge) []Edge {
	if from == to {
		return nil
	}
	prev := map[Key]Edge{}
	var queue []Key
	for _, e := range children(from) {
		if !e.Type.IsBuild() || e.Child == from {
			continue
		}
		if _, ok := prev[e.Child]; !ok {
			prev[e.Child] = e
			queue = append(queue, e.Child)
		}
	}
	for len(queue) > 0 && !hasKey(prev, to) {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range children(cur) {
			if e.Type != Install || e.Child == from || hasKey(prev, e.Child) {
				continue
			}
			prev[e.Child] = e
			queue = append(queue, e.Child)
		}
	}
	if !hasKey(prev, to) {
		return nil
	}
	var path []Edge
	for cur := to; cur != from; {
		e := prev[cur]
		path = append(path, e)
		cur = e.Parent
	}
	slices.Reverse(path)
	return path
}

func hasKey(m map[Key]Edge, k Key) bool {
	_, ok := m[k]
	return ok
}
