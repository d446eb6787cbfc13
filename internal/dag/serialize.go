package dag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vk/bootstrapgo/internal/fsutil"
)

type jsonEdge struct {
	Key     Key      `json:"key"`
	ReqType EdgeType `json:"req_type"`
	Req     string   `json:"req"`
	// Seq is the edge's position in the graph-wide insertion order.
	Seq int `json:"seq,omitempty"`
}

type jsonNode struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	DownloadURL string     `json:"download_url"`
	PreBuilt    bool       `json:"pre_built"`
	Constraint  string     `json:"constraint"`
	Edges       []jsonEdge `json:"edges"`
}

// Serialize writes the graph as a single JSON document: an object mapping
// each node key to its attributes and ordered outgoing edges.
func (g *Graph) Serialize(w io.Writer) error {
	g.mutex.RLock()
	doc := make(map[Key]jsonNode, len(g.vertices))
	for k, v := range g.vertices {
		jn := jsonNode{
			Name:        v.node.Name,
			Version:     v.node.Version,
			DownloadURL: v.node.DownloadURL,
			PreBuilt:    v.node.PreBuilt,
			Constraint:  v.node.Constraint,
			Edges:       make([]jsonEdge, 0, len(v.children)),
		}
		for i, e := range v.children {
			jn.Edges = append(jn.Edges, jsonEdge{Key: e.Child, ReqType: e.Type, Req: e.Requirement, Seq: v.childSeq[i]})
		}
		doc[k] = jn
	}
	g.mutex.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// Deserialize reads a document produced by Serialize.
func Deserialize(r io.Reader) (*Graph, error) {
	var doc map[Key]jsonNode
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}

	g := New()
	keys := make([]Key, 0, len(doc))
	for k, jn := range doc {
		if k == RootKey {
			keys = append(keys, k)
			continue
		}
		n := Node{
			Name:        jn.Name,
			Version:     jn.Version,
			DownloadURL: jn.DownloadURL,
			PreBuilt:    jn.PreBuilt,
			Constraint:  jn.Constraint,
		}
		if n.Key() != k {
			return nil, fmt.Errorf("decoding graph: node %q does not match its key %q", n.Key(), k)
		}
		g.AddNode(n)
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Edges are re-added in their original order so every node's parents
	// come back in the order they were recorded. Documents without
	// sequence numbers fall back to parent key order.
	type pending struct {
		parent Key
		edge   jsonEdge
	}
	var edges []pending
	for _, k := range keys {
		for _, je := range doc[k].Edges {
			edges = append(edges, pending{parent: k, edge: je})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].edge.Seq < edges[j].edge.Seq })

	for _, pe := range edges {
		k, je := pe.parent, pe.edge
		typ, err := ParseEdgeType(string(je.ReqType))
		if err != nil {
			return nil, fmt.Errorf("decoding graph: edge %s -> %s: %w", k, je.Key, err)
		}
		if err := g.AddEdge(k, je.Key, typ, je.Req); err != nil {
			return nil, fmt.Errorf("decoding graph: %w", err)
		}
	}
	return g, nil
}

// SaveFile writes the graph to path atomically.
func (g *Graph) SaveFile(path string) error {
	if err := fsutil.WriteFileAtomic(path, g.Serialize); err != nil {
		return fmt.Errorf("writing graph: %w", err)
	}
	return nil
}

// LoadFile reads a graph written by SaveFile.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Deserialize(f)
}
