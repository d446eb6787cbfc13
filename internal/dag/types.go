package dag

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vk/bootstrapgo/internal/requirement"
)

// Key identifies a node as "name==version".
type Key string

// RootKey is the synthetic node that top-level requirements hang from.
const RootKey Key = ""

// NewKey builds the key for a package name and version.
func NewKey(name, version string) Key {
	return Key(requirement.CanonicalName(name) + "==" + version)
}

// Split returns the name and version a key was built from.
func (k Key) Split() (name, version string) {
	name, version, _ = strings.Cut(string(k), "==")
	return name, version
}

func (k Key) String() string {
	if k == RootKey {
		return "ROOT"
	}
	return string(k)
}

// EdgeType is the kind of requirement that introduced an edge.
type EdgeType string

const (
	TopLevel     EdgeType = "toplevel"
	Install      EdgeType = "install"
	BuildSystem  EdgeType = "build-system"
	BuildBackend EdgeType = "build-backend"
	BuildSdist   EdgeType = "build-sdist"
)

// IsBuild reports whether the child must be built before the parent can be.
func (t EdgeType) IsBuild() bool {
	switch t {
	case BuildSystem, BuildBackend, BuildSdist:
		return true
	}
	return false
}

func ParseEdgeType(s string) (EdgeType, error) {
	switch t := EdgeType(s); t {
	case TopLevel, Install, BuildSystem, BuildBackend, BuildSdist:
		return t, nil
	}
	return "", fmt.Errorf("unknown edge type %q", s)
}

// Node is a resolved package. Nodes are values; the graph never hands out
// references to its own copies.
type Node struct {
	Name        string
	Version     string
	DownloadURL string
	PreBuilt    bool
	Constraint  string
}

func (n Node) Key() Key {
	if n.Name == "" {
		return RootKey
	}
	return NewKey(n.Name, n.Version)
}

// Edge records that Parent required Child through Requirement.
type Edge struct {
	Parent      Key
	Child       Key
	Type        EdgeType
	Requirement string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", e.Parent, e.Type, e.Child)
}

// Graph is the dependency graph. All operations on the graph are
// concurrency-safe.
type Graph struct {
	// mutex protects the vertices map during concurrent access.
	mutex sync.RWMutex
	// vertices stores all nodes in the graph, keyed by their unique key.
	vertices map[Key]*vertex
	// edgeSeq numbers edges in the order they were added.
	edgeSeq int
}

// vertex is un-exported so callers interact with the graph through keys
// and value copies.
type vertex struct {
	node Node
	// children holds outgoing edges in the order they were added, and
	// childSeq their graph-wide sequence numbers.
	children []Edge
	childSeq []int
	// parents holds incoming edges in the order they were added.
	parents []Edge
}
