package dag

import (
	"bytes"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(name, version string) Node {
	return Node{Name: name, Version: version, DownloadURL: "https://example.invalid/" + name + "-" + version + ".tar.gz"}
}

// mustEdge adds both nodes and the edge between them.
func mustEdge(t *testing.T, g *Graph, parent, child Node, typ EdgeType) {
	t.Helper()
	pk := RootKey
	if parent.Name != "" {
		pk = g.AddNode(parent)
	}
	ck := g.AddNode(child)
	require.NoError(t, g.AddEdge(pk, ck, typ, child.Name))
}

func TestNew(t *testing.T) {
	g := New()
	require.NotNil(t, g)
	assert.True(t, g.Has(RootKey))
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Nodes())
}

func TestAddNode(t *testing.T) {
	g := New()

	key := g.AddNode(node("Pkg_A", "1.0"))
	assert.Equal(t, Key("pkg-a==1.0"), key)
	name, version := key.Split()
	assert.Equal(t, "pkg-a", name)
	assert.Equal(t, "1.0", version)
	assert.Equal(t, 1, g.Len())

	// Idempotent on key, the first copy wins.
	g.AddNode(Node{Name: "pkg-a", Version: "1.0", DownloadURL: "other"})
	assert.Equal(t, 1, g.Len())
	n, ok := g.Node(key)
	require.True(t, ok)
	assert.Equal(t, "Pkg_A", n.Name)

	g.AddNode(node("pkg-a", "2.0"))
	assert.Equal(t, 2, g.Len())
}

func TestAddEdge(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		g := New()
		a := g.AddNode(node("a", "1"))
		b := g.AddNode(node("b", "1"))

		require.NoError(t, g.AddEdge(RootKey, a, TopLevel, "a"))
		require.NoError(t, g.AddEdge(a, b, BuildSystem, "b>=1"))
		require.NoError(t, g.AddEdge(a, b, BuildSystem, "b>=1")) // duplicate is a no-op
		require.NoError(t, g.AddEdge(a, b, Install, "b"))

		deps := slices.Collect(g.DependenciesOf(a))
		assert.Equal(t, []Edge{
			{Parent: a, Child: b, Type: BuildSystem, Requirement: "b>=1"},
			{Parent: a, Child: b, Type: Install, Requirement: "b"},
		}, deps)

		build := slices.Collect(g.DependenciesOf(a, BuildSystem, BuildBackend))
		assert.Len(t, build, 1)
		assert.Len(t, g.DependentsOf(b), 2)
		assert.Len(t, g.DependentsOf(b, Install), 1)
	})

	t.Run("error cases", func(t *testing.T) {
		g := New()
		a := g.AddNode(node("a", "1"))

		err := g.AddEdge("dne==1", a, Install, "a")
		assert.ErrorIs(t, err, ErrMissingNode)
		assert.ErrorContains(t, err, "parent dne==1")

		err = g.AddEdge(a, "dne==1", Install, "dne")
		assert.ErrorIs(t, err, ErrMissingNode)
		assert.ErrorContains(t, err, "child dne==1")
	})
}

func TestDependenciesOf_StopsEarly(t *testing.T) {
	g := New()
	for _, n := range []string{"a", "b", "c"} {
		mustEdge(t, g, Node{}, node(n, "1"), TopLevel)
	}

	var seen []Key
	for e := range g.DependenciesOf(RootKey) {
		seen = append(seen, e.Child)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []Key{"a==1", "b==1"}, seen)
}

func TestWhyChainAndFindByName(t *testing.T) {
	g := New()
	app, tool, lib := node("app", "1"), node("tool", "2"), node("lib", "3")
	mustEdge(t, g, Node{}, app, TopLevel)
	mustEdge(t, g, app, tool, BuildSystem)
	mustEdge(t, g, tool, lib, Install)

	chain := g.WhyChain(lib.Key())
	require.Len(t, chain, 3)
	assert.Equal(t, RootKey, chain[0].Parent)
	assert.Equal(t, tool.Key(), chain[2].Parent)

	assert.Equal(t, []Node{tool}, g.FindByName("TOOL"))
	assert.Empty(t, g.FindByName("missing"))
}

func TestDetectCycles(t *testing.T) {
	t.Run("build then install is install-time", func(t *testing.T) {
		g := New()
		a, b := node("a", "1"), node("b", "1")
		mustEdge(t, g, Node{}, a, TopLevel)
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, b, a, Install)

		cycles, err := g.DetectCycles()
		require.NoError(t, err)
		require.Len(t, cycles, 1)
		assert.Equal(t, InstallTime, cycles[0].Kind)
		assert.Equal(t, cycles[0].Path[0], cycles[0].Path[len(cycles[0].Path)-1])

		build, err := g.BuildCycles()
		require.NoError(t, err)
		assert.Empty(t, build)
	})

	t.Run("build edges both ways is build-time", func(t *testing.T) {
		g := New()
		a, b := node("a", "1"), node("b", "1")
		mustEdge(t, g, Node{}, a, TopLevel)
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, b, a, BuildBackend)

		cycles, err := g.DetectCycles()
		require.NoError(t, err)
		require.Len(t, cycles, 1)
		assert.Equal(t, BuildTime, cycles[0].Kind)
		assert.Equal(t, []Key{a.Key(), b.Key(), a.Key()}, cycles[0].Path)
		assert.Equal(t, "a==1 -> b==1 -> a==1", cycles[0].String())

		err = &CycleError{Cycle: cycles[0]}
		assert.True(t, errors.Is(err, ErrBuildCycle))
		assert.Contains(t, err.Error(), "pre-built")
	})

	t.Run("mixed group reports both kinds", func(t *testing.T) {
		g := New()
		a, b, c := node("a", "1"), node("b", "1"), node("c", "1")
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, b, a, BuildSdist)
		mustEdge(t, g, b, c, Install)
		mustEdge(t, g, c, a, Install)

		cycles, err := g.DetectCycles()
		require.NoError(t, err)
		kinds := map[CycleKind]int{}
		for _, c := range cycles {
			kinds[c.Kind]++
			for i, e := range c.Edges {
				assert.Equal(t, c.Path[i], e.Parent)
				assert.Equal(t, c.Path[i+1], e.Child)
			}
		}
		assert.Equal(t, map[CycleKind]int{BuildTime: 1, InstallTime: 1}, kinds)
	})

	t.Run("install edge inside a build closure is build-time", func(t *testing.T) {
		// a builds with b, b installs c, c builds with a: c needs a built,
		// and a needs b and c installed.
		g := New()
		a, b, c := node("a", "1"), node("b", "1"), node("c", "1")
		mustEdge(t, g, Node{}, a, TopLevel)
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, b, c, Install)
		mustEdge(t, g, c, a, BuildBackend)

		build, err := g.BuildCycles()
		require.NoError(t, err)
		require.Len(t, build, 1)
		assert.Equal(t, "a==1 -> b==1 -> c==1 -> a==1", build[0].String())
		assert.Equal(t, []EdgeType{BuildSystem, Install, BuildBackend},
			[]EdgeType{build[0].Edges[0].Type, build[0].Edges[1].Type, build[0].Edges[2].Type})
	})

	t.Run("install edge out of the build closure stays install-time", func(t *testing.T) {
		// a builds with b, b installs c, c installs a.
		g := New()
		a, b, c := node("a", "1"), node("b", "1"), node("c", "1")
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, b, c, Install)
		mustEdge(t, g, c, a, Install)

		build, err := g.BuildCycles()
		require.NoError(t, err)
		assert.Empty(t, build)
	})

	t.Run("self loops", func(t *testing.T) {
		g := New()
		a := node("a", "1")
		mustEdge(t, g, a, a, BuildSystem)

		cycles, err := g.DetectCycles()
		require.NoError(t, err)
		require.Len(t, cycles, 1)
		assert.Equal(t, BuildTime, cycles[0].Kind)
		assert.Equal(t, []Key{a.Key(), a.Key()}, cycles[0].Path)
	})

	t.Run("acyclic", func(t *testing.T) {
		g := New()
		a, b, c := node("a", "1"), node("b", "1"), node("c", "1")
		mustEdge(t, g, a, b, BuildSystem)
		mustEdge(t, g, a, c, Install)
		mustEdge(t, g, b, c, BuildSystem)

		cycles, err := g.DetectCycles()
		require.NoError(t, err)
		assert.Empty(t, cycles)
	})
}

func TestSerializeRoundTrip(t *testing.T) {
	g := New()
	app, tool, lib := node("app", "1.0"), node("tool", "2.0"), node("lib", "3.0")
	lib.PreBuilt = true
	lib.Constraint = "<4"
	mustEdge(t, g, Node{}, app, TopLevel)
	mustEdge(t, g, app, tool, BuildSystem)
	mustEdge(t, g, app, lib, Install)
	mustEdge(t, g, tool, lib, BuildBackend)
	mustEdge(t, g, lib, app, Install)

	var buf bytes.Buffer
	require.NoError(t, g.Serialize(&buf))
	first := buf.String()

	loaded, err := Deserialize(&buf)
	require.NoError(t, err)

	if diff := cmp.Diff(g.Nodes(), loaded.Nodes()); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(g.Edges(), loaded.Edges()); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}

	var again bytes.Buffer
	require.NoError(t, loaded.Serialize(&again))
	assert.Equal(t, first, again.String())
}

func TestWhyChain_SurvivesReload(t *testing.T) {
	// --- Arrange ---
	// lib is first required by zeta, which sorts after alpha.
	g := New()
	zeta, alpha, lib := node("zeta", "1"), node("alpha", "1"), node("lib", "1")
	mustEdge(t, g, Node{}, zeta, TopLevel)
	mustEdge(t, g, zeta, lib, Install)
	mustEdge(t, g, Node{}, alpha, TopLevel)
	mustEdge(t, g, alpha, lib, Install)
	before := g.WhyChain(lib.Key())
	require.Len(t, before, 2)
	require.Equal(t, zeta.Key(), before[1].Parent)

	// --- Act ---
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, g.SaveFile(path))
	loaded, err := LoadFile(path)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, before, loaded.WhyChain(lib.Key()))
	assert.Equal(t, g.DependentsOf(lib.Key()), loaded.DependentsOf(lib.Key()))
}

func TestSaveLoadFile(t *testing.T) {
	g := New()
	mustEdge(t, g, Node{}, node("a", "1"), TopLevel)

	path := filepath.Join(t.TempDir(), "out", "graph.json")
	require.NoError(t, g.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.Edges(), loaded.Edges())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDeserialize_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":      `[`,
		"dangling edge": `{"": {"edges": [{"key": "a==1", "req_type": "toplevel", "req": "a"}]}}`,
		"bad type":      `{"": {"edges": []}, "a==1": {"name": "a", "version": "1", "edges": [{"key": "", "req_type": "weird"}]}}`,
		"key mismatch":  `{"a==1": {"name": "b", "version": "1", "edges": []}}`,
	} {
		_, err := Deserialize(bytes.NewBufferString(doc))
		assert.Error(t, err, name)
	}
}

func TestBuildClosure(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	g := New()
	app, tool, helper, lib, backend := node("app", "1"), node("tool", "1"), node("helper", "1"), node("lib", "1"), node("backend", "1")
	mustEdge(t, g, Node{}, app, TopLevel)
	mustEdge(t, g, app, tool, BuildSystem)
	mustEdge(t, g, app, backend, BuildBackend)
	mustEdge(t, g, tool, helper, Install)
	mustEdge(t, g, helper, app, Install)
	mustEdge(t, g, app, lib, Install)
	mustEdge(t, g, tool, lib, BuildSystem)

	// --- Act ---
	closure := g.BuildClosure(app.Key())

	// --- Assert ---
	assert.Equal(t, []Key{backend.Key(), helper.Key(), tool.Key()}, closure)
	assert.Empty(t, g.BuildClosure(lib.Key()))
}

func TestClosurePath(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	g := New()
	app, tool, helper, lib := node("app", "1"), node("tool", "1"), node("helper", "1"), node("lib", "1")
	mustEdge(t, g, app, tool, BuildSystem)
	mustEdge(t, g, tool, helper, Install)
	mustEdge(t, g, app, lib, Install)

	// --- Act ---
	path := g.ClosurePath(app.Key(), helper.Key())

	// --- Assert ---
	require.Len(t, path, 2)
	assert.Equal(t, tool.Key(), path[0].Child)
	assert.Equal(t, helper.Key(), path[1].Child)
	assert.Nil(t, g.ClosurePath(app.Key(), lib.Key()), "install requirements of the package itself are not in its closure")
	assert.Nil(t, g.ClosurePath(app.Key(), app.Key()))
}
