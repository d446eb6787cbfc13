package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/bootstrapgo/internal/buildcache"
	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/scheduler"
	"github.com/vk/bootstrapgo/modules/githubtags"
	"github.com/vk/bootstrapgo/modules/pyindex"
)

func writeProject(t *testing.T, root, pyproject string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte(pyproject), 0o644))
	return root
}

// localWorld declares two local source trees: app needs tool to build and
// to run. The artifact "build" copies the sdist.
func localWorld(t *testing.T) *config.Model {
	t.Helper()
	src := t.TempDir()
	tool := writeProject(t, filepath.Join(src, "tool"), "[build-system]\nrequires = []\n\n[project]\nname = \"tool\"\ndependencies = []\n")
	app := writeProject(t, filepath.Join(src, "app"), "[build-system]\nrequires = [\"tool>=1\"]\n\n[project]\nname = \"app\"\ndependencies = [\"tool\"]\n")

	m := config.NewModel()
	m.Builders["default"] = &config.Builder{Name: "default", Artifact: []string{"sh", "-c", "cp {sdist} {out}/"}}
	m.Packages["tool"] = &config.Package{Name: "tool", Releases: []config.Release{{Version: "1.0", URL: tool}}}
	m.Packages["app"] = &config.Package{Name: "app", Releases: []config.Release{{Version: "2.0", URL: app}}}
	return m
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "bootstrap defaults", cfg: Config{Requirements: []string{"app"}}},
		{name: "requirements file", cfg: Config{Mode: ModeDiscover, RequirementsFile: "reqs.txt"}},
		{name: "build", cfg: Config{Mode: ModeBuild, GraphPath: "graph.json"}},
		{name: "no requirements", cfg: Config{}, wantErr: "at least one requirement"},
		{name: "build without graph", cfg: Config{Mode: ModeBuild}, wantErr: "build mode needs the graph"},
		{name: "unknown mode", cfg: Config{Mode: "deploy"}, wantErr: `unknown mode "deploy"`},
		{name: "negative workers", cfg: Config{Requirements: []string{"app"}, Workers: -1}, wantErr: "workers cannot be negative"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := NewConfig(tc.cfg)

			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cfg.Mode)
		})
	}
}

func TestNewApp_PanicsOnSettingsError(t *testing.T) {
	t.Parallel()

	cfg := &Config{Requirements: []string{"app"}, SettingsPaths: []string{"settings.hcl"}}
	loader := &StaticLoader{Err: errors.New("boom")}

	assert.PanicsWithError(t, "failed to load configuration: boom", func() {
		NewApp(&SafeBuffer{}, cfg, loader)
	})
}

func TestNewApp_BindsPackageProviders(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m := config.NewModel()
	m.Packages["from-tags"] = &config.Package{Name: "from-tags", GitHubRepo: "acme/tags", TagPrefix: "v"}
	m.Packages["declared"] = &config.Package{Name: "declared", Releases: []config.Release{{Version: "1.0", URL: "/src"}}}
	m.Packages["explicit"] = &config.Package{Name: "explicit", GitHubRepo: "acme/explicit", Provider: pyindex.Name}
	cfg := &Config{Requirements: []string{"x"}, SettingsPaths: []string{"inline"}}

	// --- Act ---
	a, _ := SetupAppTest(t, cfg, &StaticLoader{Model: m})

	// --- Assert ---
	p, err := a.Registry().ProviderFor("from_tags")
	require.NoError(t, err)
	assert.IsType(t, &githubtags.Provider{}, p)

	p, err = a.Registry().ProviderFor("declared")
	require.NoError(t, err)
	assert.IsType(t, &resolver.StaticProvider{}, p)

	p, err = a.Registry().ProviderFor("explicit")
	require.NoError(t, err)
	assert.IsType(t, &pyindex.Provider{}, p)

	p, err = a.Registry().ProviderFor("anything-else")
	require.NoError(t, err)
	assert.IsType(t, &pyindex.Provider{}, p)
}

func TestApp_BootstrapThenParallelBuild(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	settings := localWorld(t)
	out := t.TempDir()
	graphPath := filepath.Join(out, "graph.json")
	cfg := UseTempDirs(&Config{
		Requirements:  []string{"app"},
		SettingsPaths: []string{"inline"},
		Mode:          ModeBootstrap,
	}, out)
	a, logs := SetupAppTest(t, cfg, &StaticLoader{Model: settings})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err, logs.String())
	g, err := dag.LoadFile(graphPath)
	require.NoError(t, err)
	assert.Equal(t, []dag.Key{"app==2.0", "tool==1.0"}, g.Keys())

	entries, err := scheduler.LoadOrder(filepath.Join(out, scheduler.OrderFile))
	require.NoError(t, err)
	assert.Equal(t, []dag.Key{"tool==1.0", "app==2.0"}, scheduler.Keys(entries))

	store, err := buildcache.OpenLocal(context.Background(), cfg.CacheDir)
	require.NoError(t, err)
	cached, err := store.List(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.Len(t, cached, 2)
	assert.Contains(t, logs.String(), "2 packages discovered, 2 built")
	assert.Equal(t, phaseDone, a.currentPhase())

	// --- Act: rebuild the saved graph in parallel with an empty cache ---
	buildCfg := UseTempDirs(&Config{
		Mode:          ModeBuild,
		SettingsPaths: []string{"inline"},
		GraphPath:     graphPath,
		Workers:       2,
	}, filepath.Join(out, "rebuild"))
	b, buildLogs := SetupAppTest(t, buildCfg, &StaticLoader{Model: settings})
	err = b.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err, buildLogs.String())
	assert.Contains(t, buildLogs.String(), "Parallel build finished.")
	assert.Contains(t, buildLogs.String(), "Built artifact.")
	workers, err := filepath.Glob(filepath.Join(out, "rebuild", "work", "worker-*"))
	require.NoError(t, err)
	assert.NotEmpty(t, workers)
}

func TestApp_DiscoverReportsFailures(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	settings := localWorld(t)
	settings.Packages["broken"] = &config.Package{Name: "broken", Releases: []config.Release{{Version: "1.0", URL: filepath.Join(t.TempDir(), "missing")}}}
	out := t.TempDir()
	reqFile := filepath.Join(out, "requirements.txt")
	require.NoError(t, os.WriteFile(reqFile, []byte("# top level\napp\nbroken==1.0\n"), 0o644))
	cfg := UseTempDirs(&Config{
		RequirementsFile: reqFile,
		SettingsPaths:    []string{"inline"},
		Mode:             ModeDiscover,
	}, out)
	a, logs := SetupAppTest(t, cfg, &StaticLoader{Model: settings})

	// --- Act ---
	err := a.Run(context.Background())

	// --- Assert ---
	require.Error(t, err)
	assert.ErrorContains(t, err, "broken")
	assert.FileExists(t, cfg.GraphPath, "the partial graph is saved")
	assert.NoFileExists(t, filepath.Join(out, scheduler.OrderFile))
	assert.Contains(t, logs.String(), "Failed requirements:")
	assert.Contains(t, logs.String(), "0 built")
	assert.Equal(t, phaseFailed, a.currentPhase())
}

func TestApp_Constraints(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m := config.NewModel()
	m.Constraints["tool"] = "<2"
	dir := t.TempDir()
	constraintsFile := filepath.Join(dir, "constraints.txt")
	require.NoError(t, os.WriteFile(constraintsFile, []byte("app>=1.0\n"), 0o644))
	cfg := &Config{Requirements: []string{"app"}, ConstraintsFile: constraintsFile, SettingsPaths: []string{"inline"}}
	a, _ := SetupAppTest(t, cfg, &StaticLoader{Model: m})

	// --- Act ---
	c, err := a.constraints()

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "tool"}, c.Names())
	assert.Equal(t, "<2", c.For("tool"))

	reqs, err := a.requirements()
	require.NoError(t, err)
	assert.Equal(t, []requirement.Requirement{requirement.MustParse("app")}, reqs)
}
