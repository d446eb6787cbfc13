package config

import (
	"fmt"
	"sort"
	"time"
)

// Model is the unified representation of all settings files.
type Model struct {
	Settings    Settings
	Environment map[string]string
	// Constraints maps a package name to an extra version specifier.
	Constraints map[string]string
	Index       *Index
	GitHub      *GitHub
	RemoteCache *RemoteCache
	Builders    map[string]*Builder
	Packages    map[string]*Package
}

// NewModel returns an empty model with its maps allocated.
func NewModel() *Model {
	return &Model{
		Environment: make(map[string]string),
		Constraints: make(map[string]string),
		Builders:    make(map[string]*Builder),
		Packages:    make(map[string]*Package),
	}
}

// Settings are the run-wide knobs. Zero values mean "not set".
type Settings struct {
	Variant         string
	WorkDir         string
	CacheDir        string
	PatchesDir      string
	Workers         int
	Platforms       []string
	AllowPrerelease bool
	StopOnFailure   bool
}

// Index configures the package index provider.
type Index struct {
	URL         string
	MaxAttempts int
	Timeout     time.Duration
}

// GitHub configures the tag provider.
type GitHub struct {
	APIURL string
	Token  string
}

// RemoteCache configures the shared artifact cache.
type RemoteCache struct {
	URL         string
	MaxAttempts int
}

// Builder is a named pair of build commands. Arguments may contain the
// placeholders {src}, {out}, {sdist} and {env}.
type Builder struct {
	Name     string
	Sdist    []string
	Artifact []string
	Env      map[string]string
}

// Package holds per-package overrides.
type Package struct {
	Name            string
	PreBuilt        bool
	AllowPrerelease bool
	RebuildSdist    bool
	// Provider, Acquirer and Builder name registered implementations.
	// Empty means the default.
	Provider             string
	Acquirer             string
	Builder              string
	GitHubRepo           string
	TagPrefix            string
	BuildBackendRequires []string
	BuildSdistRequires   []string
	Releases             []Release
}

// Release is a version declared directly in settings.
type Release struct {
	Version  string
	URL      string
	PreBuilt bool
	Platform string
}

// Merge folds other into m. Scalar settings from other win when set.
// Declaring the same package, builder or constraint twice is an error.
func (m *Model) Merge(other *Model) error {
	s, o := &m.Settings, other.Settings
	if o.Variant != "" {
		s.Variant = o.Variant
	}
	if o.WorkDir != "" {
		s.WorkDir = o.WorkDir
	}
	if o.CacheDir != "" {
		s.CacheDir = o.CacheDir
	}
	if o.PatchesDir != "" {
		s.PatchesDir = o.PatchesDir
	}
	if o.Workers != 0 {
		s.Workers = o.Workers
	}
	if len(o.Platforms) > 0 {
		s.Platforms = o.Platforms
	}
	s.AllowPrerelease = s.AllowPrerelease || o.AllowPrerelease
	s.StopOnFailure = s.StopOnFailure || o.StopOnFailure

	for k, v := range other.Environment {
		m.Environment[k] = v
	}
	if other.Index != nil {
		m.Index = other.Index
	}
	if other.GitHub != nil {
		m.GitHub = other.GitHub
	}
	if other.RemoteCache != nil {
		m.RemoteCache = other.RemoteCache
	}
	for name, spec := range other.Constraints {
		if _, dup := m.Constraints[name]; dup {
			return fmt.Errorf("constraint for %s declared twice", name)
		}
		m.Constraints[name] = spec
	}
	for name, b := range other.Builders {
		if _, dup := m.Builders[name]; dup {
			return fmt.Errorf("builder %q declared twice", name)
		}
		m.Builders[name] = b
	}
	for name, p := range other.Packages {
		if _, dup := m.Packages[name]; dup {
			return fmt.Errorf("package %q declared twice", name)
		}
		m.Packages[name] = p
	}
	return nil
}

// PackageNames returns the declared package names, sorted.
func (m *Model) PackageNames() []string {
	names := make([]string, 0, len(m.Packages))
	for n := range m.Packages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
