package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a settings file may contain.
// Anything else is rejected.
type fileRoot struct {
	Settings    []*Settings    `hcl:"settings,block"`
	Environment []*Environment `hcl:"environment,block"`
	Constraints []*Constraint  `hcl:"constraint,block"`
	Index       []*Index       `hcl:"index,block"`
	GitHub      []*GitHub      `hcl:"github,block"`
	RemoteCache []*RemoteCache `hcl:"remote_cache,block"`
	Builders    []*Builder     `hcl:"builder,block"`
	Packages    []*Package     `hcl:"package,block"`
}

// Settings is the `settings` block.
type Settings struct {
	Variant         string   `hcl:"variant,optional"`
	WorkDir         string   `hcl:"work_dir,optional"`
	CacheDir        string   `hcl:"cache_dir,optional"`
	PatchesDir      string   `hcl:"patches_dir,optional"`
	Workers         int      `hcl:"workers,optional"`
	Platforms       []string `hcl:"platforms,optional"`
	AllowPrerelease bool     `hcl:"allow_prerelease,optional"`
	StopOnFailure   bool     `hcl:"stop_on_failure,optional"`
}

// Environment is the `environment` block. Its attributes are free-form
// marker variables.
type Environment struct {
	Body hcl.Body `hcl:",remain"`
}

// Constraint is a `constraint "name"` block.
type Constraint struct {
	Name    string `hcl:"name,label"`
	Version string `hcl:"version"`
}

// Index is the `index` block.
type Index struct {
	URL         string `hcl:"url"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
	Timeout     string `hcl:"timeout,optional"`
}

// GitHub is the `github` block.
type GitHub struct {
	APIURL string `hcl:"api_url,optional"`
	Token  string `hcl:"token,optional"`
}

// RemoteCache is the `remote_cache` block.
type RemoteCache struct {
	URL         string `hcl:"url"`
	MaxAttempts int    `hcl:"max_attempts,optional"`
}

// Builder is a `builder "name"` block.
type Builder struct {
	Name     string            `hcl:"name,label"`
	Sdist    []string          `hcl:"sdist,optional"`
	Artifact []string          `hcl:"artifact"`
	Env      map[string]string `hcl:"env,optional"`
}

// Package is a `package "name"` block.
type Package struct {
	Name                 string     `hcl:"name,label"`
	PreBuilt             bool       `hcl:"pre_built,optional"`
	AllowPrerelease      bool       `hcl:"allow_prerelease,optional"`
	RebuildSdist         bool       `hcl:"rebuild_sdist,optional"`
	Provider             string     `hcl:"provider,optional"`
	Acquirer             string     `hcl:"acquirer,optional"`
	Builder              string     `hcl:"builder,optional"`
	GitHubRepo           string     `hcl:"github_repo,optional"`
	TagPrefix            string     `hcl:"tag_prefix,optional"`
	BuildBackendRequires []string   `hcl:"build_backend_requires,optional"`
	BuildSdistRequires   []string   `hcl:"build_sdist_requires,optional"`
	Releases             []*Release `hcl:"release,block"`
}

// Release is a `release "version"` block inside a package.
type Release struct {
	Version  string `hcl:"version,label"`
	URL      string `hcl:"url"`
	PreBuilt bool   `hcl:"pre_built,optional"`
	Platform string `hcl:"platform,optional"`
}
