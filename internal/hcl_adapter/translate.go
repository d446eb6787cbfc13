// This file translates the decoded HCL blocks into the format-agnostic
// configuration model.

package hcl_adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/semver"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

func (l *Loader) translate(ctx context.Context, root *fileRoot, evalCtx *hcl.EvalContext) (*config.Model, error) {
	m := config.NewModel()

	for _, s := range root.Settings {
		if s.Workers < 0 {
			return nil, fmt.Errorf("settings: workers must not be negative, got %d", s.Workers)
		}
		if err := m.Merge(&config.Model{Settings: config.Settings{
			Variant:         s.Variant,
			WorkDir:         s.WorkDir,
			CacheDir:        s.CacheDir,
			PatchesDir:      s.PatchesDir,
			Workers:         s.Workers,
			Platforms:       s.Platforms,
			AllowPrerelease: s.AllowPrerelease,
			StopOnFailure:   s.StopOnFailure,
		}}); err != nil {
			return nil, err
		}
	}

	for _, e := range root.Environment {
		vars, err := translateEnvironment(ctx, e, evalCtx)
		if err != nil {
			return nil, err
		}
		for k, v := range vars {
			m.Environment[k] = v
		}
	}

	for _, c := range root.Constraints {
		name := requirement.CanonicalName(c.Name)
		if _, err := semver.ParseConstraint(c.Version); err != nil {
			return nil, fmt.Errorf("constraint %q: %w", c.Name, err)
		}
		if _, dup := m.Constraints[name]; dup {
			return nil, fmt.Errorf("constraint for %s declared twice", name)
		}
		m.Constraints[name] = c.Version
	}

	for _, idx := range root.Index {
		index := &config.Index{URL: idx.URL, MaxAttempts: idx.MaxAttempts}
		if idx.Timeout != "" {
			d, err := time.ParseDuration(idx.Timeout)
			if err != nil {
				return nil, fmt.Errorf("index: invalid timeout: %w", err)
			}
			index.Timeout = d
		}
		m.Index = index
	}
	for _, gh := range root.GitHub {
		m.GitHub = &config.GitHub{APIURL: gh.APIURL, Token: gh.Token}
	}
	for _, rc := range root.RemoteCache {
		m.RemoteCache = &config.RemoteCache{URL: rc.URL, MaxAttempts: rc.MaxAttempts}
	}

	for _, b := range root.Builders {
		if _, dup := m.Builders[b.Name]; dup {
			return nil, fmt.Errorf("builder %q declared twice", b.Name)
		}
		if len(b.Artifact) == 0 {
			return nil, fmt.Errorf("builder %q: artifact command must not be empty", b.Name)
		}
		m.Builders[b.Name] = &config.Builder{Name: b.Name, Sdist: b.Sdist, Artifact: b.Artifact, Env: b.Env}
	}

	for _, p := range root.Packages {
		pkg, err := translatePackage(p)
		if err != nil {
			return nil, err
		}
		if _, dup := m.Packages[pkg.Name]; dup {
			return nil, fmt.Errorf("package %q declared twice", pkg.Name)
		}
		m.Packages[pkg.Name] = pkg
	}
	return m, nil
}

// translateEnvironment evaluates the free-form attributes of an
// environment block and converts each value to a string.
func translateEnvironment(ctx context.Context, e *Environment, evalCtx *hcl.EvalContext) (map[string]string, error) {
	logger := ctxlog.FromContext(ctx)
	attrs, diags := e.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("environment: %w", diags)
	}
	out := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("environment %s: %w", name, diags)
		}
		str, err := convert.Convert(val, cty.String)
		if err != nil {
			return nil, fmt.Errorf("environment %s: must be a string, number or bool: %w", name, err)
		}
		if str.IsNull() || !str.IsKnown() {
			return nil, fmt.Errorf("environment %s: value is not set", name)
		}
		out[name] = str.AsString()
		logger.Debug("Environment override.", "name", name, "value", out[name])
	}
	return out, nil
}

func translatePackage(p *Package) (*config.Package, error) {
	name := requirement.CanonicalName(p.Name)
	pkg := &config.Package{
		Name:                 name,
		PreBuilt:             p.PreBuilt,
		AllowPrerelease:      p.AllowPrerelease,
		RebuildSdist:         p.RebuildSdist,
		Provider:             p.Provider,
		Acquirer:             p.Acquirer,
		Builder:              p.Builder,
		GitHubRepo:           p.GitHubRepo,
		TagPrefix:            p.TagPrefix,
		BuildBackendRequires: p.BuildBackendRequires,
		BuildSdistRequires:   p.BuildSdistRequires,
	}
	for _, raw := range append(append([]string(nil), p.BuildBackendRequires...), p.BuildSdistRequires...) {
		if _, err := requirement.Parse(raw); err != nil {
			return nil, fmt.Errorf("package %q: %w", p.Name, err)
		}
	}
	for _, r := range p.Releases {
		if _, err := semver.ParseVersion(r.Version); err != nil {
			return nil, fmt.Errorf("package %q: release %q: %w", p.Name, r.Version, err)
		}
		pkg.Releases = append(pkg.Releases, config.Release{
			Version:  r.Version,
			URL:      r.URL,
			PreBuilt: r.PreBuilt,
			Platform: r.Platform,
		})
	}
	sort.SliceStable(pkg.Releases, func(i, j int) bool {
		return semver.Compare(semver.MustParseVersion(pkg.Releases[i].Version), semver.MustParseVersion(pkg.Releases[j].Version)) < 0
	})
	return pkg, nil
}
