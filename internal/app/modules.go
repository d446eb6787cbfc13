package app

import (
	"fmt"
	"slices"

	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/registry"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/retry"
	"github.com/vk/bootstrapgo/modules/execbuilder"
	"github.com/vk/bootstrapgo/modules/githubtags"
	"github.com/vk/bootstrapgo/modules/http_client"
	"github.com/vk/bootstrapgo/modules/localsource"
	"github.com/vk/bootstrapgo/modules/pyindex"
	"github.com/vk/bootstrapgo/modules/pyproject"
)

// StaticProviderName is the provider serving releases declared in settings.
const StaticProviderName = "static"

// Defaults bound to every package without its own selection.
var defaultBindings = map[registry.Kind]string{
	registry.KindProvider:  pyindex.Name,
	registry.KindAcquirer:  localsource.Name,
	registry.KindPreparer:  localsource.Name,
	registry.KindExtractor: pyproject.Name,
	registry.KindBuilder:   execbuilder.DefaultName,
}

// staticModule registers the releases declared in package blocks.
type staticModule struct {
	provider *resolver.StaticProvider
}

func (m *staticModule) Register(r *registry.Registry) {
	r.RegisterProvider(StaticProviderName, m.provider)
}

func policy(maxAttempts int) retry.Policy {
	p := retry.DefaultPolicy
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	return p
}

// coreModules is the definitive list of the plugins compiled into the
// bootstrapgo binary, configured from settings.
func coreModules(settings *config.Model) []registry.Module {
	index := settings.Index
	if index == nil {
		index = &config.Index{}
	}
	fetcher := http_client.NewFetcher(http_client.New(index.Timeout), policy(index.MaxAttempts))

	gh := settings.GitHub
	if gh == nil {
		gh = &config.GitHub{}
	}
	tags := githubtags.NewProvider(gh.APIURL, gh.Token, http_client.NewFetcher(http_client.New(index.Timeout), policy(index.MaxAttempts)))

	static := resolver.NewStaticProvider()
	extra := make(map[string]pyproject.Extra)
	for _, name := range settings.PackageNames() {
		p := settings.Packages[name]
		if p.GitHubRepo != "" {
			// Validated by the settings loader.
			repo, _ := githubtags.ParseRepo(p.GitHubRepo, p.TagPrefix)
			tags.AddRepo(name, repo)
		}
		for _, r := range p.Releases {
			static.Add(name, resolver.Candidate{Version: r.Version, URL: r.URL, PreBuilt: r.PreBuilt, Platform: r.Platform})
		}
		if len(p.BuildBackendRequires) > 0 || len(p.BuildSdistRequires) > 0 {
			extra[name] = pyproject.Extra{Backend: p.BuildBackendRequires, Sdist: p.BuildSdistRequires}
		}
	}

	return []registry.Module{
		&pyindex.Module{BaseURL: index.URL, Fetcher: fetcher},
		&githubtags.Module{Provider: tags},
		&staticModule{provider: static},
		&localsource.Module{Fetcher: fetcher, PatchesDir: settings.Settings.PatchesDir},
		&pyproject.Module{Extra: extra},
		&execbuilder.Module{Builders: settings.Builders},
	}
}

// bindPackages binds the registered defaults and every per-package
// selection. Packages with declared releases use the static provider and
// packages with a GitHub repository use the tag provider unless they name
// one.
func bindPackages(reg *registry.Registry, settings *config.Model) error {
	registered := reg.Names()
	for kind, impl := range defaultBindings {
		if !slices.Contains(registered[kind], impl) {
			continue
		}
		if err := reg.Bind(kind, registry.Wildcard, impl); err != nil {
			return err
		}
	}
	for _, name := range settings.PackageNames() {
		p := settings.Packages[name]
		provider := p.Provider
		switch {
		case provider != "":
		case len(p.Releases) > 0:
			provider = StaticProviderName
		case p.GitHubRepo != "":
			provider = githubtags.Name
		}
		for kind, impl := range map[registry.Kind]string{
			registry.KindProvider: provider,
			registry.KindAcquirer: p.Acquirer,
			registry.KindBuilder:  p.Builder,
		} {
			if impl == "" {
				continue
			}
			if err := reg.Bind(kind, name, impl); err != nil {
				return fmt.Errorf("package %s: %w", name, err)
			}
		}
	}
	return nil
}
