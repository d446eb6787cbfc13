// Package githubtags resolves source candidates from the tags of a GitHub
// repository. Each tag named {prefix}{version} is one candidate whose
// source is the tag's tarball.
package githubtags

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/semver"
	"github.com/vk/bootstrapgo/modules/http_client"
)

// Name is the registry name of the provider.
const Name = "github"

// DefaultAPIURL is the public GitHub API.
const DefaultAPIURL = "https://api.github.com"

// maxPages bounds pagination for repositories with a runaway tag count.
const maxPages = 50

// Repo locates the tags of one package.
type Repo struct {
	Owner     string
	Name      string
	TagPrefix string
}

// ParseRepo parses "owner/name".
func ParseRepo(s, tagPrefix string) (Repo, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("invalid GitHub repository %q, expected owner/name", s)
	}
	return Repo{Owner: owner, Name: name, TagPrefix: tagPrefix}, nil
}

type tag struct {
	Name       string `json:"name"`
	TarballURL string `json:"tarball_url"`
}

// Provider lists repository tags as candidates.
type Provider struct {
	api   string
	fetch *http_client.Fetcher
	repos map[string]Repo
}

// NewProvider creates a provider. A token, when set, is sent with every
// request.
func NewProvider(api, token string, fetch *http_client.Fetcher) *Provider {
	if api == "" {
		api = DefaultAPIURL
	}
	if token != "" {
		fetch.Header.Set("Authorization", "Bearer "+token)
	}
	fetch.Header.Set("Accept", "application/vnd.github+json")
	return &Provider{api: strings.TrimRight(api, "/"), fetch: fetch, repos: make(map[string]Repo)}
}

// AddRepo maps a package to its repository.
func (p *Provider) AddRepo(pkg string, repo Repo) {
	p.repos[requirement.CanonicalName(pkg)] = repo
}

// Candidates implements resolver.Provider.
func (p *Provider) Candidates(ctx context.Context, req requirement.Requirement) ([]resolver.Candidate, error) {
	repo, ok := p.repos[req.CanonicalName()]
	if !ok {
		return nil, fmt.Errorf("no GitHub repository configured for %s", req.Name)
	}
	logger := ctxlog.FromContext(ctx).With("package", req.CanonicalName(), "repo", repo.Owner+"/"+repo.Name)

	next := fmt.Sprintf("%s/repos/%s/%s/tags?per_page=100", p.api, url.PathEscape(repo.Owner), url.PathEscape(repo.Name))
	var out []resolver.Candidate
	for page := 0; next != "" && page < maxPages; page++ {
		var tags []tag
		header, err := p.fetch.GetJSON(ctx, next, &tags)
		if err != nil {
			return nil, fmt.Errorf("listing tags of %s/%s: %w", repo.Owner, repo.Name, err)
		}
		for _, t := range tags {
			version, ok := strings.CutPrefix(t.Name, repo.TagPrefix)
			if !ok {
				continue
			}
			if _, err := semver.ParseVersion(version); err != nil {
				logger.Debug("Ignoring tag that is not a version.", "tag", t.Name)
				continue
			}
			out = append(out, resolver.Candidate{Version: version, URL: t.TarballURL})
		}
		next = nextLink(header)
	}
	logger.Debug("Tag candidates listed.", "candidates", len(out))
	return out, nil
}

// nextLink returns the rel="next" target of a Link header.
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			target, params, ok := strings.Cut(strings.TrimSpace(part), ";")
			if !ok {
				continue
			}
			for _, param := range strings.Split(params, ";") {
				if strings.TrimSpace(param) == `rel="next"` {
					return strings.Trim(strings.TrimSpace(target), "<>")
				}
			}
		}
	}
	return ""
}

// Module registers the tags provider.
type Module struct {
	Provider *Provider
}

// Register implements registry.Module.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterProvider(Name, m.Provider)
}
