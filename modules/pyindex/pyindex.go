// Package pyindex resolves candidates from a package index that serves the
// PyPI JSON API ({base}/pypi/{name}/json).
package pyindex

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/modules/http_client"
)

// Name is the registry name of the provider.
const Name = "pyindex"

// DefaultBaseURL is the public index.
const DefaultBaseURL = "https://pypi.org"

type releaseFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	PackageType string `json:"packagetype"`
	Yanked      bool   `json:"yanked"`
}

type projectResponse struct {
	Releases map[string][]releaseFile `json:"releases"`
}

// Provider lists release files of the index as candidates.
type Provider struct {
	base  string
	fetch *http_client.Fetcher
}

// NewProvider creates a provider for the index at base.
func NewProvider(base string, fetch *http_client.Fetcher) *Provider {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Provider{base: strings.TrimRight(base, "/"), fetch: fetch}
}

// Candidates implements resolver.Provider. Source distributions become
// source candidates; wheels become one pre-built candidate per platform
// tag. Yanked files are ignored.
func (p *Provider) Candidates(ctx context.Context, req requirement.Requirement) ([]resolver.Candidate, error) {
	logger := ctxlog.FromContext(ctx).With("package", req.CanonicalName())
	endpoint := p.base + "/pypi/" + url.PathEscape(req.CanonicalName()) + "/json"

	var project projectResponse
	if _, err := p.fetch.GetJSON(ctx, endpoint, &project); err != nil {
		return nil, fmt.Errorf("querying index for %s: %w", req.Name, err)
	}

	versions := make([]string, 0, len(project.Releases))
	for v := range project.Releases {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	var out []resolver.Candidate
	skipped := 0
	for _, version := range versions {
		for _, f := range project.Releases[version] {
			if f.Yanked {
				skipped++
				continue
			}
			switch f.PackageType {
			case "sdist":
				out = append(out, resolver.Candidate{Version: version, URL: f.URL})
			case "bdist_wheel":
				w, err := ParseWheelFilename(f.Filename)
				if err != nil {
					logger.Debug("Ignoring malformed wheel name.", "filename", f.Filename, "error", err)
					skipped++
					continue
				}
				for _, platform := range w.Platforms {
					out = append(out, resolver.Candidate{
						Version:  version,
						URL:      f.URL,
						PreBuilt: true,
						Platform: platform,
						BuildTag: w.BuildTag,
					})
				}
			default:
				skipped++
			}
		}
	}
	logger.Debug("Index candidates listed.", "candidates", len(out), "skipped", skipped)
	return out, nil
}

// Module registers the index provider.
type Module struct {
	BaseURL string
	Fetcher *http_client.Fetcher
}

// Register implements registry.Module.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterProvider(Name, NewProvider(m.BaseURL, m.Fetcher))
}
