// Package resolver selects a concrete version and download location for a
// requirement. Candidate discovery is delegated to a Provider chosen per
// package; filtering, ordering and memoization happen here.
package resolver

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/buildcache"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/metrics"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/semver"
)

// Candidate is one downloadable release offered by a provider.
type Candidate struct {
	Version string
	URL     string
	// PreBuilt marks a binary artifact as opposed to a source release.
	PreBuilt bool
	// Platform is the platform tag of a pre-built artifact, "any" when it
	// runs everywhere.
	Platform string
	// BuildTag orders otherwise equal versions; higher wins.
	BuildTag string
}

// Provider lists the releases available for a requirement's package.
type Provider interface {
	Candidates(ctx context.Context, req requirement.Requirement) ([]Candidate, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req requirement.Requirement) ([]Candidate, error)

func (f ProviderFunc) Candidates(ctx context.Context, req requirement.Requirement) ([]Candidate, error) {
	return f(ctx, req)
}

// ProviderLookup returns the provider responsible for a package.
type ProviderLookup interface {
	ProviderFor(name string) (Provider, error)
}

// Options shape which candidates are acceptable.
type Options struct {
	AllowPrerelease bool
	// WantPreBuilt asks for a binary artifact instead of source.
	WantPreBuilt bool
	// SourcesAcceptable lets a pre-built request fall back to source.
	SourcesAcceptable bool
	// Platforms lists the acceptable platform tags for pre-built
	// artifacts. "any" is always acceptable.
	Platforms []string
}

// Resolver resolves requirements, consulting its cache first.
type Resolver struct {
	providers ProviderLookup
	cache     *buildcache.ResolutionCache
}

// New creates a Resolver. A nil cache gets a fresh one.
func New(providers ProviderLookup, cache *buildcache.ResolutionCache) *Resolver {
	if cache == nil {
		cache = buildcache.NewResolutionCache()
	}
	return &Resolver{providers: providers, cache: cache}
}

// Cache returns the resolution cache backing r.
func (r *Resolver) Cache() *buildcache.ResolutionCache { return r.cache }

// cacheKey is the requirement string, tagged when a binary was requested so
// that the same requirement resolved both ways does not collide.
func cacheKey(req requirement.Requirement, opts Options) string {
	if opts.WantPreBuilt {
		return req.String() + " #pre-built"
	}
	return req.String()
}

// Resolve returns the URL and version selected for req. The same
// requirement string is resolved at most once per Resolver.
func (r *Resolver) Resolve(ctx context.Context, req requirement.Requirement, constraints *requirement.Constraints, opts Options) (buildcache.Resolution, error) {
	return r.cache.Do(cacheKey(req, opts), func() (buildcache.Resolution, error) {
		res, err := r.resolve(ctx, req, constraints, opts)
		if err != nil {
			metrics.ResolutionsTotal.WithLabelValues("failed").Inc()
			return res, err
		}
		metrics.ResolutionsTotal.WithLabelValues("resolved").Inc()
		return res, nil
	})
}

func (r *Resolver) resolve(ctx context.Context, req requirement.Requirement, constraints *requirement.Constraints, opts Options) (buildcache.Resolution, error) {
	logger := ctxlog.FromContext(ctx).With("requirement", req.String())
	constraintSpec := constraints.For(req.Name)

	if req.URL != "" {
		version := versionFromURL(req.Name, req.URL)
		logger.Debug("Direct URL requirement, skipping provider.", "version", version)
		return buildcache.Resolution{URL: req.URL, Version: version, Constraint: constraintSpec}, nil
	}

	spec, err := req.Constraint()
	if err != nil {
		return buildcache.Resolution{}, &ResolutionError{Requirement: req.String(), Err: err}
	}
	constraint, err := semver.ParseConstraint(constraintSpec)
	if err != nil {
		return buildcache.Resolution{}, &ResolutionError{Requirement: req.String(), Constraint: constraintSpec, Err: err}
	}

	provider, err := r.providers.ProviderFor(req.Name)
	if err != nil {
		return buildcache.Resolution{}, &ResolutionError{Requirement: req.String(), Constraint: constraintSpec, Err: err}
	}
	candidates, err := provider.Candidates(ctx, req)
	if err != nil {
		return buildcache.Resolution{}, &ResolutionError{Requirement: req.String(), Constraint: constraintSpec, Err: err}
	}

	best, ok := Select(candidates, spec, constraint, opts)
	if !ok {
		return buildcache.Resolution{}, &ResolutionError{
			Requirement: req.String(),
			Constraint:  constraintSpec,
			Considered:  len(candidates),
		}
	}
	logger.Debug("Requirement resolved.", "version", best.Version, "url", best.URL, "candidates", len(candidates))
	return buildcache.Resolution{URL: best.URL, Version: best.Version, Constraint: constraintSpec, PreBuilt: best.PreBuilt}, nil
}

type parsedCandidate struct {
	Candidate
	v semver.Version
}

// Select applies the filters in order (requirement specifier, external
// constraint, pre-release policy, artifact kind and platform) and returns
// the highest surviving version. Ties on version go to the higher build tag
// and then to the lexically smaller URL.
func Select(candidates []Candidate, spec, constraint semver.Constraint, opts Options) (Candidate, bool) {
	allowPre := opts.AllowPrerelease || spec.NamesPrerelease() || constraint.NamesPrerelease()
	if allowPre {
		spec = spec.IncludingPrereleases()
		constraint = constraint.IncludingPrereleases()
	}

	var kept []parsedCandidate
	for _, c := range candidates {
		v, err := semver.ParseVersion(c.Version)
		if err != nil {
			continue
		}
		if !spec.Check(v) {
			continue
		}
		if !constraint.Check(v) {
			continue
		}
		if v.IsPrerelease() && !allowPre {
			continue
		}
		if !kindAcceptable(c, opts) {
			continue
		}
		kept = append(kept, parsedCandidate{Candidate: c, v: v})
	}
	if len(kept) == 0 {
		return Candidate{}, false
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if c := semver.Compare(kept[i].v, kept[j].v); c != 0 {
			return c > 0
		}
		if kept[i].PreBuilt != kept[j].PreBuilt {
			// both kinds survive only when a binary was asked for
			return kept[i].PreBuilt
		}
		if kept[i].BuildTag != kept[j].BuildTag {
			return compareBuildTags(kept[i].BuildTag, kept[j].BuildTag) > 0
		}
		return kept[i].URL < kept[j].URL
	})
	return kept[0].Candidate, true
}

func kindAcceptable(c Candidate, opts Options) bool {
	if !c.PreBuilt {
		return !opts.WantPreBuilt || opts.SourcesAcceptable
	}
	if !opts.WantPreBuilt {
		return false
	}
	if c.Platform == "" || c.Platform == "any" {
		return true
	}
	return slices.Contains(opts.Platforms, c.Platform)
}

var leadingDigits = regexp.MustCompile(`^(\d+)(.*)$`)

// compareBuildTags orders build tags by their numeric prefix, then by the
// remainder; an empty tag sorts first.
func compareBuildTags(a, b string) int {
	ma, mb := leadingDigits.FindStringSubmatch(a), leadingDigits.FindStringSubmatch(b)
	if ma != nil && mb != nil {
		na, nb := strings.TrimLeft(ma[1], "0"), strings.TrimLeft(mb[1], "0")
		if len(na) != len(nb) {
			return len(na) - len(nb)
		}
		if c := strings.Compare(na, nb); c != 0 {
			return c
		}
		return strings.Compare(ma[2], mb[2])
	}
	return strings.Compare(a, b)
}

var archiveExt = regexp.MustCompile(`\.(tar\.gz|tgz|tar\.bz2|tar\.xz|zip|whl)$`)

// versionFromURL guesses the version of a direct URL requirement from its
// file name ("name-1.2.3.tar.gz").
func versionFromURL(name, rawURL string) string {
	base := archiveExt.ReplaceAllString(path.Base(rawURL), "")
	canon := requirement.CanonicalName(name)
	for i := strings.Index(base, "-"); i >= 0; i = nextDash(base, i) {
		if requirement.CanonicalName(base[:i]) == canon {
			rest := base[i+1:]
			if j := strings.Index(rest, "-"); j >= 0 {
				rest = rest[:j]
			}
			if _, err := semver.ParseVersion(rest); err == nil {
				return rest
			}
		}
	}
	return "0.0.0+direct"
}

func nextDash(s string, i int) int {
	j := strings.Index(s[i+1:], "-")
	if j < 0 {
		return -1
	}
	return i + 1 + j
}

// ResolutionError means no candidate satisfied a requirement.
type ResolutionError struct {
	Requirement string
	Constraint  string
	Considered  int
	Err         error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve %q", e.Requirement)
	if e.Constraint != "" {
		msg += fmt.Sprintf(" under constraint %q", e.Constraint)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: none of %d candidates matched", msg, e.Considered)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
