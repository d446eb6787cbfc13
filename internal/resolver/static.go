package resolver

import (
	"context"
	"fmt"

	"github.com/vk/bootstrapgo/internal/requirement"
)

// StaticProvider serves a fixed release list per package, typically
// declared in settings files.
type StaticProvider struct {
	releases map[string][]Candidate
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{releases: make(map[string][]Candidate)}
}

// Add registers candidates for name.
func (p *StaticProvider) Add(name string, candidates ...Candidate) {
	key := requirement.CanonicalName(name)
	p.releases[key] = append(p.releases[key], candidates...)
}

// Has reports whether any release is registered for name.
func (p *StaticProvider) Has(name string) bool {
	return len(p.releases[requirement.CanonicalName(name)]) > 0
}

func (p *StaticProvider) Candidates(_ context.Context, req requirement.Requirement) ([]Candidate, error) {
	c, ok := p.releases[req.CanonicalName()]
	if !ok {
		return nil, fmt.Errorf("no releases declared for %s", req.Name)
	}
	return append([]Candidate(nil), c...), nil
}
