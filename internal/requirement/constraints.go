package requirement

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/semver"
)

// Constraints holds the externally imposed version limits, at most one
// combined constraint per canonical package name.
type Constraints struct {
	byName map[string]string
}

func NewConstraints() *Constraints {
	return &Constraints{byName: make(map[string]string)}
}

// Add records spec for name. A second spec for the same package is
// intersected with the first.
func (c *Constraints) Add(name, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if strings.Contains(spec, "||") {
		return fmt.Errorf("constraints: %s: alternatives are not supported in constraints", name)
	}
	if _, err := semver.ParseConstraint(spec); err != nil {
		return fmt.Errorf("constraints: %s: %w", name, err)
	}
	key := CanonicalName(name)
	if prev, ok := c.byName[key]; ok {
		spec = prev + ", " + spec
	}
	c.byName[key] = spec
	return nil
}

// AddRequirement records the specifier of req.
func (c *Constraints) AddRequirement(req Requirement) error {
	if req.URL != "" {
		return fmt.Errorf("constraints: %s: URL requirements cannot be used as constraints", req.Name)
	}
	return c.Add(req.Name, req.Specifier)
}

// For returns the constraint applying to name, or "" when there is none.
// A nil receiver has no constraints.
func (c *Constraints) For(name string) string {
	if c == nil {
		return ""
	}
	return c.byName[CanonicalName(name)]
}

// Names returns the constrained package names in sorted order.
func (c *Constraints) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadConstraints parses a constraints file with one requirement per line.
func LoadConstraints(rd io.Reader) (*Constraints, error) {
	reqs, err := ParseList(rd)
	if err != nil {
		return nil, err
	}
	c := NewConstraints()
	for _, r := range reqs {
		if err := c.AddRequirement(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}
