// Package semver parses and orders package versions. PEP 440 versions
// ("2.0rc1", "1.0.post2", "1.2.3.4") are compared by their own rules, and
// github.com/Masterminds/semver/v3 covers plain semantic versions and the
// npm style ranges ("^1.2", "~1.4", "1.x", "1.2 - 1.4").
package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a parsed package version. String returns the spelling it was
// parsed from.
type Version struct {
	raw string
	pep *pepVersion
	v   *mm.Version
}

// ParseVersion parses raw, accepting both PEP 440 and semantic versions.
func ParseVersion(raw string) (Version, error) {
	if p := parsePEP(raw); p != nil {
		out := Version{raw: raw, pep: p}
		if v, err := mm.NewVersion(p.semverString()); err == nil {
			out.v = v
		}
		return out, nil
	}
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{raw: raw, v: v}, nil
}

func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string { return v.raw }

func (v Version) valid() bool { return v.pep != nil || v.v != nil }

// IsPrerelease reports whether v carries a pre-release or dev label.
func (v Version) IsPrerelease() bool {
	if v.pep != nil {
		return v.pep.isPre()
	}
	return v.v != nil && v.v.Prerelease() != ""
}

// Compare compares a and b, returning:
// -1 if a < b
//
//	0 if a == b
//	1 if a > b
func Compare(a, b Version) int {
	switch {
	case !a.valid() && !b.valid():
		return 0
	case !a.valid():
		return -1
	case !b.valid():
		return 1
	case a.pep != nil && b.pep != nil:
		return comparePEP(a.pep, b.pep)
	case a.v != nil && b.v != nil:
		return a.v.Compare(b.v)
	case a.pep != nil:
		return 1
	}
	return -1
}

func Satisfies(v Version, c Constraint) bool {
	return c.Check(v)
}

// MaxSatisfying returns the highest version in candidates that satisfies c.
//
// If multiple versions are equal, the first encountered wins.
func MaxSatisfying(c Constraint, candidates []Version) (Version, bool) {
	var best Version
	found := false
	for _, candidate := range candidates {
		if !Satisfies(candidate, c) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}
