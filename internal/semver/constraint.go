package semver

import (
	"fmt"
	"regexp"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Constraint is a version constraint: clauses joined by commas or spaces,
// alternatives joined by "||". The zero value and the empty constraint
// accept every version.
//
// Examples:
// - ">=1.2.0 <2.0.0"
// - ">=1.0,<2.0"
// - "~=1.4"
// - "==1.2.*"
// - "^1.2 || 3.x"
type Constraint struct {
	raw        string
	groups     [][]clause
	prerelease bool
	widened    bool
}

type clause interface {
	check(v Version, widened bool) bool
}

var (
	tokenRe  = regexp.MustCompile(`(?:===|==|~=|!=|<=|>=|<|>|=|~|\^)?\s*[^\s,|]+`)
	clauseRe = regexp.MustCompile(`^(===|==|~=|!=|<=|>=|<|>|=|~|\^)?\s*(\S+)$`)
)

func ParseConstraint(raw string) (Constraint, error) {
	raw = strings.TrimSpace(raw)
	out := Constraint{raw: raw}
	if raw == "" || raw == "*" {
		return out, nil
	}
	for _, group := range strings.Split(raw, "||") {
		parts := []string{group}
		if !strings.Contains(group, " - ") {
			parts = tokenRe.FindAllString(group, -1)
		}
		var clauses []clause
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			cl, namesPre, err := parseClause(part)
			if err != nil {
				return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
			}
			out.prerelease = out.prerelease || namesPre
			clauses = append(clauses, cl)
		}
		if len(clauses) > 0 {
			out.groups = append(out.groups, clauses)
		}
	}
	return out, nil
}

func MustParseConstraint(raw string) Constraint {
	c, err := ParseConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClause(part string) (clause, bool, error) {
	m := clauseRe.FindStringSubmatch(part)
	if m == nil {
		// Hyphen ranges and the like are left to Masterminds.
		return newRangeClause(part, part)
	}
	op, ver := m[1], m[2]
	switch op {
	case "~", "^":
		return newRangeClause(part, op+widenBound(ver))
	case "===":
		return &pepClause{op: op, raw: ver}, false, nil
	case "", "=":
		op = "=="
	}

	if op == "==" || op == "!=" {
		if prefix, ok := strings.CutSuffix(ver, ".*"); ok {
			p := parsePEP(prefix)
			if p == nil || p.isPre() || p.isPost() || p.local != nil {
				return nil, false, fmt.Errorf("invalid prefix match %q", part)
			}
			return &pepClause{op: op, ver: p, prefix: true}, false, nil
		}
	}
	p := parsePEP(ver)
	if p == nil {
		if op == "==" && strings.ContainsAny(ver, "xX*") {
			return newRangeClause(ver, ver)
		}
		return newRangeClause(part, op+widenBound(ver))
	}
	if op == "~=" && len(p.release) < 2 {
		return nil, false, fmt.Errorf("~= requires at least two release segments, got %q", ver)
	}
	if p.local != nil && op != "==" && op != "!=" {
		return nil, false, fmt.Errorf("local version label not allowed with %s in %q", op, part)
	}
	return &pepClause{op: op, ver: p}, op != "!=" && p.isPre(), nil
}

// widenBound gives a bound the lowest pre-release of itself, so that a
// widened range also considers pre-releases.
func widenBound(ver string) string {
	if p := parsePEP(ver); p != nil {
		ver = p.semverString()
	}
	if strings.ContainsAny(ver, "-xX*") {
		return ver
	}
	return ver + "-0"
}

func (c Constraint) String() string { return c.raw }

// IsAny reports whether c places no limit on versions.
func (c Constraint) IsAny() bool { return len(c.groups) == 0 }

// NamesPrerelease reports whether any clause of c mentions a pre-release
// version, which opts the requirement into pre-releases.
func (c Constraint) NamesPrerelease() bool { return c.prerelease }

// IncludingPrereleases returns a copy of c that also admits pre-release
// versions.
func (c Constraint) IncludingPrereleases() Constraint {
	c.widened = true
	return c
}

// Check reports whether v satisfies c. Unless c names a pre-release, or was
// widened with IncludingPrereleases, pre-release versions never satisfy a
// non-empty constraint.
func (c Constraint) Check(v Version) bool {
	if !v.valid() {
		return false
	}
	if c.IsAny() {
		return true
	}
	if v.IsPrerelease() && !c.prerelease && !c.widened {
		return false
	}
	for _, group := range c.groups {
		ok := true
		for _, cl := range group {
			if !cl.check(v, c.widened || c.prerelease) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// pepClause is one PEP 440 comparison.
type pepClause struct {
	op     string
	ver    *pepVersion
	raw    string
	prefix bool
}

func (cl *pepClause) check(v Version, _ bool) bool {
	if cl.op == "===" {
		return strings.EqualFold(strings.TrimSpace(v.raw), cl.raw)
	}
	if v.pep == nil {
		return false
	}
	p, spec := v.pep, cl.ver
	switch cl.op {
	case "==":
		return cl.matches(p)
	case "!=":
		return !cl.matches(p)
	case "<=":
		return comparePEP(p.public(), spec) <= 0
	case ">=":
		return comparePEP(p.public(), spec) >= 0
	case "<":
		if comparePEP(p.public(), spec) >= 0 {
			return false
		}
		// "<2.0" does not admit 2.0rc1.
		return spec.isPre() || !p.isPre() || comparePEP(p.base(), spec.base()) != 0
	case ">":
		if comparePEP(p.public(), spec) <= 0 {
			return false
		}
		// ">2.0" admits neither 2.0.post1 nor 2.0+local.
		if comparePEP(p.base(), spec.base()) == 0 {
			return (spec.isPost() || !p.isPost()) && p.local == nil
		}
		return true
	case "~=":
		if comparePEP(p.public(), spec) < 0 {
			return false
		}
		return releasePrefix(p, spec.epoch, spec.release[:len(spec.release)-1])
	}
	return false
}

func (cl *pepClause) matches(p *pepVersion) bool {
	if cl.prefix {
		return releasePrefix(p, cl.ver.epoch, cl.ver.release)
	}
	if cl.ver.local == nil {
		p = p.public()
	}
	return comparePEP(p, cl.ver) == 0
}

func releasePrefix(p *pepVersion, epoch int, prefix []int) bool {
	if p.epoch != epoch {
		return false
	}
	for i, want := range prefix {
		got := 0
		if i < len(p.release) {
			got = p.release[i]
		}
		if got != want {
			return false
		}
	}
	return true
}

// rangeClause is a semver range checked by Masterminds.
type rangeClause struct {
	strict *mm.Constraints
	wide   *mm.Constraints
}

func newRangeClause(strict, wide string) (clause, bool, error) {
	s, err := mm.NewConstraint(strict)
	if err != nil {
		return nil, false, err
	}
	w, err := mm.NewConstraint(wide)
	if err != nil {
		w = s
	}
	return &rangeClause{strict: s, wide: w}, hasPrerelease(strict), nil
}

func hasPrerelease(s string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		f = strings.TrimLeft(f, "<>=!~^")
		if p := parsePEP(f); p != nil && p.isPre() {
			return true
		}
		if v, err := mm.NewVersion(f); err == nil && v.Prerelease() != "" {
			return true
		}
	}
	return false
}

func (cl *rangeClause) check(v Version, widened bool) bool {
	if v.v == nil {
		return false
	}
	if widened {
		return cl.wide.Check(v.v)
	}
	return cl.strict.Check(v.v)
}
