// Package requirement models package requirements ("name[extras] spec @ url
// ; marker") and per-package version constraints.
package requirement

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/semver"
)

// Requirement is an immutable request for a package.
type Requirement struct {
	Name      string
	Extras    []string
	Specifier string
	URL       string
	Marker    string
}

var (
	nameRe  = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*`)
	extraRe = regexp.MustCompile(`^\[([^\]]*)\]\s*`)
	canonRe = regexp.MustCompile(`[-_.]+`)

	urlMarkerRe = regexp.MustCompile(`\s;`)
)

// Parse parses a single requirement string.
func Parse(raw string) (Requirement, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Requirement{}, fmt.Errorf("requirement: empty requirement")
	}

	var req Requirement
	m := nameRe.FindStringSubmatch(s)
	if m == nil {
		return Requirement{}, fmt.Errorf("requirement: invalid package name in %q", raw)
	}
	req.Name = m[1]
	s = s[len(m[0]):]

	if m := extraRe.FindStringSubmatch(s); m != nil {
		for _, e := range strings.Split(m[1], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, CanonicalName(e))
			}
		}
		sort.Strings(req.Extras)
		s = s[len(m[0]):]
	}

	if strings.HasPrefix(s, "@") {
		// A URL may itself contain ";", so only one preceded by
		// whitespace starts the marker.
		s = strings.TrimSpace(s[1:])
		if loc := urlMarkerRe.FindStringIndex(s); loc != nil {
			req.Marker = strings.TrimSpace(s[loc[1]:])
			s = strings.TrimSpace(s[:loc[0]])
		}
		req.URL = s
		if req.URL == "" {
			return Requirement{}, fmt.Errorf("requirement: empty URL in %q", raw)
		}
		return req, nil
	}
	if i := strings.Index(s, ";"); i >= 0 {
		req.Marker = strings.TrimSpace(s[i+1:])
		s = s[:i]
	}

	spec := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "("), ")"))
	if spec != "" {
		if _, err := semver.ParseConstraint(spec); err != nil {
			return Requirement{}, fmt.Errorf("requirement: invalid specifier in %q: %w", raw, err)
		}
	}
	req.Specifier = spec
	return req, nil
}

func MustParse(raw string) Requirement {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}

// CanonicalName lower-cases name and folds runs of "-", "_" and "." into a
// single "-".
func CanonicalName(name string) string {
	return canonRe.ReplaceAllString(strings.ToLower(name), "-")
}

func (r Requirement) CanonicalName() string { return CanonicalName(r.Name) }

// Constraint parses the requirement's specifier. An empty specifier accepts
// every version.
func (r Requirement) Constraint() (semver.Constraint, error) {
	return semver.ParseConstraint(r.Specifier)
}

// String renders r canonically. Equal requirements render equally, so the
// result is usable as a cache key.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.CanonicalName())
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	} else if r.Specifier != "" {
		b.WriteString(strings.Join(strings.Fields(r.Specifier), " "))
	}
	if r.Marker != "" {
		if r.URL != "" {
			b.WriteString(" ")
		}
		b.WriteString("; " + r.Marker)
	}
	return b.String()
}

// ParseList reads one requirement per line. Blank lines, "#" comments and
// pip options ("-r", "--index-url") are skipped.
func ParseList(rd io.Reader) ([]Requirement, error) {
	var out []Requirement
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.Index(text, " #"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "-") {
			continue
		}
		req, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
