package semver

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var pep440 = regexp.MustCompile(`^v?(?:(?P<epoch>\d+)!)?(?P<release>\d+(?:\.\d+)*)` +
	`(?:[-_.]?(?P<prel>a|b|c|rc|alpha|beta|pre|preview)[-_.]?(?P<pren>\d+)?)?` +
	`(?:-(?P<postimplicit>\d+)|[-_.]?(?P<postl>post|rev|r)[-_.]?(?P<postn>\d+)?)?` +
	`(?:[-_.]?(?P<devl>dev)[-_.]?(?P<devn>\d+)?)?` +
	`(?:\+(?P<local>[a-z0-9]+(?:[-_.][a-z0-9]+)*))?$`)

var preRank = map[string]int{
	"a": 0, "alpha": 0,
	"b": 1, "beta": 1,
	"c": 2, "rc": 2, "pre": 2, "preview": 2,
}

var preLabels = [...]string{"a", "b", "rc"}

// pepVersion is a version in PEP 440 form. Absent post and dev parts are -1
// and an absent pre-release has preLabel -1.
type pepVersion struct {
	epoch    int
	release  []int
	preLabel int
	preNum   int
	post     int
	dev      int
	local    []string
}

func parsePEP(raw string) *pepVersion {
	m := pep440.FindStringSubmatch(strings.ToLower(strings.TrimSpace(raw)))
	if m == nil {
		return nil
	}
	group := func(name string) string { return m[pep440.SubexpIndex(name)] }
	num := func(s string) int {
		if s == "" {
			return 0
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return math.MaxInt32
		}
		return n
	}

	p := &pepVersion{epoch: num(group("epoch")), preLabel: -1, post: -1, dev: -1}
	for _, seg := range strings.Split(group("release"), ".") {
		p.release = append(p.release, num(seg))
	}
	if l := group("prel"); l != "" {
		p.preLabel, p.preNum = preRank[l], num(group("pren"))
	}
	switch {
	case group("postimplicit") != "":
		p.post = num(group("postimplicit"))
	case group("postl") != "":
		p.post = num(group("postn"))
	}
	if group("devl") != "" {
		p.dev = num(group("devn"))
	}
	if l := group("local"); l != "" {
		p.local = strings.FieldsFunc(l, func(r rune) bool { return r == '-' || r == '_' || r == '.' })
	}
	return p
}

func (p *pepVersion) isPre() bool  { return p.preLabel >= 0 || p.dev >= 0 }
func (p *pepVersion) isPost() bool { return p.post >= 0 }

// public drops the local label.
func (p *pepVersion) public() *pepVersion {
	c := *p
	c.local = nil
	return &c
}

// base keeps only the epoch and release segments.
func (p *pepVersion) base() *pepVersion {
	return &pepVersion{epoch: p.epoch, release: p.release, preLabel: -1, post: -1, dev: -1}
}

// semverString renders p for Masterminds. Only the first three release
// segments and the pre-release survive, so it is used for semver style
// clauses and never for ordering.
func (p *pepVersion) semverString() string {
	segs := make([]string, 3)
	for i := range segs {
		n := 0
		if i < len(p.release) {
			n = p.release[i]
		}
		segs[i] = strconv.Itoa(n)
	}
	s := strings.Join(segs, ".")
	var pre []string
	if p.preLabel >= 0 {
		pre = append(pre, preLabels[p.preLabel], strconv.Itoa(p.preNum))
	}
	if p.dev >= 0 {
		if len(pre) == 0 {
			// dev releases sort before alpha releases of the same version
			pre = append(pre, "0")
		}
		pre = append(pre, "dev", strconv.Itoa(p.dev))
	}
	if len(pre) > 0 {
		s += "-" + strings.Join(pre, ".")
	}
	return s
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpRelease(a, b []int) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := cmpInt(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// preKey orders the pre-release slot: a lone dev release sorts before any
// alpha, and a final release after every pre-release.
func (p *pepVersion) preKey() (int, int) {
	switch {
	case p.preLabel < 0 && p.post < 0 && p.dev >= 0:
		return -1, 0
	case p.preLabel < 0:
		return len(preLabels), 0
	}
	return p.preLabel, p.preNum
}

func cmpLocal(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		an, aerr := strconv.Atoi(a[i])
		bn, berr := strconv.Atoi(b[i])
		switch {
		case aerr == nil && berr == nil:
			if c := cmpInt(an, bn); c != 0 {
				return c
			}
		case aerr == nil:
			return 1
		case berr == nil:
			return -1
		default:
			if c := strings.Compare(a[i], b[i]); c != 0 {
				return c
			}
		}
	}
	return cmpInt(len(a), len(b))
}

func comparePEP(a, b *pepVersion) int {
	if c := cmpInt(a.epoch, b.epoch); c != 0 {
		return c
	}
	if c := cmpRelease(a.release, b.release); c != 0 {
		return c
	}
	al, an := a.preKey()
	bl, bn := b.preKey()
	if c := cmpInt(al, bl); c != 0 {
		return c
	}
	if c := cmpInt(an, bn); c != 0 {
		return c
	}
	if c := cmpInt(a.post, b.post); c != 0 {
		return c
	}
	ad, bd := a.dev, b.dev
	if ad < 0 {
		ad = math.MaxInt
	}
	if bd < 0 {
		bd = math.MaxInt
	}
	if c := cmpInt(ad, bd); c != 0 {
		return c
	}
	return cmpLocal(a.local, b.local)
}
