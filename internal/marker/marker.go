// Package marker parses and evaluates environment markers such as
// `python_version >= "3.8" and sys_platform == "linux"`.
package marker

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/vk/bootstrapgo/internal/semver"
)

// Environment maps marker variable names to their values.
type Environment map[string]string

// versionVars are compared as versions when both sides parse.
var versionVars = map[string]bool{
	"python_version":         true,
	"python_full_version":    true,
	"implementation_version": true,
}

var knownVars = map[string]bool{
	"os_name":                        true,
	"sys_platform":                   true,
	"platform_machine":               true,
	"platform_python_implementation": true,
	"platform_release":               true,
	"platform_system":                true,
	"platform_version":               true,
	"python_version":                 true,
	"python_full_version":            true,
	"implementation_name":            true,
	"implementation_version":         true,
	"extra":                          true,
}

// DefaultEnvironment describes the host the process runs on. Interpreter
// values are left for configuration to supply.
func DefaultEnvironment() Environment {
	env := Environment{
		"implementation_name":            "cpython",
		"platform_python_implementation": "CPython",
		"python_version":                 "3.12",
		"python_full_version":            "3.12.0",
		"implementation_version":         "3.12.0",
	}
	switch runtime.GOOS {
	case "windows":
		env["os_name"], env["sys_platform"], env["platform_system"] = "nt", "win32", "Windows"
	case "darwin":
		env["os_name"], env["sys_platform"], env["platform_system"] = "posix", "darwin", "Darwin"
	default:
		env["os_name"], env["sys_platform"], env["platform_system"] = "posix", runtime.GOOS, strings.ToUpper(runtime.GOOS[:1])+runtime.GOOS[1:]
	}
	switch runtime.GOARCH {
	case "amd64":
		env["platform_machine"] = "x86_64"
	case "arm64":
		env["platform_machine"] = "aarch64"
	case "386":
		env["platform_machine"] = "i686"
	default:
		env["platform_machine"] = runtime.GOARCH
	}
	return env
}

// Merge returns a copy of e overlaid with other.
func (e Environment) Merge(other map[string]string) Environment {
	out := make(Environment, len(e)+len(other))
	for k, v := range e {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Expr is a parsed marker expression.
type Expr interface {
	Eval(env Environment) (bool, error)
	String() string
}

type andExpr struct{ left, right Expr }
type orExpr struct{ left, right Expr }
type cmpExpr struct {
	left, op, right string
	leftVar         bool
	rightVar        bool
}

func (e andExpr) Eval(env Environment) (bool, error) {
	l, err := e.left.Eval(env)
	if err != nil || !l {
		return false, err
	}
	return e.right.Eval(env)
}

func (e andExpr) String() string { return "(" + e.left.String() + " and " + e.right.String() + ")" }

func (e orExpr) Eval(env Environment) (bool, error) {
	l, err := e.left.Eval(env)
	if err != nil || l {
		return l, err
	}
	return e.right.Eval(env)
}

func (e orExpr) String() string { return "(" + e.left.String() + " or " + e.right.String() + ")" }

func (e cmpExpr) String() string {
	side := func(s string, isVar bool) string {
		if isVar {
			return s
		}
		return `"` + s + `"`
	}
	return side(e.left, e.leftVar) + " " + e.op + " " + side(e.right, e.rightVar)
}

func (e cmpExpr) Eval(env Environment) (bool, error) {
	resolve := func(s string, isVar bool) string {
		if !isVar {
			return s
		}
		return env[s]
	}
	l, r := resolve(e.left, e.leftVar), resolve(e.right, e.rightVar)
	name := e.left
	if !e.leftVar {
		name = e.right
	}

	if name == "extra" {
		l, r = normalizeExtra(l), normalizeExtra(r)
	}

	switch e.op {
	case "in":
		return strings.Contains(r, l), nil
	case "not in":
		return !strings.Contains(r, l), nil
	}

	if versionVars[name] {
		if ok, handled := compareVersions(l, e.op, r); handled {
			return ok, nil
		}
	}

	switch e.op {
	case "==", "===":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("marker: operator %q is not defined for %q and %q", e.op, l, r)
}

func normalizeExtra(s string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(s))
}

// compareVersions evaluates "l op r" when r reads as a specifier for l.
func compareVersions(l, op, r string) (bool, bool) {
	v, err := semver.ParseVersion(l)
	if err != nil {
		return false, false
	}
	c, err := semver.ParseConstraint(op + r)
	if err != nil {
		return false, false
	}
	if v.IsPrerelease() {
		c = c.IncludingPrereleases()
	}
	return c.Check(v), true
}

// Parse parses a marker string.
func Parse(s string) (Expr, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("marker: unexpected %q in %q", p.toks[p.pos].val, s)
	}
	return e, nil
}

// Evaluate parses and evaluates s against env. An empty marker is true.
func Evaluate(s string, env Environment) (bool, error) {
	if strings.TrimSpace(s) == "" {
		return true, nil
	}
	e, err := Parse(s)
	if err != nil {
		return false, err
	}
	return e.Eval(env)
}
