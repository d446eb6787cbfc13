package pyindex

import (
	"fmt"
	"strings"
)

// Wheel is the information carried by a wheel file name:
// {name}-{version}(-{build})?-{python}-{abi}-{platform}.whl
type Wheel struct {
	Name      string
	Version   string
	BuildTag  string
	Python    string
	ABI       string
	Platforms []string
}

// ParseWheelFilename splits a wheel file name into its tags. Compressed
// platform tags ("a.b") are expanded.
func ParseWheelFilename(filename string) (Wheel, error) {
	base, ok := strings.CutSuffix(filename, ".whl")
	if !ok {
		return Wheel{}, fmt.Errorf("not a wheel: %q", filename)
	}
	parts := strings.Split(base, "-")
	var w Wheel
	switch len(parts) {
	case 5:
		w = Wheel{Name: parts[0], Version: parts[1], Python: parts[2], ABI: parts[3]}
	case 6:
		w = Wheel{Name: parts[0], Version: parts[1], BuildTag: parts[2], Python: parts[3], ABI: parts[4]}
		if w.BuildTag == "" || w.BuildTag[0] < '0' || w.BuildTag[0] > '9' {
			return Wheel{}, fmt.Errorf("wheel %q: build tag must start with a digit", filename)
		}
	default:
		return Wheel{}, fmt.Errorf("wheel %q: expected 5 or 6 dash-separated fields, got %d", filename, len(parts))
	}
	w.Platforms = strings.Split(parts[len(parts)-1], ".")
	return w, nil
}
