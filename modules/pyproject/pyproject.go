// Package pyproject extracts build and install requirements from Python
// source trees and artifacts: pyproject.toml for the build phases and core
// metadata (METADATA, PKG-INFO) for install requirements.
package pyproject

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
	"github.com/vk/bootstrapgo/internal/requirement"
)

// Name is the registry name of the extractor.
const Name = "pyproject"

// DefaultBuildSystem is assumed when a tree declares no build system.
const DefaultBuildSystem = "setuptools>=40.8.0"

type document struct {
	BuildSystem struct {
		Requires *[]string `toml:"requires"`
	} `toml:"build-system"`
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Bootstrap struct {
			BackendRequires []string `toml:"backend-requires"`
			SdistRequires   []string `toml:"sdist-requires"`
		} `toml:"bootstrapgo"`
	} `toml:"tool"`
}

// Extra are requirements declared in settings for a package, added to
// those its own tree declares.
type Extra struct {
	Backend []string
	Sdist   []string
}

// Extractor implements buildstep.Extractor.
type Extractor struct {
	extra map[string]Extra
}

// New creates an extractor. extra is keyed by package name.
func New(extra map[string]Extra) *Extractor {
	e := &Extractor{extra: make(map[string]Extra, len(extra))}
	for name, x := range extra {
		e.extra[requirement.CanonicalName(name)] = x
	}
	return e
}

func load(root string) (document, bool, error) {
	var doc document
	b, err := os.ReadFile(filepath.Join(root, "pyproject.toml"))
	if errors.Is(err, fs.ErrNotExist) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	if err := decode(b, &doc); err != nil {
		return doc, false, err
	}
	return doc, true, nil
}

func decode(b []byte, doc *document) error {
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(doc); err != nil {
		return fmt.Errorf("parsing pyproject.toml: %w", err)
	}
	return nil
}

// projectName finds the package name of a prepared tree.
func projectName(root string, doc document) string {
	if doc.Project.Name != "" {
		return doc.Project.Name
	}
	if f, err := os.Open(filepath.Join(root, "PKG-INFO")); err == nil {
		defer f.Close()
		if md, err := parseMetadata(f); err == nil && md.Name != "" {
			return md.Name
		}
	}
	base := filepath.Base(root)
	if i := strings.LastIndex(base, "-"); i > 0 {
		base = base[:i]
	}
	return base
}

func parseAll(raw []string, what string) ([]requirement.Requirement, error) {
	out := make([]requirement.Requirement, 0, len(raw))
	for _, s := range raw {
		req, err := requirement.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// BuildSystemDeps returns [build-system].requires, or the setuptools
// default when the tree does not declare it.
func (e *Extractor) BuildSystemDeps(ctx context.Context, root string) ([]requirement.Requirement, error) {
	doc, _, err := load(root)
	if err != nil {
		return nil, err
	}
	if doc.BuildSystem.Requires == nil {
		ctxlog.FromContext(ctx).Debug("No build system declared, assuming setuptools.", "root", root)
		return parseAll([]string{DefaultBuildSystem}, "build-system.requires")
	}
	return parseAll(*doc.BuildSystem.Requires, "build-system.requires")
}

// BuildBackendDeps returns [tool.bootstrapgo].backend-requires plus the
// backend requirements configured for the package.
func (e *Extractor) BuildBackendDeps(_ context.Context, root string) ([]requirement.Requirement, error) {
	doc, _, err := load(root)
	if err != nil {
		return nil, err
	}
	extra := e.extra[requirement.CanonicalName(projectName(root, doc))]
	return parseAll(append(doc.Tool.Bootstrap.BackendRequires, extra.Backend...), "backend requirements")
}

// BuildSdistDeps returns [tool.bootstrapgo].sdist-requires plus the sdist
// requirements configured for the package.
func (e *Extractor) BuildSdistDeps(_ context.Context, root string) ([]requirement.Requirement, error) {
	doc, _, err := load(root)
	if err != nil {
		return nil, err
	}
	extra := e.extra[requirement.CanonicalName(projectName(root, doc))]
	return parseAll(append(doc.Tool.Bootstrap.SdistRequires, extra.Sdist...), "sdist requirements")
}

// InstallDeps reads Requires-Dist from a wheel's METADATA, an sdist's
// PKG-INFO or a directory's METADATA or PKG-INFO. Without metadata, the
// [project].dependencies of pyproject.toml are used.
func (e *Extractor) InstallDeps(ctx context.Context, artifact string) ([]requirement.Requirement, error) {
	logger := ctxlog.FromContext(ctx).With("artifact", filepath.Base(artifact))
	info, err := os.Stat(artifact)
	if err != nil {
		return nil, err
	}

	var raw []string
	switch {
	case info.IsDir():
		raw, err = dirRequires(artifact)
	case strings.HasSuffix(artifact, ".whl"):
		var md metadata
		if md, err = readWheelMetadata(artifact); err == nil {
			raw = md.RequiresDist
		}
	case strings.HasSuffix(artifact, ".tar.gz"), strings.HasSuffix(artifact, ".tar.xz"):
		raw, err = sdistRequires(artifact)
	default:
		err = fmt.Errorf("unsupported artifact %s", filepath.Base(artifact))
	}
	if err != nil {
		return nil, fmt.Errorf("reading install requirements of %s: %w", filepath.Base(artifact), err)
	}
	logger.Debug("Install requirements read.", "count", len(raw))
	return parseAll(raw, "Requires-Dist")
}

func dirRequires(dir string) ([]string, error) {
	for _, name := range []string{"METADATA", "PKG-INFO"} {
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		md, err := parseMetadata(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		return md.RequiresDist, nil
	}
	doc, ok, err := load(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoMetadata
	}
	return doc.Project.Dependencies, nil
}

func sdistRequires(archive string) ([]string, error) {
	pkgInfo, pyproject, err := readSdist(archive)
	if err != nil {
		return nil, err
	}
	if pkgInfo != nil {
		md, err := parseMetadata(bytes.NewReader(pkgInfo))
		if err != nil {
			return nil, err
		}
		if len(md.RequiresDist) > 0 || pyproject == nil {
			return md.RequiresDist, nil
		}
	}
	if pyproject == nil {
		return nil, errNoMetadata
	}
	var doc document
	if err := decode(pyproject, &doc); err != nil {
		return nil, err
	}
	return doc.Project.Dependencies, nil
}

// Module registers the extractor.
type Module struct {
	Extra map[string]Extra
}

// Register implements registry.Module.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterExtractor(Name, New(m.Extra))
}
