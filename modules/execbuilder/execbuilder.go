// Package execbuilder builds source distributions and artifacts by running
// configured commands.
package execbuilder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/bootstrapgo/internal/buildstep"
	"github.com/vk/bootstrapgo/internal/config"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/registry"
)

// DefaultName is the builder used when a package names none.
const DefaultName = "default"

// Environment variables set for artifact commands.
const (
	EnvArtifacts = "BOOTSTRAP_ARTIFACTS"
	EnvVariant   = "BOOTSTRAP_VARIANT"
	EnvDir       = "BOOTSTRAP_ENV_DIR"
)

// outputTail bounds the command output kept in a BuildFailure.
const outputTail = 4096

// Default builds wheels with pip, resolving build requirements only from
// the build environment.
func Default() *config.Builder {
	return &config.Builder{
		Name:     DefaultName,
		Artifact: []string{"python3", "-m", "pip", "wheel", "--no-deps", "--no-index", "--find-links", "{env}", "--wheel-dir", "{out}", "{sdist}"},
	}
}

// Builder implements buildstep.ArtifactBuilder.
type Builder struct {
	cfg *config.Builder
}

// New creates a builder. A builder without an sdist command packs the
// prepared tree itself.
func New(cfg *config.Builder) *Builder {
	return &Builder{cfg: cfg}
}

// BuildSourceDistribution implements buildstep.ArtifactBuilder.
func (b *Builder) BuildSourceDistribution(ctx context.Context, root, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &buildstep.BuildFailure{Stage: buildstep.StageSdist, Err: err}
	}
	if len(b.cfg.Sdist) == 0 {
		sdist, err := packTree(root, outDir)
		if err != nil {
			return "", &buildstep.BuildFailure{Stage: buildstep.StageSdist, Err: err}
		}
		return sdist, nil
	}
	vars := map[string]string{"{src}": root, "{out}": outDir}
	if err := b.run(ctx, buildstep.StageSdist, b.cfg.Sdist, vars, root, nil); err != nil {
		return "", err
	}
	return produced(buildstep.StageSdist, outDir)
}

// BuildArtifact implements buildstep.ArtifactBuilder. The artifacts of the
// build environment are copied into env.Dir before the command runs.
func (b *Builder) BuildArtifact(ctx context.Context, sdist string, env buildstep.BuildEnv) (string, error) {
	if err := os.MkdirAll(env.OutDir, 0o755); err != nil {
		return "", &buildstep.BuildFailure{Stage: buildstep.StageArtifact, Err: err}
	}
	installed := make([]string, 0, len(env.Packages))
	for _, p := range env.Packages {
		dest := filepath.Join(env.Dir, filepath.Base(p.ArtifactPath))
		if err := linkOrCopy(p.ArtifactPath, dest); err != nil {
			return "", &buildstep.BuildFailure{Stage: buildstep.StageArtifact, Err: fmt.Errorf("installing %s into build env: %w", p.Name, err)}
		}
		installed = append(installed, dest)
	}
	extraEnv := []string{
		EnvArtifacts + "=" + strings.Join(installed, string(os.PathListSeparator)),
		EnvVariant + "=" + env.Variant,
		EnvDir + "=" + env.Dir,
	}
	vars := map[string]string{"{sdist}": sdist, "{out}": env.OutDir, "{env}": env.Dir, "{src}": filepath.Dir(sdist)}
	if err := b.run(ctx, buildstep.StageArtifact, b.cfg.Artifact, vars, env.Dir, extraEnv); err != nil {
		return "", err
	}
	return produced(buildstep.StageArtifact, env.OutDir)
}

func (b *Builder) run(ctx context.Context, stage string, argv []string, vars map[string]string, dir string, extraEnv []string) error {
	logger := ctxlog.FromContext(ctx).With("builder", b.cfg.Name, "stage", stage)
	args := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	keys := make([]string, 0, len(b.cfg.Env))
	for k := range b.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+b.cfg.Env[k])
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug("Running build command.", "command", strings.Join(args, " "), "dir", dir)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return &buildstep.BuildFailure{Stage: stage, Output: tail(out.String()), Err: err}
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return "..." + s[len(s)-outputTail:]
}

// produced returns the newest regular file in dir.
func produced(stage, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", &buildstep.BuildFailure{Stage: stage, Err: err}
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = filepath.Join(dir, e.Name()), mod
		}
	}
	if newest == "" {
		return "", &buildstep.BuildFailure{Stage: stage, Err: fmt.Errorf("command produced no file in %s", dir)}
	}
	return newest, nil
}

func linkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil || os.IsExist(err) {
		return nil
	}
	in, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, in, 0o644)
}

// Module registers one builder per configuration.
type Module struct {
	Builders map[string]*config.Builder
}

// Register implements registry.Module. The default builder is added unless
// the settings replace it.
func (m *Module) Register(r *registry.Registry) {
	builders := map[string]*config.Builder{DefaultName: Default()}
	for name, b := range m.Builders {
		builders[name] = b
	}
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.RegisterBuilder(name, New(builders[name]))
	}
}
