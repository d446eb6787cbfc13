package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vk/bootstrapgo/internal/buildcache"
	"github.com/vk/bootstrapgo/internal/buildstep"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/metrics"
)

// StepsLookup returns the build-step collaborators for a package.
type StepsLookup interface {
	StepsFor(name string) (buildstep.Steps, error)
}

// NodeBuilder performs the per-package work shared by discovery and the
// parallel scheduler: cache lookups, acquisition, preparation and builds.
// It remembers the artifact produced for every node so later builds can
// assemble their build environments. It is safe for concurrent use.
type NodeBuilder struct {
	graph   *dag.Graph
	steps   StepsLookup
	cache   buildcache.ArtifactCache
	variant string

	mu        sync.Mutex
	artifacts map[dag.Key]string
}

// NewNodeBuilder creates a NodeBuilder. cache may be nil.
func NewNodeBuilder(g *dag.Graph, steps StepsLookup, cache buildcache.ArtifactCache, variant string) *NodeBuilder {
	return &NodeBuilder{
		graph:     g,
		steps:     steps,
		cache:     cache,
		variant:   variant,
		artifacts: make(map[dag.Key]string),
	}
}

// Artifact returns the artifact recorded for key.
func (b *NodeBuilder) Artifact(key dag.Key) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.artifacts[key]
	return p, ok
}

func (b *NodeBuilder) record(key dag.Key, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[key] = path
}

func (b *NodeBuilder) cacheKey(n dag.Node) buildcache.ArtifactKey {
	return buildcache.NewArtifactKey(n.Name, n.Version, b.variant)
}

// fetchCached copies a cached artifact for n into dir. Cache failures are
// logged and reported as a miss.
func (b *NodeBuilder) fetchCached(ctx context.Context, n dag.Node, dir string) (string, bool) {
	if b.cache == nil {
		return "", false
	}
	logger := ctxlog.FromContext(ctx)
	key := b.cacheKey(n)
	ok, err := b.cache.Has(ctx, key)
	if err != nil {
		logger.Warn("Artifact cache lookup failed, rebuilding.", "key", key.String(), "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	path, err := b.cache.Fetch(ctx, key, dir)
	if err != nil {
		if !errors.Is(err, buildcache.ErrNotFound) {
			logger.Warn("Artifact cache fetch failed, rebuilding.", "key", key.String(), "error", err)
		}
		return "", false
	}
	b.record(n.Key(), path)
	return path, true
}

// acquirePreBuilt downloads a pre-built artifact for n into dir.
func (b *NodeBuilder) acquirePreBuilt(ctx context.Context, steps buildstep.Steps, n dag.Node, dir string) (string, error) {
	path, err := steps.Acquirer.Acquire(ctx, n.Name, n.Version, n.DownloadURL, dir)
	if err != nil {
		return "", asAcquisitionError(n, err)
	}
	b.record(n.Key(), path)
	return path, nil
}

// prepareSource acquires and prepares the source tree for n under dir.
func (b *NodeBuilder) prepareSource(ctx context.Context, steps buildstep.Steps, n dag.Node, dir string) (string, error) {
	root, err := steps.Acquirer.Acquire(ctx, n.Name, n.Version, n.DownloadURL, filepath.Join(dir, "source"))
	if err != nil {
		return "", asAcquisitionError(n, err)
	}
	prepared, err := steps.Preparer.Prepare(ctx, n.Name, n.Version, root)
	if err != nil {
		var prepErr *buildstep.PreparationError
		if errors.As(err, &prepErr) {
			return "", err
		}
		return "", &buildstep.PreparationError{Name: n.Name, Version: n.Version, Err: err}
	}
	return prepared, nil
}

func (b *NodeBuilder) buildSdist(ctx context.Context, steps buildstep.Steps, n dag.Node, prepared, dir string) (string, error) {
	sdist, err := steps.Builder.BuildSourceDistribution(ctx, prepared, filepath.Join(dir, "sdist"))
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		return "", asBuildFailure(n, buildstep.StageSdist, err)
	}
	return sdist, nil
}

// buildArtifact builds n from its sdist in an isolated environment and
// stores the result in the artifact cache.
func (b *NodeBuilder) buildArtifact(ctx context.Context, steps buildstep.Steps, n dag.Node, sdist, dir string) (string, error) {
	logger := ctxlog.FromContext(ctx)
	env, err := b.BuildEnv(n.Key(), filepath.Join(dir, "env"))
	if err != nil {
		return "", err
	}
	env.OutDir = filepath.Join(dir, "dist")

	start := time.Now()
	artifact, err := steps.Builder.BuildArtifact(ctx, sdist, env)
	metrics.BuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		return "", asBuildFailure(n, buildstep.StageArtifact, err)
	}
	metrics.BuildsTotal.WithLabelValues("succeeded").Inc()
	b.record(n.Key(), artifact)

	if b.cache != nil {
		if err := b.cache.Store(ctx, b.cacheKey(n), artifact); err != nil {
			logger.Warn("Failed to store artifact in cache.", "package", n.Name, "version", n.Version, "error", err)
		}
	}
	logger.Info("📦 Built artifact.", "package", n.Name, "version", n.Version, "artifact", filepath.Base(artifact), "duration", time.Since(start).Round(time.Millisecond))
	return artifact, nil
}

// ErrMissingArtifact is returned by BuildEnv when a package the build
// needs installed has not been built or fetched yet.
var ErrMissingArtifact = errors.New("build requirement has no artifact")

// BuildEnv assembles the build environment of key: the artifacts of its
// build-time requirements and of everything those need at install time.
// Every one of them must already have an artifact.
func (b *NodeBuilder) BuildEnv(key dag.Key, dir string) (buildstep.BuildEnv, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return buildstep.BuildEnv{}, fmt.Errorf("creating build env directory: %w", err)
	}
	env := buildstep.BuildEnv{Dir: dir, Variant: b.variant}

	for _, k := range b.graph.BuildClosure(key) {
		n, ok := b.graph.Node(k)
		if !ok {
			continue
		}
		path, ok := b.Artifact(k)
		if !ok {
			return buildstep.BuildEnv{}, fmt.Errorf("building %s: %w: %s", key, ErrMissingArtifact, k)
		}
		env.Packages = append(env.Packages, buildstep.Package{Name: n.Name, Version: n.Version, ArtifactPath: path})
	}
	sort.Slice(env.Packages, func(i, j int) bool { return env.Packages[i].Name < env.Packages[j].Name })
	return env, nil
}

// BuildNode builds one already-discovered node into workDir. It is the
// unit of work of the parallel scheduler.
func (b *NodeBuilder) BuildNode(ctx context.Context, key dag.Key, workDir string) error {
	n, ok := b.graph.Node(key)
	if !ok {
		return fmt.Errorf("node %s: %w", key, dag.ErrMissingNode)
	}
	name, version := key.Split()
	ctx = ctxlog.WithPackage(ctx, name, version)
	dir := filepath.Join(workDir, n.Name+"-"+n.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}

	if _, ok := b.fetchCached(ctx, n, dir); ok {
		ctxlog.FromContext(ctx).Info("Artifact cache hit.")
		return nil
	}
	steps, err := b.steps.StepsFor(n.Name)
	if err != nil {
		return err
	}
	if n.PreBuilt {
		_, err := b.acquirePreBuilt(ctx, steps, n, dir)
		return err
	}
	prepared, err := b.prepareSource(ctx, steps, n, dir)
	if err != nil {
		return err
	}
	sdist, err := b.buildSdist(ctx, steps, n, prepared, dir)
	if err != nil {
		return err
	}
	_, err = b.buildArtifact(ctx, steps, n, sdist, dir)
	return err
}

func asAcquisitionError(n dag.Node, err error) error {
	var acqErr *buildstep.AcquisitionError
	if errors.As(err, &acqErr) {
		return err
	}
	return &buildstep.AcquisitionError{Name: n.Name, Version: n.Version, URL: n.DownloadURL, Err: err}
}

func asBuildFailure(n dag.Node, stage string, err error) error {
	var failure *buildstep.BuildFailure
	if errors.As(err, &failure) {
		if failure.Name == "" {
			failure.Name, failure.Version = n.Name, n.Version
		}
		return err
	}
	return &buildstep.BuildFailure{Name: n.Name, Version: n.Version, Stage: stage, Err: err}
}
