package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/vk/bootstrapgo/internal/buildcache"
	"github.com/vk/bootstrapgo/internal/buildstep"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/marker"
	"github.com/vk/bootstrapgo/internal/metrics"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/semver"
)

// ErrPreviouslyFailed is returned when a requirement resolves to a package
// whose bootstrap already failed in this run.
var ErrPreviouslyFailed = errors.New("package failed earlier in this run")

// PackageSettings are the per-package switches read from the settings file.
type PackageSettings struct {
	PreBuilt        bool
	AllowPrerelease bool
	RebuildSdist    bool
}

// Options control a bootstrap run.
type Options struct {
	// Variant names the build flavour and partitions the artifact cache.
	Variant string
	// DiscoveryOnly stops after the sdist: install requirements are read
	// from it and no artifact is built.
	DiscoveryOnly      bool
	StopOnFirstFailure bool
	WorkDir            string
	Environment        marker.Environment
	Platforms          []string
	AllowPrerelease    bool
	// Package returns the settings of a canonical package name. Nil means
	// defaults for every package.
	Package func(name string) PackageSettings
}

// Config wires an Orchestrator.
type Config struct {
	Graph       *dag.Graph
	Resolver    *resolver.Resolver
	Constraints *requirement.Constraints
	Steps       StepsLookup
	Cache       buildcache.ArtifactCache
	// Previous is the graph of an earlier run. Its nodes are reused
	// without consulting the resolver when they still fit.
	Previous *dag.Graph
	Options  Options
}

// Result summarises a BootstrapAll run.
type Result struct {
	Graph *dag.Graph
	// Versions maps each successful top-level requirement to its version.
	Versions  map[string]string
	Failures  []*ProvenanceError
	Cycles    []dag.Cycle
	Built     int
	CacheHits int
	PreBuilt  int
	Reused    int
}

type phase int

const (
	phaseResolve phase = iota
	phaseSource
	phaseBuildSystem
	phaseBuildBackend
	phaseBuildSdist
	phaseBuild
	phaseInstall
	phaseDone
)

var phaseEdges = map[phase]dag.EdgeType{
	phaseBuildSystem:  dag.BuildSystem,
	phaseBuildBackend: dag.BuildBackend,
	phaseBuildSdist:   dag.BuildSdist,
	phaseInstall:      dag.Install,
}

// frame is one requirement being bootstrapped.
type frame struct {
	req    requirement.Requirement
	edge   dag.EdgeType
	parent dag.Key

	phase    phase
	key      dag.Key
	node     dag.Node
	settings PackageSettings
	steps    buildstep.Steps
	dir      string
	prepared string
	// artifact holds the built or fetched artifact, or the sdist in
	// discovery mode. Install requirements are read from it.
	artifact string

	loaded  bool
	pending []requirement.Requirement
}

func (f *frame) edgeTo() dag.Edge {
	return dag.Edge{Parent: f.parent, Child: f.key, Type: f.edge, Requirement: f.req.String()}
}

// Orchestrator bootstraps requirements from source, one at a time.
// It is not safe for concurrent use.
type Orchestrator struct {
	graph       *dag.Graph
	resolver    *resolver.Resolver
	constraints *requirement.Constraints
	steps       StepsLookup
	builder     *NodeBuilder
	previous    *dag.Graph
	opts        Options

	seen   map[dag.Key]string
	active map[dag.Key]int
	failed map[dag.Key]error
	stack  []*frame
	cycles []dag.Cycle

	built, cacheHits, preBuilt, reused int
}

// New creates an Orchestrator. A nil graph starts an empty one.
func New(cfg Config) *Orchestrator {
	g := cfg.Graph
	if g == nil {
		g = dag.New()
	}
	opts := cfg.Options
	if opts.Variant == "" {
		opts.Variant = buildcache.DefaultVariant
	}
	if opts.Environment == nil {
		opts.Environment = marker.DefaultEnvironment()
	}
	return &Orchestrator{
		graph:       g,
		resolver:    cfg.Resolver,
		constraints: cfg.Constraints,
		steps:       cfg.Steps,
		builder:     NewNodeBuilder(g, cfg.Steps, cfg.Cache, opts.Variant),
		previous:    cfg.Previous,
		opts:        opts,
		seen:        make(map[dag.Key]string),
		active:      make(map[dag.Key]int),
		failed:      make(map[dag.Key]error),
	}
}

// Graph returns the graph being built.
func (o *Orchestrator) Graph() *dag.Graph { return o.graph }

// Builder returns the node builder shared with the parallel scheduler.
func (o *Orchestrator) Builder() *NodeBuilder { return o.builder }

// BootstrapAll bootstraps every top-level requirement. Failures are
// collected and the run moves on to the next requirement unless
// StopOnFirstFailure is set.
func (o *Orchestrator) BootstrapAll(ctx context.Context, reqs []requirement.Requirement) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("🚀 Bootstrap starting.", "requirements", len(reqs), "variant", o.opts.Variant, "discovery_only", o.opts.DiscoveryOnly)

	res := &Result{Graph: o.graph, Versions: make(map[string]string)}
	var errs []error
	for _, req := range reqs {
		ok, err := o.markerApplies(req.Marker, nil)
		if err != nil {
			pe := &ProvenanceError{Chain: []Frame{{EdgeType: dag.TopLevel, Requirement: req.String()}}, Err: err}
			res.Failures = append(res.Failures, pe)
			errs = append(errs, pe)
			if o.opts.StopOnFirstFailure {
				break
			}
			continue
		}
		if !ok {
			logger.Info("Skipping requirement, marker does not match.", "requirement", req.String())
			continue
		}

		version, err := o.Bootstrap(ctx, req, dag.TopLevel)
		if err != nil {
			logger.Error("Failed to bootstrap requirement.", "requirement", req.String(), "error", err)
			var pe *ProvenanceError
			if errors.As(err, &pe) {
				res.Failures = append(res.Failures, pe)
			}
			errs = append(errs, err)
			if o.opts.StopOnFirstFailure || ctx.Err() != nil {
				break
			}
			continue
		}
		res.Versions[req.String()] = version
	}

	res.Cycles = o.cycles
	res.Built, res.CacheHits, res.PreBuilt, res.Reused = o.built, o.cacheHits, o.preBuilt, o.reused
	logger.Info("🏁 Bootstrap finished.",
		"packages", o.graph.Len(),
		"built", res.Built,
		"cache_hits", res.CacheHits,
		"pre_built", res.PreBuilt,
		"failures", len(res.Failures),
	)
	return res, errors.Join(errs...)
}

// Bootstrap resolves req, bootstraps everything it needs and returns the
// chosen version. A failure is returned as a *ProvenanceError.
func (o *Orchestrator) Bootstrap(ctx context.Context, req requirement.Requirement, edge dag.EdgeType) (string, error) {
	base := len(o.stack)
	parent := dag.RootKey
	if base > 0 {
		parent = o.stack[base-1].key
	}
	o.stack = append(o.stack, &frame{req: req, edge: edge, parent: parent})

	var version string
	for len(o.stack) > base {
		if err := ctx.Err(); err != nil {
			return "", o.unwind(base, err)
		}
		f := o.stack[len(o.stack)-1]
		done, err := o.advance(ctx, f)
		if err != nil {
			return "", o.unwind(base, err)
		}
		if done {
			version = f.node.Version
			o.pop()
		}
	}
	return version, nil
}

// advance moves the top frame forward by one step. It reports true once the
// frame is finished and may be popped.
func (o *Orchestrator) advance(ctx context.Context, f *frame) (bool, error) {
	switch f.phase {
	case phaseResolve:
		return o.resolveFrame(ctx, f)

	case phaseSource:
		prepared, err := o.builder.prepareSource(ctx, f.steps, f.node, f.dir)
		if err != nil {
			return false, err
		}
		f.prepared = prepared
		f.phase = phaseBuildSystem
		return false, nil

	case phaseBuildSdist:
		if !f.settings.RebuildSdist {
			f.phase = phaseBuild
			return false, nil
		}
		return false, o.walkDeps(ctx, f)

	case phaseBuildSystem, phaseBuildBackend, phaseInstall:
		return false, o.walkDeps(ctx, f)

	case phaseBuild:
		if err := o.checkClosure(f); err != nil {
			return false, err
		}
		// Builds that have started are not interrupted.
		buildCtx := context.WithoutCancel(ctx)
		sdist, err := o.builder.buildSdist(buildCtx, f.steps, f.node, f.prepared, f.dir)
		if err != nil {
			return false, err
		}
		f.artifact = sdist
		if !o.opts.DiscoveryOnly {
			artifact, err := o.builder.buildArtifact(buildCtx, f.steps, f.node, sdist, f.dir)
			if err != nil {
				return false, err
			}
			f.artifact = artifact
			o.built++
		}
		f.phase = phaseInstall
		return false, nil

	case phaseDone:
		return true, nil
	}
	return false, fmt.Errorf("frame %s in unknown phase %d", f.key, f.phase)
}

// walkDeps pushes the next pending requirement of the frame's current
// phase, loading the list first. When none are left the frame moves on.
func (o *Orchestrator) walkDeps(ctx context.Context, f *frame) error {
	if !f.loaded {
		reqs, err := o.loadDeps(ctx, f)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			ok, err := o.markerApplies(r.Marker, f.req.Extras)
			if err != nil {
				return fmt.Errorf("requirement %s of %s: %w", r.String(), f.key, err)
			}
			if ok {
				f.pending = append(f.pending, r)
			}
		}
		f.loaded = true
	}
	if len(f.pending) > 0 {
		next := f.pending[0]
		f.pending = f.pending[1:]
		o.stack = append(o.stack, &frame{req: next, edge: phaseEdges[f.phase], parent: f.key})
		return nil
	}
	f.loaded = false
	f.phase++
	return nil
}

func (o *Orchestrator) loadDeps(ctx context.Context, f *frame) ([]requirement.Requirement, error) {
	var (
		reqs []requirement.Requirement
		err  error
	)
	ex := f.steps.Extractor
	switch f.phase {
	case phaseBuildSystem:
		reqs, err = ex.BuildSystemDeps(ctx, f.prepared)
	case phaseBuildBackend:
		reqs, err = ex.BuildBackendDeps(ctx, f.prepared)
	case phaseBuildSdist:
		reqs, err = ex.BuildSdistDeps(ctx, f.prepared)
	case phaseInstall:
		reqs, err = ex.InstallDeps(ctx, f.artifact)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s requirements of %s: %w", phaseEdges[f.phase], f.key, err)
	}
	ctxlog.FromContext(ctx).Debug("Discovered requirements.", "package", f.key.String(), "kind", phaseEdges[f.phase], "count", len(reqs))
	return reqs, nil
}

// resolveFrame picks a version for the frame, records it in the graph and
// decides how the package will be obtained.
func (o *Orchestrator) resolveFrame(ctx context.Context, f *frame) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	name := f.req.CanonicalName()
	f.settings = o.settingsFor(name)

	node, err := o.resolveNode(ctx, f)
	if err != nil {
		return false, err
	}
	f.node = node
	f.key = o.graph.AddNode(node)
	if err := o.graph.AddEdge(f.parent, f.key, f.edge, f.req.String()); err != nil {
		return false, err
	}

	if cause, ok := o.failed[f.key]; ok {
		logger.Debug("Package failed earlier.", "package", f.key.String(), "error", cause)
		return false, fmt.Errorf("%w: %s", ErrPreviouslyFailed, f.key)
	}
	if idx, ok := o.active[f.key]; ok {
		return o.closeLoop(ctx, f, idx)
	}
	if _, ok := o.seen[f.key]; ok {
		return true, nil
	}

	o.seen[f.key] = node.Version
	o.active[f.key] = len(o.stack) - 1
	logger.Info("Resolved requirement.", "requirement", f.req.String(), "version", node.Version, "kind", f.edge, "depth", len(o.stack)-1)

	steps, err := o.steps.StepsFor(name)
	if err != nil {
		return false, err
	}
	f.steps = steps
	f.dir = filepath.Join(o.opts.WorkDir, node.Name+"-"+node.Version)

	if node.PreBuilt {
		path, err := o.builder.acquirePreBuilt(ctx, steps, node, f.dir)
		if err != nil {
			return false, err
		}
		f.artifact = path
		f.phase = phaseInstall
		o.preBuilt++
		return false, nil
	}
	if path, ok := o.builder.fetchCached(ctx, node, f.dir); ok {
		logger.Info("Artifact cache hit.", "package", node.Name, "version", node.Version)
		f.artifact = path
		f.phase = phaseInstall
		o.cacheHits++
		return false, nil
	}
	f.phase = phaseSource
	return false, nil
}

// stackEdges returns the edges of the frames above stack index j, up to
// and excluding the top frame.
func (o *Orchestrator) stackEdges(j int) []dag.Edge {
	var edges []dag.Edge
	for i := j + 1; i < len(o.stack)-1; i++ {
		edges = append(edges, o.stack[i].edgeTo())
	}
	return edges
}

// closeLoop handles a requirement that leads back to the package at stack
// index j. The loop is fatal when every edge on it is a build edge, or
// when it closes with a build edge into a package not yet built.
func (o *Orchestrator) closeLoop(ctx context.Context, f *frame, j int) (bool, error) {
	edges := append(o.stackEdges(j), f.edgeTo())

	cycle := dag.NewCycle(edges)
	if f.edge.IsBuild() && o.stack[j].phase < phaseInstall {
		cycle.Kind = dag.BuildTime
	}
	metrics.CyclesTotal.WithLabelValues(string(cycle.Kind)).Inc()
	if cycle.Kind == dag.BuildTime {
		return false, &dag.CycleError{Cycle: cycle}
	}
	ctxlog.FromContext(ctx).Warn("Install-time cycle detected.", "cycle", cycle.String())
	o.cycles = append(o.cycles, cycle)
	return true, nil
}

// checkClosure fails when a package f needs installed to build is still
// waiting on its own build requirements further down the stack.
func (o *Orchestrator) checkClosure(f *frame) error {
	top := len(o.stack) - 1
	for _, k := range o.graph.BuildClosure(f.key) {
		j, ok := o.active[k]
		if !ok || j >= top || o.stack[j].phase >= phaseInstall {
			continue
		}
		edges := append(o.stackEdges(j), f.edgeTo())
		edges = append(edges, o.graph.ClosurePath(f.key, k)...)
		cycle := dag.NewCycle(edges)
		cycle.Kind = dag.BuildTime
		metrics.CyclesTotal.WithLabelValues(string(cycle.Kind)).Inc()
		return &dag.CycleError{Cycle: cycle}
	}
	return nil
}

// resolveNode picks the node for the frame's requirement, preferring a fit
// from the previous run's graph.
func (o *Orchestrator) resolveNode(ctx context.Context, f *frame) (dag.Node, error) {
	name := f.req.CanonicalName()
	if n, ok := o.reuse(f); ok {
		ctxlog.FromContext(ctx).Debug("Reusing version from previous graph.", "package", name, "version", n.Version)
		o.reused++
		return n, nil
	}
	res, err := o.resolver.Resolve(ctx, f.req, o.constraints, resolver.Options{
		AllowPrerelease: o.opts.AllowPrerelease || f.settings.AllowPrerelease,
		WantPreBuilt:    f.settings.PreBuilt,
		Platforms:       o.opts.Platforms,
	})
	if err != nil {
		return dag.Node{}, err
	}
	return dag.Node{
		Name:        name,
		Version:     res.Version,
		DownloadURL: res.URL,
		PreBuilt:    res.PreBuilt,
		Constraint:  res.Constraint,
	}, nil
}

// reuse returns the highest node of the previous graph that still satisfies
// the requirement, the constraint and the package's pre-built setting.
func (o *Orchestrator) reuse(f *frame) (dag.Node, bool) {
	if o.previous == nil || f.req.URL != "" {
		return dag.Node{}, false
	}
	spec, err := f.req.Constraint()
	if err != nil {
		return dag.Node{}, false
	}
	name := f.req.CanonicalName()
	constraint := o.constraints.For(name)
	limit, err := semver.ParseConstraint(constraint)
	if err != nil {
		return dag.Node{}, false
	}
	allowPre := o.opts.AllowPrerelease || f.settings.AllowPrerelease || spec.NamesPrerelease()
	if allowPre {
		spec, limit = spec.IncludingPrereleases(), limit.IncludingPrereleases()
	}

	var (
		best    dag.Node
		bestVer semver.Version
		found   bool
	)
	for _, n := range o.previous.FindByName(name) {
		if n.PreBuilt != f.settings.PreBuilt {
			continue
		}
		v, err := semver.ParseVersion(n.Version)
		if err != nil || (v.IsPrerelease() && !allowPre) {
			continue
		}
		if !spec.Check(v) || !limit.Check(v) {
			continue
		}
		if !found || semver.Compare(v, bestVer) > 0 {
			best, bestVer, found = n, v, true
		}
	}
	if found {
		best.Constraint = constraint
	}
	return best, found
}

func (o *Orchestrator) settingsFor(name string) PackageSettings {
	if o.opts.Package == nil {
		return PackageSettings{}
	}
	return o.opts.Package(name)
}

// markerApplies evaluates a marker against the environment, once per
// requested extra.
func (o *Orchestrator) markerApplies(m string, extras []string) (bool, error) {
	if m == "" {
		return true, nil
	}
	if len(extras) == 0 {
		return marker.Evaluate(m, o.opts.Environment.Merge(map[string]string{"extra": ""}))
	}
	for _, extra := range extras {
		ok, err := marker.Evaluate(m, o.opts.Environment.Merge(map[string]string{"extra": extra}))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (o *Orchestrator) pop() {
	top := len(o.stack) - 1
	f := o.stack[top]
	if idx, ok := o.active[f.key]; ok && idx == top {
		delete(o.active, f.key)
	}
	o.stack = o.stack[:top]
}

// unwind discards the frames above base, marks their packages failed and
// wraps err with the chain that led to it.
func (o *Orchestrator) unwind(base int, err error) error {
	chain := make([]Frame, 0, len(o.stack))
	for _, f := range o.stack {
		chain = append(chain, Frame{EdgeType: f.edge, Requirement: f.req.String(), Version: f.node.Version})
	}
	for i := len(o.stack) - 1; i >= base; i-- {
		f := o.stack[i]
		if idx, ok := o.active[f.key]; ok && idx == i {
			delete(o.active, f.key)
			o.failed[f.key] = err
		}
	}
	o.stack = o.stack[:base]
	return &ProvenanceError{Chain: chain, Err: err}
}
