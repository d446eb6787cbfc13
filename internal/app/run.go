package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/bootstrapgo/internal/buildcache"
	"github.com/vk/bootstrapgo/internal/ctxlog"
	"github.com/vk/bootstrapgo/internal/dag"
	"github.com/vk/bootstrapgo/internal/marker"
	"github.com/vk/bootstrapgo/internal/orchestrator"
	"github.com/vk/bootstrapgo/internal/requirement"
	"github.com/vk/bootstrapgo/internal/resolver"
	"github.com/vk/bootstrapgo/internal/scheduler"
	"github.com/vk/bootstrapgo/modules/http_client"
)

const (
	defaultWorkDir  = ".bootstrapgo/work"
	defaultCacheDir = ".bootstrapgo/cache"
)

// Run executes the configured mode.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.", "mode", a.config.Mode)

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	cache, closeCache, err := a.openArtifactCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	if a.config.Mode == ModeBuild {
		a.setPhase(phaseBuilding)
		err = a.runBuild(ctx, cache)
	} else {
		a.setPhase(phaseDiscovering)
		err = a.runBootstrap(ctx, cache)
	}
	if err != nil {
		a.setPhase(phaseFailed)
		return err
	}
	a.setPhase(phaseDone)
	return nil
}

func (a *App) workDir() string {
	return firstNonEmpty(a.config.WorkDir, a.settings.Settings.WorkDir, defaultWorkDir)
}

func (a *App) variant() string {
	return firstNonEmpty(a.settings.Settings.Variant, buildcache.DefaultVariant)
}

func (a *App) orderPath() string {
	return filepath.Join(filepath.Dir(a.config.GraphPath), scheduler.OrderFile)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// openArtifactCache combines the local store and the optional remote one.
func (a *App) openArtifactCache(ctx context.Context) (buildcache.ArtifactCache, func(), error) {
	local, err := buildcache.OpenLocal(ctx, firstNonEmpty(a.config.CacheDir, a.settings.Settings.CacheDir, defaultCacheDir))
	if err != nil {
		return nil, nil, fmt.Errorf("opening artifact cache: %w", err)
	}
	tiered := &buildcache.Tiered{Local: local}
	closeFn := func() {
		if err := local.Close(); err != nil {
			a.logger.Warn("Failed to close artifact cache.", "error", err)
		}
	}

	remoteURL, attempts := a.config.RemoteCache, 0
	if rc := a.settings.RemoteCache; rc != nil {
		remoteURL = firstNonEmpty(remoteURL, rc.URL)
		attempts = rc.MaxAttempts
	}
	if remoteURL != "" {
		tiered.Remote = buildcache.NewRemote(remoteURL, http_client.New(5*time.Minute), policy(attempts))
		a.logger.Info("Remote artifact cache enabled.", "url", remoteURL)
	}
	return tiered, closeFn, nil
}

// requirements collects the positional requirements and the requirements
// file, in that order.
func (a *App) requirements() ([]requirement.Requirement, error) {
	var reqs []requirement.Requirement
	for _, raw := range a.config.Requirements {
		req, err := requirement.Parse(raw)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if a.config.RequirementsFile != "" {
		f, err := os.Open(a.config.RequirementsFile)
		if err != nil {
			return nil, fmt.Errorf("reading requirements: %w", err)
		}
		defer f.Close()
		list, err := requirement.ParseList(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.config.RequirementsFile, err)
		}
		reqs = append(reqs, list...)
	}
	return reqs, nil
}

// constraints merges the constraints file with the settings constraints.
func (a *App) constraints() (*requirement.Constraints, error) {
	c := requirement.NewConstraints()
	if a.config.ConstraintsFile != "" {
		f, err := os.Open(a.config.ConstraintsFile)
		if err != nil {
			return nil, fmt.Errorf("reading constraints: %w", err)
		}
		defer f.Close()
		if c, err = requirement.LoadConstraints(f); err != nil {
			return nil, fmt.Errorf("%s: %w", a.config.ConstraintsFile, err)
		}
	}
	for name, spec := range a.settings.Constraints {
		if err := c.Add(name, spec); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (a *App) packageSettings(name string) orchestrator.PackageSettings {
	p, ok := a.settings.Packages[name]
	if !ok {
		return orchestrator.PackageSettings{}
	}
	return orchestrator.PackageSettings{PreBuilt: p.PreBuilt, AllowPrerelease: p.AllowPrerelease, RebuildSdist: p.RebuildSdist}
}

// runBootstrap discovers (and outside discovery mode builds) every
// requirement, then saves the graph and its build order.
func (a *App) runBootstrap(ctx context.Context, cache buildcache.ArtifactCache) error {
	reqs, err := a.requirements()
	if err != nil {
		return err
	}
	constraints, err := a.constraints()
	if err != nil {
		return err
	}

	var previous *dag.Graph
	if a.config.PreviousGraph != "" {
		if previous, err = dag.LoadFile(a.config.PreviousGraph); err != nil {
			return fmt.Errorf("loading previous graph: %w", err)
		}
		a.logger.Info("Warm start from previous graph.", "path", a.config.PreviousGraph, "packages", previous.Len())
	}

	s := a.settings.Settings
	o := orchestrator.New(orchestrator.Config{
		Resolver:    resolver.New(a.registry, buildcache.NewResolutionCache()),
		Constraints: constraints,
		Steps:       a.registry,
		Cache:       cache,
		Previous:    previous,
		Options: orchestrator.Options{
			Variant:            a.variant(),
			DiscoveryOnly:      a.config.Mode == ModeDiscover,
			StopOnFirstFailure: a.config.StopOnFailure || s.StopOnFailure,
			WorkDir:            a.workDir(),
			Environment:        marker.DefaultEnvironment().Merge(a.settings.Environment),
			Platforms:          s.Platforms,
			AllowPrerelease:    s.AllowPrerelease,
			Package:            a.packageSettings,
		},
	})

	result, runErr := o.BootstrapAll(ctx, reqs)
	if err := o.Graph().SaveFile(a.config.GraphPath); err != nil {
		return errors.Join(runErr, err)
	}
	a.logger.Info("Dependency graph saved.", "path", a.config.GraphPath, "packages", o.Graph().Len())

	if runErr == nil {
		order, err := scheduler.ComputeOrder(o.Graph())
		if err != nil {
			return err
		}
		if err := scheduler.SaveOrder(a.orderPath(), o.Graph(), order); err != nil {
			return err
		}
		a.logger.Info("Build order saved.", "path", a.orderPath(), "packages", len(order))
	}

	printBootstrapSummary(a.outW, result)
	return runErr
}

// runBuild builds a saved graph with the parallel scheduler. The saved build
// order is used when present.
func (a *App) runBuild(ctx context.Context, cache buildcache.ArtifactCache) error {
	g, err := dag.LoadFile(a.config.GraphPath)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}

	var order []dag.Key
	entries, err := scheduler.LoadOrder(a.orderPath())
	switch {
	case err == nil:
		order = scheduler.Keys(entries)
	case errors.Is(err, fs.ErrNotExist):
		if order, err = scheduler.ComputeOrder(g); err != nil {
			return err
		}
	default:
		return err
	}

	workers := a.config.Workers
	if workers == 0 {
		workers = a.settings.Settings.Workers
	}
	builder := orchestrator.NewNodeBuilder(g, a.registry, cache, a.variant())
	report, err := scheduler.New(g, builder, a.workDir()).Execute(ctx, order, workers)
	if report != nil {
		printBuildSummary(a.outW, report)
	}
	return err
}
