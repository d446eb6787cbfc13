// Package buildstep defines the narrow interfaces through which the
// orchestrator drives source acquisition, preparation, dependency
// extraction and artifact builds, together with their typed failures.
package buildstep

import (
	"context"

	"github.com/vk/bootstrapgo/internal/requirement"
)

// Acquirer fetches the source for a package version into workDir and
// returns the source root. Failures are *AcquisitionError.
type Acquirer interface {
	Acquire(ctx context.Context, name, version, url, workDir string) (string, error)
}

// Preparer applies local modifications to an acquired tree and returns
// the prepared root. Failures are *PreparationError.
type Preparer interface {
	Prepare(ctx context.Context, name, version, sourceRoot string) (string, error)
}

// Extractor reads the requirements a package declares.
type Extractor interface {
	BuildSystemDeps(ctx context.Context, preparedRoot string) ([]requirement.Requirement, error)
	// BuildBackendDeps is only called once the build-system requirements
	// are available.
	BuildBackendDeps(ctx context.Context, preparedRoot string) ([]requirement.Requirement, error)
	BuildSdistDeps(ctx context.Context, preparedRoot string) ([]requirement.Requirement, error)
	// InstallDeps reads the runtime requirements recorded in a built
	// artifact or source distribution.
	InstallDeps(ctx context.Context, artifactPath string) ([]requirement.Requirement, error)
}

// ArtifactBuilder produces source distributions and binary artifacts.
// Failures are *BuildFailure with Stage set to StageSdist or StageArtifact.
type ArtifactBuilder interface {
	BuildSourceDistribution(ctx context.Context, preparedRoot, outDir string) (string, error)
	BuildArtifact(ctx context.Context, sdistPath string, env BuildEnv) (string, error)
}

// Package is one member of a build environment.
type Package struct {
	Name         string
	Version      string
	ArtifactPath string
}

// BuildEnv is the isolated environment an artifact is built in: a private
// directory and the artifacts of every build-time dependency.
type BuildEnv struct {
	Dir      string
	OutDir   string
	Variant  string
	Packages []Package
}

// Steps bundles the collaborators used for one package.
type Steps struct {
	Acquirer  Acquirer
	Preparer  Preparer
	Extractor Extractor
	Builder   ArtifactBuilder
}
