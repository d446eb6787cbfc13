package buildcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/bootstrapgo/internal/requirement"
)

// ErrNotFound is returned by Fetch when the key has no artifact.
var ErrNotFound = errors.New("artifact not cached")

// DefaultVariant is the variant used when none is configured.
const DefaultVariant = "default"

// ArtifactKey identifies a cached artifact.
type ArtifactKey struct {
	Name    string
	Version string
	Variant string
}

// NewArtifactKey canonicalizes name and defaults the variant.
func NewArtifactKey(name, version, variant string) ArtifactKey {
	if variant == "" {
		variant = DefaultVariant
	}
	return ArtifactKey{Name: requirement.CanonicalName(name), Version: version, Variant: variant}
}

func (k ArtifactKey) String() string {
	return k.Variant + "/" + k.Name + "/" + k.Version
}

// ArtifactCache persists built artifacts. Implementations must be safe for
// concurrent use.
type ArtifactCache interface {
	Has(ctx context.Context, key ArtifactKey) (bool, error)
	// Fetch copies the artifact into destDir and returns its path. It
	// returns an error matching ErrNotFound on a miss.
	Fetch(ctx context.Context, key ArtifactKey, destDir string) (string, error)
	Store(ctx context.Context, key ArtifactKey, path string) error
}

// CacheError is a cache storage failure. Callers treat it as a miss.
type CacheError struct {
	Op  string
	Key ArtifactKey
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("artifact cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
