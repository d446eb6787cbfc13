package buildcache

import (
	"context"
	"errors"

	"github.com/vk/bootstrapgo/internal/ctxlog"
)

// Tiered consults Local before Remote. Artifacts fetched from Remote are
// written back to Local. Either tier may be nil.
type Tiered struct {
	Local  ArtifactCache
	Remote ArtifactCache
}

func (t *Tiered) tiers() []ArtifactCache {
	var out []ArtifactCache
	for _, c := range []ArtifactCache{t.Local, t.Remote} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (t *Tiered) Has(ctx context.Context, key ArtifactKey) (bool, error) {
	var errs []error
	for _, c := range t.tiers() {
		ok, err := c.Has(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

func (t *Tiered) Fetch(ctx context.Context, key ArtifactKey, destDir string) (string, error) {
	logger := ctxlog.FromContext(ctx)
	var errs []error
	for i, c := range t.tiers() {
		path, err := c.Fetch(ctx, key, destDir)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if i > 0 && t.Local != nil {
			if err := t.Local.Store(ctx, key, path); err != nil {
				logger.Warn("Failed to copy remote artifact into local cache.", "key", key.String(), "error", err)
			}
		}
		return path, nil
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", ErrNotFound
}

func (t *Tiered) Store(ctx context.Context, key ArtifactKey, path string) error {
	var errs []error
	for _, c := range t.tiers() {
		if err := c.Store(ctx, key, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
