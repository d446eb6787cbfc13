// Package buildcache memoizes work across a bootstrap run and across runs.
//
// ResolutionCache remembers, for the lifetime of one run, which version and
// download URL each requirement string resolved to. ArtifactCache
// implementations persist built artifacts keyed by (name, version, variant):
// LocalStore on disk with a sqlite index, RemoteStore over HTTP, and Tiered
// combining the two.
package buildcache
