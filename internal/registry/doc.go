// Package registry provides the central "glue" for the module system.
//
// Compiled-in modules register named implementations of the resolver and
// build-step interfaces. Settings then bind package names to those
// implementation names, with the "*" binding acting as the default for
// every package that has no binding of its own.
//
// During application startup, the registry is populated and then validated
// so that every binding names an implementation that actually exists.
package registry
