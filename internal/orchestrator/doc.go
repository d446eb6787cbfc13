// Package orchestrator drives the from-source bootstrap. For every
// requirement it resolves a version, records the node and edge in the
// dependency graph, bootstraps the package's build-time requirements, builds
// it, and then bootstraps its install-time requirements.
//
// Discovery is depth-first but iterative: an explicit stack of frames holds
// the work in progress, and the same stack is the provenance chain reported
// with every failure.
package orchestrator
