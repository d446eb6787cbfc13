// Package dag holds the dependency graph built while bootstrapping. Nodes
// are resolved packages keyed by "name==version", with a synthetic ROOT node
// standing for the user's request. Edges are typed by the kind of
// requirement that introduced them, which decides whether a loop in the
// graph blocks the build or is merely reported.
//
// The graph is append-only: nodes and edges are never removed or mutated
// once added, so readers can traverse while discovery continues.
package dag
