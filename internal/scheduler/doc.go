// Package scheduler builds an already-discovered dependency graph in
// parallel.
//
// ComputeOrder linearises the graph so that every package comes after the
// packages it needs to build. Execute then hands packages to a bounded pool
// of workers as soon as their build requirements have succeeded. A failure
// skips everything downstream of it while independent branches keep going.
package scheduler
