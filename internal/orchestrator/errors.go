package orchestrator

import (
	"fmt"
	"strings"

	"github.com/vk/bootstrapgo/internal/dag"
)

// Frame is one step of a provenance chain: the requirement, the kind of
// edge it arrived through and the version it resolved to, if any yet.
type Frame struct {
	EdgeType    dag.EdgeType
	Requirement string
	Version     string
}

func (f Frame) String() string {
	v := f.Version
	if v == "" {
		v = "unresolved"
	}
	return fmt.Sprintf("%s %s (%s)", f.EdgeType, f.Requirement, v)
}

// ProvenanceError wraps a failure with the chain of requirements that led
// to it, outermost first.
type ProvenanceError struct {
	Chain []Frame
	Err   error
}

func (e *ProvenanceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if len(e.Chain) > 0 {
		b.WriteString("\nrequired by:")
		for i, f := range e.Chain {
			b.WriteString("\n  " + strings.Repeat("  ", i) + f.String())
		}
	}
	return b.String()
}

func (e *ProvenanceError) Unwrap() error { return e.Err }

// ChainFor returns the provenance chain of key as recorded in g, following
// the first requirement that reached each package.
func ChainFor(g *dag.Graph, key dag.Key) []Frame {
	edges := g.WhyChain(key)
	chain := make([]Frame, 0, len(edges))
	for _, e := range edges {
		_, version := e.Child.Split()
		chain = append(chain, Frame{EdgeType: e.Type, Requirement: e.Requirement, Version: version})
	}
	return chain
}

// Requirement returns the top-level requirement of the chain.
func (e *ProvenanceError) Requirement() string {
	if len(e.Chain) == 0 {
		return ""
	}
	return e.Chain[0].Requirement
}
