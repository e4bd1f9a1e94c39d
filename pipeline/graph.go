package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// Step is a state of the orchestrator.
type Step string

const (
	StepRouting     Step = "routing"
	StepResearching Step = "researching"
	StepAnalyzing   Step = "analyzing"
	StepValidating  Step = "validating"
	StepRevising    Step = "revising"
	StepComplete    Step = "complete"
	StepFailed      Step = "failed"
)

// Terminal reports whether s ends a run.
func (s Step) Terminal() bool { return s == StepComplete || s == StepFailed }

// Graph is the immutable transition table of the orchestrator.
type Graph struct {
	start Step
	edges map[Step][]Step
}

// DefaultGraph returns the shared transition table. It is built and
// validated on first use.
var DefaultGraph = sync.OnceValue(func() *Graph {
	g := &Graph{
		start: StepRouting,
		edges: map[Step][]Step{
			StepRouting:     {StepResearching, StepAnalyzing},
			StepResearching: {StepAnalyzing},
			StepAnalyzing:   {StepValidating},
			StepValidating:  {StepRevising, StepComplete},
			StepRevising:    {StepAnalyzing},
			StepComplete:    nil,
			StepFailed:      nil,
		},
	}
	// Every non-terminal step may fail.
	for from := range g.edges {
		if !from.Terminal() {
			g.edges[from] = append(g.edges[from], StepFailed)
		}
	}
	if err := g.Validate(); err != nil {
		panic(err)
	}
	return g
})

// Start returns the initial step.
func (g *Graph) Start() Step { return g.start }

// Allows reports whether from → to is a declared transition.
func (g *Graph) Allows(from, to Step) bool {
	return slices.Contains(g.edges[from], to)
}

// Next returns the declared successors of s.
func (g *Graph) Next(s Step) []Step {
	return slices.Clone(g.edges[s])
}

// Validate checks that terminal steps have no successors, non-terminal steps
// have at least one, every target is declared, and every step is reachable
// from the start.
func (g *Graph) Validate() error {
	if _, ok := g.edges[g.start]; !ok {
		return fmt.Errorf("graph: start step %q not declared", g.start)
	}
	for from, tos := range g.edges {
		if from.Terminal() && len(tos) > 0 {
			return fmt.Errorf("graph: terminal step %q has successors", from)
		}
		if !from.Terminal() && len(tos) == 0 {
			return fmt.Errorf("graph: step %q has no successors", from)
		}
		for _, to := range tos {
			if _, ok := g.edges[to]; !ok {
				return fmt.Errorf("graph: %q → %q targets an undeclared step", from, to)
			}
		}
	}

	seen := map[Step]bool{g.start: true}
	queue := []Step{g.start}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, to := range g.edges[s] {
			if !seen[to] {
				seen[to] = true
				queue = append(queue, to)
			}
		}
	}
	for s := range g.edges {
		if !seen[s] {
			return fmt.Errorf("graph: step %q is unreachable", s)
		}
	}
	return nil
}
