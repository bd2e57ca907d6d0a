// Package graph builds the step dependency graph of a deployment plan.
package graph

import (
	"fmt"
	"sort"

	"github.com/davidthor/chainctl/pkg/engine/planner"
)

// Node is a plan step in the dependency graph.
type Node struct {
	// ID is the step id.
	ID string

	// Kind is the step kind (create, configure or attach).
	Kind string

	// Component the step creates, attaches or configures.
	Component string

	// Action is what the next apply would do with the step.
	Action planner.Action

	// Address of the recorded instance, if any.
	Address string

	// Dependencies - IDs of steps this step references
	DependsOn []string

	// Dependents - IDs of steps that reference this step
	DependedOnBy []string

	index int
}

// Graph is the dependency graph of one plan.
type Graph struct {
	Nodes map[string]*Node

	// Plan name
	Plan string
}

// NewGraph creates a new empty graph.
func NewGraph(plan string) *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Plan:  plan,
	}
}

// FromPreview builds the graph of every step in p. Edges follow step
// references.
func FromPreview(p *planner.Preview) (*Graph, error) {
	g := NewGraph(p.Plan)
	for _, c := range p.Changes {
		n := &Node{
			ID:        c.Step.ID,
			Kind:      string(c.Step.Kind),
			Component: c.Component,
			Action:    c.Action,
		}
		if c.Existing != nil {
			n.Address = c.Existing.Address
		} else if c.Step.Address != "" {
			n.Address = c.Step.Address
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, c := range p.Changes {
		for _, dep := range c.Dependencies {
			if err := g.AddEdge(c.Step.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// AddNode adds a node to the graph. Nodes keep the order they were added in.
func (g *Graph) AddNode(node *Node) error {
	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	node.index = len(g.Nodes)
	g.Nodes[node.ID] = node
	return nil
}

// GetNode returns a node by ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// AddEdge adds a dependency edge from dependent to dependency.
func (g *Graph) AddEdge(dependentID, dependencyID string) error {
	dependent := g.GetNode(dependentID)
	if dependent == nil {
		return fmt.Errorf("dependent node %s not found", dependentID)
	}

	dependency := g.GetNode(dependencyID)
	if dependency == nil {
		return fmt.Errorf("dependency node %s not found", dependencyID)
	}

	for _, id := range dependent.DependsOn {
		if id == dependencyID {
			return nil
		}
	}
	dependent.DependsOn = append(dependent.DependsOn, dependencyID)
	dependency.DependedOnBy = append(dependency.DependedOnBy, dependentID)

	return nil
}

// Ordered returns the nodes in the order they were added.
func (g *Graph) Ordered() []*Node {
	nodes := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].index < nodes[j].index })
	return nodes
}

// TopologicalSort returns nodes in topological order (dependencies first).
// Ready nodes are taken in insertion order, so a valid plan sorts to its own
// step order.
func (g *Graph) TopologicalSort() ([]*Node, error) {
	// Kahn's algorithm
	inDegree := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		inDegree[id] = len(n.DependsOn)
	}

	var ready []*Node
	for _, n := range g.Ordered() {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n)
		}
	}

	var result []*Node
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		result = append(result, node)

		for _, dependentID := range node.DependedOnBy {
			inDegree[dependentID]--
			if inDegree[dependentID] == 0 {
				ready = append(ready, g.Nodes[dependentID])
				sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
			}
		}
	}

	// Check for cycles
	if len(result) != len(g.Nodes) {
		processed := make(map[string]bool, len(result))
		for _, n := range result {
			processed[n.ID] = true
		}

		var cycleNodes []string
		for _, n := range g.Ordered() {
			if !processed[n.ID] {
				cycleNodes = append(cycleNodes, n.ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle detected involving %d steps: %v", len(cycleNodes), cycleNodes)
	}

	return result, nil
}

// Roots returns the ids of steps that reference no other step, in order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, n := range g.Ordered() {
		if len(n.DependsOn) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// Dependents returns every step that transitively references id, in order.
func (g *Graph) Dependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		n := g.Nodes[cur]
		if n == nil {
			return
		}
		for _, d := range n.DependedOnBy {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	var out []string
	for _, n := range g.Ordered() {
		if seen[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}
