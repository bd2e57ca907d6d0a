// Package visual renders plan dependency graphs.
package visual

import (
	"fmt"
	"strings"

	"github.com/davidthor/chainctl/pkg/engine/planner"
	"github.com/davidthor/chainctl/pkg/graph"
)

// MermaidOptions controls how a graph is rendered to a Mermaid flowchart.
type MermaidOptions struct {
	// GroupByComponent uses subgraphs to group steps by component.
	GroupByComponent bool

	// Direction is the flowchart direction: "TD" (top-down) or "LR" (left-right).
	// Defaults to "TD" if empty.
	Direction string

	// Title is an optional diagram title.
	Title string
}

// RenderMermaid generates a Mermaid flowchart from a plan graph. Steps are
// styled by the action the next apply would take.
func RenderMermaid(g *graph.Graph, opts MermaidOptions) (string, error) {
	if g == nil {
		return "", fmt.Errorf("graph is nil")
	}

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}
	if direction != "TD" && direction != "LR" {
		return "", fmt.Errorf("unknown direction %q (want TD or LR)", direction)
	}

	sorted, err := g.TopologicalSort()
	if err != nil {
		return "", fmt.Errorf("failed to sort graph: %w", err)
	}

	var b strings.Builder

	if opts.Title != "" {
		b.WriteString(fmt.Sprintf("---\ntitle: %s\n---\n", opts.Title))
	}
	b.WriteString(fmt.Sprintf("flowchart %s\n", direction))

	if opts.GroupByComponent {
		renderGrouped(&b, sorted)
	} else {
		for _, node := range sorted {
			writeNode(&b, "    ", node)
		}
	}

	if len(sorted) > 0 {
		b.WriteString("\n")
	}
	renderEdges(&b, sorted)
	renderClasses(&b, sorted)

	return b.String(), nil
}

// renderGrouped renders nodes grouped by component using Mermaid subgraphs.
func renderGrouped(b *strings.Builder, sorted []*graph.Node) {
	componentNodes := make(map[string][]*graph.Node)
	var componentOrder []string
	for _, node := range sorted {
		if _, seen := componentNodes[node.Component]; !seen {
			componentOrder = append(componentOrder, node.Component)
		}
		componentNodes[node.Component] = append(componentNodes[node.Component], node)
	}

	for _, comp := range componentOrder {
		b.WriteString(fmt.Sprintf("    subgraph %s [\"%s\"]\n", sanitizeSubgraphID(comp), escapeMermaidLabel(comp)))
		for _, node := range componentNodes[comp] {
			writeNode(b, "        ", node)
		}
		b.WriteString("    end\n")
	}
}

func writeNode(b *strings.Builder, indent string, node *graph.Node) {
	b.WriteString(fmt.Sprintf("%s%s[\"%s\"]\n", indent, sanitizeMermaidID(node.ID), escapeMermaidLabel(nodeLabel(node))))
}

// renderEdges draws one edge from every dependency to its dependent.
func renderEdges(b *strings.Builder, sorted []*graph.Node) {
	for _, node := range sorted {
		for _, dep := range node.DependsOn {
			b.WriteString(fmt.Sprintf("    %s --> %s\n", sanitizeMermaidID(dep), sanitizeMermaidID(node.ID)))
		}
	}
}

var actionStyles = []struct {
	action planner.Action
	style  string
}{
	{planner.ActionCreate, "fill:#d4edda,stroke:#28a745"},
	{planner.ActionConfigure, "fill:#cce5ff,stroke:#004085"},
	{planner.ActionAttach, "fill:#fff3cd,stroke:#856404"},
	{planner.ActionSkip, "fill:#e2e3e5,stroke:#6c757d,color:#6c757d"},
}

// renderClasses emits a classDef for each action in use and assigns nodes to it.
func renderClasses(b *strings.Builder, sorted []*graph.Node) {
	members := make(map[planner.Action][]string)
	for _, node := range sorted {
		if node.Action != "" {
			members[node.Action] = append(members[node.Action], sanitizeMermaidID(node.ID))
		}
	}
	if len(members) == 0 {
		return
	}

	b.WriteString("\n")
	for _, s := range actionStyles {
		ids := members[s.action]
		if len(ids) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("    classDef %s %s\n", s.action, s.style))
		b.WriteString(fmt.Sprintf("    class %s %s\n", strings.Join(ids, ","), s.action))
	}
}

// sanitizeMermaidID makes a step id safe as a Mermaid node id.
func sanitizeMermaidID(id string) string {
	return "s_" + strings.NewReplacer("-", "_", ".", "_").Replace(id)
}

// sanitizeSubgraphID creates a safe subgraph identifier from a component name.
func sanitizeSubgraphID(component string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_", " ", "_", ":", "_")
	return "sg_" + r.Replace(component)
}

// nodeLabel is "id<br/>kind Component", plus the address when one is known.
func nodeLabel(node *graph.Node) string {
	label := fmt.Sprintf("%s<br/>%s %s", node.ID, node.Kind, node.Component)
	if node.Address != "" {
		label += "<br/>" + shortAddress(node.Address)
	}
	return label
}

func shortAddress(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}

// escapeMermaidLabel escapes characters that have special meaning in Mermaid labels.
func escapeMermaidLabel(s string) string {
	return strings.ReplaceAll(s, `"`, `#quot;`)
}
