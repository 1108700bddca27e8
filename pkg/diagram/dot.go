package diagram

import (
	"fmt"
	"strings"
)

// RenderDOT renders the model as Graphviz DOT text. The output feeds
// straight into the dot CLI or any Graphviz binding.
func RenderDOT(m *Model) string {
	var b strings.Builder

	b.WriteString("digraph {\n")
	b.WriteString("    rankdir=TB;\n")
	if m.Title != "" {
		b.WriteString("    labelloc=\"t\";\n")
		b.WriteString(fmt.Sprintf("    label=%q;\n", m.Title))
	}

	for _, node := range m.Nodes {
		writeDOTNode(&b, node, "    ")
	}

	for _, edge := range m.Edges {
		if edge.Label != "" {
			b.WriteString(fmt.Sprintf("    %q -> %q [label=%q];\n", edge.From, edge.To, edge.Label))
		} else {
			b.WriteString(fmt.Sprintf("    %q -> %q;\n", edge.From, edge.To))
		}
	}

	b.WriteString("}\n")
	return b.String()
}

// writeDOTNode emits the node statement and, for composites, a dashed
// cluster grouping its children.
func writeDOTNode(b *strings.Builder, node *Node, indent string) {
	b.WriteString(fmt.Sprintf("%s%q [%s];\n", indent, node.ID, dotAttrs(node)))
	if len(node.Children) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("%ssubgraph \"cluster_%s\" {\n", indent, node.ID))
	b.WriteString(fmt.Sprintf("%s    label=%q;\n", indent, node.Label))
	b.WriteString(indent + "    style=dashed;\n")
	for _, child := range node.Children {
		writeDOTNode(b, child, indent+"    ")
	}
	b.WriteString(indent + "}\n")
}

func dotAttrs(node *Node) string {
	attrs := []string{fmt.Sprintf("label=%q", node.Label)}

	switch node.Kind {
	case NodeKindConditional:
		attrs = append(attrs, "shape=diamond")
	case NodeKindForeach:
		attrs = append(attrs, "shape=parallelogram")
	case NodeKindStart, NodeKindEnd:
		attrs = append(attrs, "shape=circle", "width=0.5")
	default:
		attrs = append(attrs, "shape=box")
	}

	if node.Status != nil {
		attrs = append(attrs, dotStatusAttrs(node.Status.Status)...)
	}
	return strings.Join(attrs, ", ")
}

func dotStatusAttrs(status string) []string {
	var fill string
	switch status {
	case "completed":
		fill = "#2d6a2d"
	case "failed":
		fill = "#8b1a1a"
	case "running":
		fill = "#1a5276"
	case "suspended":
		fill = "#b7791a"
	default:
		return nil
	}
	return []string{"style=filled", fmt.Sprintf("fillcolor=%q", fill), "fontcolor=white"}
}
