package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the model as a Mermaid flowchart string.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", m.Title))
	}

	for _, node := range m.Nodes {
		writeMermaidNode(&b, node, "    ")
	}

	for _, edge := range m.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidLabel(edge.Label))
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", edge.From, label, edge.To))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	writeMermaidClasses(&b, m.Nodes)
	return b.String()
}

// writeMermaidNode emits the node definition and, for composites, a
// subgraph grouping its children.
func writeMermaidNode(b *strings.Builder, node *Node, indent string) {
	b.WriteString(indent + mermaidNodeDef(node) + "\n")
	if len(node.Children) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("%ssubgraph %s_grp[%q]\n", indent, node.ID, mermaidLabel(node.Label)))
	for _, child := range node.Children {
		writeMermaidNode(b, child, indent+"    ")
	}
	b.WriteString(indent + "end\n")
}

// mermaidNodeDef returns a node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	label := mermaidLabel(node.Label)
	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%q}", node.ID, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", node.ID, label)
	case NodeKindForeach:
		return fmt.Sprintf("%s[/%q/]", node.ID, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", node.ID, label)
	default:
		return fmt.Sprintf("%s[%q]", node.ID, label)
	}
}

func writeMermaidClasses(b *strings.Builder, nodes []*Node) {
	for _, node := range nodes {
		if node.Status != nil {
			if cls := statusClass(node.Status.Status); cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", node.ID, cls))
			}
		}
		writeMermaidClasses(b, node.Children)
	}
}

func statusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "suspended":
		return status
	default:
		return ""
	}
}

// mermaidLabel keeps expression text from breaking the Mermaid grammar.
// Predicates routinely contain quotes and pipes.
func mermaidLabel(s string) string {
	r := strings.NewReplacer(`"`, "'", "|", "/")
	return r.Replace(s)
}
