// Package diagram renders workflows as Mermaid flowcharts or Graphviz DOT
// text. Entries build into an intermediate Model shared by all renderers;
// a run result can overlay live block statuses onto the drawing.
package diagram

// NodeKind classifies a diagram node by its entry kind.
type NodeKind string

const (
	NodeKindBlock       NodeKind = "block"
	NodeKindParallel    NodeKind = "parallel"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
	NodeKindForeach     NodeKind = "foreach"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single element of the diagram. Composite entries
// (parallel, conditional) carry their sub-entries as Children, which
// renderers draw grouped under the node.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*Node
}

// StatusOverlay carries run state for a node.
type StatusOverlay struct {
	Status string
	Error  string
}

// Edge is a directed connection between two nodes. Conditional branch
// edges carry the branch predicate as their label; loop self-edges carry
// the continuation condition.
type Edge struct {
	From  string
	To    string
	Label string
}
