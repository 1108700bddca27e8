package diagram

import (
	"fmt"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
)

// Build constructs a Model from an entry list. Virtual start and end
// nodes bracket the sequence; each entry's node connects from the tails
// of the previous one. result may be nil; when given, its id-keyed steps
// overlay block statuses onto the matching nodes.
func Build(title string, entries []flow.Entry, result *flow.RunResult) *Model {
	b := &builder{steps: map[string]*flow.BlockResult{}}
	if result != nil && result.Steps != nil {
		b.steps = result.Steps
	}

	m := &Model{Title: title}

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	m.Nodes = append(m.Nodes, start)

	frontier := []string{start.ID}
	for i, e := range entries {
		node, tails := b.entryNode(flow.Describe(e), fmt.Sprintf("n%d", i))
		m.Nodes = append(m.Nodes, node)
		for _, from := range frontier {
			b.edges = append(b.edges, Edge{From: from, To: node.ID})
		}
		frontier = tails
	}

	// "end" is a Mermaid keyword, so the virtual nodes use dunder ids.
	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	m.Nodes = append(m.Nodes, end)
	for _, from := range frontier {
		b.edges = append(b.edges, Edge{From: from, To: end.ID})
	}

	m.Edges = b.edges
	return m
}

// BuildWorkflow builds the model for a workflow, titled with its name.
func BuildWorkflow(wf *flow.Workflow, result *flow.RunResult) *Model {
	return Build(wf.Name(), wf.Entries(), result)
}

type builder struct {
	steps map[string]*flow.BlockResult
	edges []Edge
}

// entryNode converts one entry into its node and returns the ids the next
// sequential entry connects from. Composites fan out to their children and
// report the union of the children's tails, so the following entry joins
// every branch.
func (b *builder) entryNode(info flow.EntryInfo, id string) (*Node, []string) {
	switch info.Kind {
	case flow.KindParallel:
		node := &Node{ID: id, Label: "parallel", Kind: NodeKindParallel}
		var tails []string
		for i, child := range info.Children {
			cn, ct := b.entryNode(child, fmt.Sprintf("%s_%d", id, i))
			node.Children = append(node.Children, cn)
			b.edges = append(b.edges, Edge{From: id, To: cn.ID})
			tails = append(tails, ct...)
		}
		return node, tails

	case flow.KindConditional:
		node := &Node{ID: id, Label: "choice", Kind: NodeKindConditional}
		var tails []string
		for i, child := range info.Children {
			cn, ct := b.entryNode(child, fmt.Sprintf("%s_%d", id, i))
			node.Children = append(node.Children, cn)
			label := ""
			if i < len(info.Predicates) {
				label = info.Predicates[i]
			}
			b.edges = append(b.edges, Edge{From: id, To: cn.ID, Label: label})
			tails = append(tails, ct...)
		}
		return node, tails

	case flow.KindLoop:
		node := &Node{ID: id, Label: blockLabel(info), Kind: NodeKindLoop, Status: b.overlay(info)}
		b.edges = append(b.edges, Edge{From: id, To: id, Label: loopEdgeLabel(info)})
		return node, []string{id}

	case flow.KindForeach:
		conc := info.Concurrency
		if conc < 1 {
			conc = 1
		}
		node := &Node{
			ID:     id,
			Label:  fmt.Sprintf("%s (x%d)", blockLabel(info), conc),
			Kind:   NodeKindForeach,
			Status: b.overlay(info),
		}
		return node, []string{id}

	default:
		node := &Node{ID: id, Label: blockLabel(info), Kind: NodeKindBlock, Status: b.overlay(info)}
		return node, []string{id}
	}
}

func (b *builder) overlay(info flow.EntryInfo) *StatusOverlay {
	if info.Block == nil {
		return nil
	}
	res, ok := b.steps[info.Block.ID]
	if !ok || res == nil {
		return nil
	}
	o := &StatusOverlay{Status: string(res.Status)}
	if res.Error != nil {
		o.Error = res.Error.Message
	}
	return o
}

func blockLabel(info flow.EntryInfo) string {
	if info.Block == nil {
		return ""
	}
	return info.Block.ID
}

// loopEdgeLabel turns the loop mode and predicate into a readable
// continuation condition for the self-edge.
func loopEdgeLabel(info flow.EntryInfo) string {
	word := "while"
	if info.LoopKind == flow.LoopDoUntil {
		word = "until"
	}
	if len(info.Predicates) == 0 || info.Predicates[0] == "" {
		return word
	}
	return fmt.Sprintf("%s %s", word, info.Predicates[0])
}
