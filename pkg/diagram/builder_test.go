package diagram

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// --- Test workflow builders ---

func passBlock(id string) *flow.Block {
	return &flow.Block{
		ID: id,
		Execute: func(_ context.Context, ex *flow.Execution) (flow.Outcome, error) {
			return flow.Complete(ex.Input()), nil
		},
	}
}

func failBlock(id, msg string) *flow.Block {
	return &flow.Block{
		ID: id,
		Execute: func(_ context.Context, _ *flow.Execution) (flow.Outcome, error) {
			return flow.Outcome{}, errors.New(msg)
		},
	}
}

func linearEntries() []flow.Entry {
	return []flow.Entry{
		flow.Step(passBlock("fetch")),
		flow.Step(passBlock("transform")),
		flow.Step(passBlock("store")),
	}
}

func conditionalEntries() []flow.Entry {
	return []flow.Entry{
		flow.Step(passBlock("check")),
		flow.Conditional(
			flow.Branch{When: flow.Condition("result > 0"), Then: flow.Step(passBlock("deploy"))},
			flow.Branch{When: flow.Condition("result <= 0"), Then: flow.Step(passBlock("notify"))},
		),
	}
}

func parallelEntries() []flow.Entry {
	return []flow.Entry{
		flow.Step(passBlock("setup")),
		flow.Parallel(
			flow.Step(passBlock("alpha")),
			flow.Step(passBlock("beta")),
		),
	}
}

func loopEntries() []flow.Entry {
	return []flow.Entry{
		flow.DoWhile(passBlock("drain"), flow.Condition("result > 5")),
		flow.DoUntil(passBlock("probe"), flow.Condition("result == 0")),
	}
}

func foreachEntries() []flow.Entry {
	return []flow.Entry{
		flow.Foreach(passBlock("resize"), 2),
	}
}

// --- Tests ---

func TestBuild_LinearEntries(t *testing.T) {
	model := Build("etl", linearEntries(), nil)

	assert.Equal(t, "etl", model.Title)
	// 3 entries + start + end = 5.
	require.Len(t, model.Nodes, 5)

	kinds := make(map[string]NodeKind)
	labels := make(map[string]string)
	for _, n := range model.Nodes {
		kinds[n.ID] = n.Kind
		labels[n.ID] = n.Label
	}
	assert.Equal(t, NodeKindStart, kinds["__start__"])
	assert.Equal(t, NodeKindEnd, kinds["__end__"])
	assert.Equal(t, NodeKindBlock, kinds["n0"])
	assert.Equal(t, "fetch", labels["n0"])
	assert.Equal(t, "transform", labels["n1"])
	assert.Equal(t, "store", labels["n2"])

	assert.Equal(t, []Edge{
		{From: "__start__", To: "n0"},
		{From: "n0", To: "n1"},
		{From: "n1", To: "n2"},
		{From: "n2", To: "__end__"},
	}, model.Edges)
}

func TestBuild_ConditionalEntries(t *testing.T) {
	model := Build("", conditionalEntries(), nil)

	var cond *Node
	for _, n := range model.Nodes {
		if n.Kind == NodeKindConditional {
			cond = n
		}
	}
	require.NotNil(t, cond)
	assert.Equal(t, "n1", cond.ID)
	assert.Equal(t, "choice", cond.Label)
	require.Len(t, cond.Children, 2)
	assert.Equal(t, "deploy", cond.Children[0].Label)
	assert.Equal(t, "notify", cond.Children[1].Label)

	// Branch edges carry the predicate.
	assert.Contains(t, model.Edges, Edge{From: "n1", To: "n1_0", Label: "result > 0"})
	assert.Contains(t, model.Edges, Edge{From: "n1", To: "n1_1", Label: "result <= 0"})

	// Both branch tails join the end node.
	assert.Contains(t, model.Edges, Edge{From: "n1_0", To: "__end__"})
	assert.Contains(t, model.Edges, Edge{From: "n1_1", To: "__end__"})
}

func TestBuild_ParallelEntries(t *testing.T) {
	model := Build("", parallelEntries(), nil)

	var par *Node
	for _, n := range model.Nodes {
		if n.Kind == NodeKindParallel {
			par = n
		}
	}
	require.NotNil(t, par)
	assert.Equal(t, "parallel", par.Label)
	require.Len(t, par.Children, 2)
	assert.Equal(t, "alpha", par.Children[0].Label)
	assert.Equal(t, "beta", par.Children[1].Label)

	// Fork to every branch, then every branch joins the end node.
	assert.Contains(t, model.Edges, Edge{From: "n1", To: "n1_0"})
	assert.Contains(t, model.Edges, Edge{From: "n1", To: "n1_1"})
	assert.Contains(t, model.Edges, Edge{From: "n1_0", To: "__end__"})
	assert.Contains(t, model.Edges, Edge{From: "n1_1", To: "__end__"})
}

func TestBuild_LoopSelfEdges(t *testing.T) {
	model := Build("", loopEntries(), nil)

	loop := model.Nodes[1]
	assert.Equal(t, NodeKindLoop, loop.Kind)
	assert.Equal(t, "drain", loop.Label)

	assert.Contains(t, model.Edges, Edge{From: "n0", To: "n0", Label: "while result > 5"})
	assert.Contains(t, model.Edges, Edge{From: "n1", To: "n1", Label: "until result == 0"})
}

func TestBuild_ForeachConcurrencyLabel(t *testing.T) {
	model := Build("", foreachEntries(), nil)

	fe := model.Nodes[1]
	assert.Equal(t, NodeKindForeach, fe.Kind)
	assert.Equal(t, "resize (x2)", fe.Label)

	clamped := Build("", []flow.Entry{flow.Foreach(passBlock("item"), 0)}, nil)
	assert.Equal(t, "item (x1)", clamped.Nodes[1].Label)
}

func TestBuild_EmptyEntries(t *testing.T) {
	model := Build("empty", nil, nil)

	require.Len(t, model.Nodes, 2)
	assert.Equal(t, []Edge{{From: "__start__", To: "__end__"}}, model.Edges)
}

func TestBuildWorkflow_StatusOverlay(t *testing.T) {
	wf := flow.New("overlay").
		Then(passBlock("fetch")).
		Then(failBlock("boom", "kaput"))

	res := wf.Start(context.Background(), 1)
	require.Equal(t, schema.RunStatusFailed, res.Status)

	model := BuildWorkflow(wf, res)
	assert.Equal(t, "overlay", model.Title)

	for _, node := range model.Nodes {
		switch node.ID {
		case "n0":
			require.NotNil(t, node.Status)
			assert.Equal(t, "completed", node.Status.Status)
			assert.Empty(t, node.Status.Error)
		case "n1":
			require.NotNil(t, node.Status)
			assert.Equal(t, "failed", node.Status.Status)
			assert.Equal(t, "kaput", node.Status.Error)
		case "__start__", "__end__":
			assert.Nil(t, node.Status)
		}
	}
}
