package expressions

import "context"

// Engine evaluates predicate and transform expressions against run data.
// Three implementations: Expr (default logic), CEL (conditions), GoJQ
// (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope variable names exposed to every engine.
//
//   - result: output of the preceding entry (nil on the first entry)
//   - input:  the workflow input value
//   - blocks: completed block outputs keyed by block ID
const (
	VarResult = "result"
	VarInput  = "input"
	VarBlocks = "blocks"
)
