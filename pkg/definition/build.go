package definition

import (
	"fmt"
	"time"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Build validates the definition against the registry and resolves it
// into runnable entries, in document order.
func Build(def *Definition, reg *Registry) ([]flow.Entry, error) {
	if result := Validate(def, reg); !result.Valid() {
		return nil, result.ToError()
	}

	entries := make([]flow.Entry, 0, len(def.Entries))
	for i := range def.Entries {
		entry, err := buildEntry(&def.Entries[i], reg, fmt.Sprintf("entries[%d]", i))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Workflow builds the definition into a ready-to-start workflow. Options
// derived from the definition (retry) are applied before the caller's, so
// caller options win on conflict.
func Workflow(def *Definition, reg *Registry, opts ...flow.Option) (*flow.Workflow, error) {
	entries, err := Build(def, reg)
	if err != nil {
		return nil, err
	}

	var all []flow.Option
	if def.Retry != nil {
		policy, err := retryPolicy(def.Retry)
		if err != nil {
			return nil, err
		}
		all = append(all, flow.WithRetry(policy))
	}
	all = append(all, opts...)

	return flow.New(def.Name, all...).Add(entries...), nil
}

func retryPolicy(rd *RetryDefinition) (flow.RetryPolicy, error) {
	policy := flow.RetryPolicy{Attempts: rd.Attempts}
	if rd.Delay != "" {
		d, err := time.ParseDuration(rd.Delay)
		if err != nil {
			return flow.RetryPolicy{}, schema.NewErrorf(schema.ErrCodeDefinition,
				"invalid retry delay %q", rd.Delay).WithCause(err)
		}
		policy.Delay = d
	}
	return policy, nil
}

func buildEntry(ed *EntryDefinition, reg *Registry, at string) (flow.Entry, error) {
	switch ed.Kind {
	case flow.KindBlock:
		b, err := reg.Get(ed.Block)
		if err != nil {
			return nil, err
		}
		return flow.Step(b), nil

	case flow.KindParallel:
		subs := make([]flow.Entry, 0, len(ed.Entries))
		for i := range ed.Entries {
			sub, err := buildEntry(&ed.Entries[i], reg, fmt.Sprintf("%s.entries[%d]", at, i))
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		return flow.Parallel(subs...), nil

	case flow.KindConditional:
		branches := make([]flow.Branch, 0, len(ed.Branches))
		for i := range ed.Branches {
			br := &ed.Branches[i]
			pred, err := buildPredicate(br.When, fmt.Sprintf("%s.branches[%d].when", at, i))
			if err != nil {
				return nil, err
			}
			target, err := buildEntry(&br.Entry, reg, fmt.Sprintf("%s.branches[%d].entry", at, i))
			if err != nil {
				return nil, err
			}
			branches = append(branches, flow.Branch{When: pred, Then: target})
		}
		return flow.Conditional(branches...), nil

	case flow.KindLoop:
		b, err := reg.Get(ed.Block)
		if err != nil {
			return nil, err
		}
		if ed.When == nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: loop entry has no predicate", at)
		}
		pred, err := buildPredicate(*ed.When, at+".when")
		if err != nil {
			return nil, err
		}
		switch ed.Mode {
		case flow.LoopDoWhile:
			return flow.DoWhile(b, pred), nil
		case flow.LoopDoUntil:
			return flow.DoUntil(b, pred), nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: unknown loop mode %q", at, ed.Mode)
		}

	case flow.KindForeach:
		b, err := reg.Get(ed.Block)
		if err != nil {
			return nil, err
		}
		return flow.Foreach(b, ed.Concurrency), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: unknown entry kind %q", at, ed.Kind)
	}
}

func buildPredicate(pd PredicateDefinition, at string) (flow.Predicate, error) {
	switch pd.Engine {
	case "", EngineExpr:
		return flow.Condition(pd.Source), nil
	case EngineCEL:
		return flow.CELCondition(pd.Source), nil
	case EngineJQ:
		return flow.JQCondition(pd.Source), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "%s: unknown predicate engine %q", at, pd.Engine)
	}
}
