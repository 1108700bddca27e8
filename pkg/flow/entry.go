package flow

import (
	"fmt"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Entry is one node in a workflow's entry tree. The five kinds are
// constructed with Step, Parallel, Conditional, DoWhile/DoUntil and Foreach;
// the interface is sealed so the engine's dispatch is exhaustive.
type Entry interface {
	validate(res *schema.ValidationResult, at string)
}

// EntryKind names the structural kind of an entry.
type EntryKind string

const (
	KindBlock       EntryKind = "block"
	KindParallel    EntryKind = "parallel"
	KindConditional EntryKind = "conditional"
	KindLoop        EntryKind = "loop"
	KindForeach     EntryKind = "foreach"
)

// LoopKind selects how a loop predicate is interpreted.
type LoopKind string

const (
	// LoopDoWhile repeats the body while the predicate is true.
	LoopDoWhile LoopKind = "dowhile"
	// LoopDoUntil repeats the body until the predicate is true.
	LoopDoUntil LoopKind = "dountil"
)

type blockEntry struct {
	block *Block
}

// Step wraps a single block as an entry.
func Step(b *Block) Entry { return &blockEntry{block: b} }

func (e *blockEntry) validate(res *schema.ValidationResult, at string) {
	e.block.validate(res, at)
}

type parallelEntry struct {
	entries []Entry
}

// Parallel runs the given entries concurrently against the same input and
// merges their outputs into a map keyed by each entry's result key.
func Parallel(entries ...Entry) Entry { return &parallelEntry{entries: entries} }

func (e *parallelEntry) validate(res *schema.ValidationResult, at string) {
	if len(e.entries) == 0 {
		res.AddError(at, schema.ErrCodeDefinition, "parallel entry has no sub-entries")
	}
	for i, sub := range e.entries {
		subAt := fmt.Sprintf("%s.parallel[%d]", at, i)
		if sub == nil {
			res.AddError(subAt, schema.ErrCodeDefinition, "parallel entry contains a nil sub-entry")
			continue
		}
		sub.validate(res, subAt)
	}
}

// Branch pairs a predicate with the entry to execute when it holds.
type Branch struct {
	When Predicate
	Then Entry
}

type conditionalEntry struct {
	branches []Branch
}

// Conditional evaluates every branch predicate concurrently and executes the
// branch with the lowest index among those that evaluated to true.
func Conditional(branches ...Branch) Entry { return &conditionalEntry{branches: branches} }

func (e *conditionalEntry) validate(res *schema.ValidationResult, at string) {
	if len(e.branches) == 0 {
		res.AddError(at, schema.ErrCodeDefinition, "conditional entry has no branches")
	}
	for i, br := range e.branches {
		brAt := fmt.Sprintf("%s.branches[%d]", at, i)
		if br.When == nil {
			res.AddError(brAt, schema.ErrCodeDefinition, "conditional branch has no predicate")
		}
		if br.Then == nil {
			res.AddError(brAt, schema.ErrCodeDefinition, "conditional branch has no entry")
			continue
		}
		br.Then.validate(res, brAt)
	}
}

type loopEntry struct {
	block     *Block
	loopKind  LoopKind
	predicate Predicate
}

// DoWhile repeats the block while the predicate, evaluated against each
// iteration's output, is true. The body always runs at least once.
func DoWhile(b *Block, pred Predicate) Entry {
	return &loopEntry{block: b, loopKind: LoopDoWhile, predicate: pred}
}

// DoUntil repeats the block until the predicate, evaluated against each
// iteration's output, is true. The body always runs at least once.
func DoUntil(b *Block, pred Predicate) Entry {
	return &loopEntry{block: b, loopKind: LoopDoUntil, predicate: pred}
}

func (e *loopEntry) validate(res *schema.ValidationResult, at string) {
	e.block.validate(res, at)
	if e.predicate == nil {
		res.AddError(at, schema.ErrCodeDefinition, "loop entry has no predicate")
	}
	if e.loopKind != LoopDoWhile && e.loopKind != LoopDoUntil {
		res.AddErrorf(at, schema.ErrCodeDefinition, "unknown loop kind %q", e.loopKind)
	}
}

type foreachEntry struct {
	block       *Block
	concurrency int
}

// Foreach applies the block to every item of its array input, running at
// most concurrency items at a time in consecutive chunks. Values below 1 are
// treated as 1. The entry's output is the array of per-item outputs in input
// order.
func Foreach(b *Block, concurrency int) Entry {
	return &foreachEntry{block: b, concurrency: concurrency}
}

func (e *foreachEntry) validate(res *schema.ValidationResult, at string) {
	e.block.validate(res, at)
}

// EntryInfo is a structural description of an entry tree, used by tooling
// (diagrams, definitions) that needs to walk workflows without access to the
// unexported entry types.
type EntryInfo struct {
	Kind        EntryKind
	Block       *Block
	Children    []EntryInfo // parallel sub-entries or conditional branch targets
	Predicates  []string    // conditional branch predicates, or the loop predicate
	LoopKind    LoopKind
	Concurrency int
}

// Describe returns the structural description of an entry.
func Describe(e Entry) EntryInfo {
	switch entry := e.(type) {
	case *blockEntry:
		return EntryInfo{Kind: KindBlock, Block: entry.block}
	case *parallelEntry:
		info := EntryInfo{Kind: KindParallel}
		for _, sub := range entry.entries {
			info.Children = append(info.Children, Describe(sub))
		}
		return info
	case *conditionalEntry:
		info := EntryInfo{Kind: KindConditional}
		for _, br := range entry.branches {
			info.Predicates = append(info.Predicates, describePredicate(br.When))
			info.Children = append(info.Children, Describe(br.Then))
		}
		return info
	case *loopEntry:
		return EntryInfo{
			Kind:       KindLoop,
			Block:      entry.block,
			LoopKind:   entry.loopKind,
			Predicates: []string{describePredicate(entry.predicate)},
		}
	case *foreachEntry:
		return EntryInfo{Kind: KindForeach, Block: entry.block, Concurrency: entry.concurrency}
	default:
		return EntryInfo{}
	}
}

func describePredicate(p Predicate) string {
	if p == nil {
		return ""
	}
	if s, ok := p.(interface{ String() string }); ok {
		return s.String()
	}
	return "func"
}
