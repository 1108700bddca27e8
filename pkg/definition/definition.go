// Package definition loads declarative workflow documents (JSON or YAML),
// validates them against an embedded JSON Schema, and resolves them into
// runnable flow entries by looking up block names in a Registry.
package definition

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Expression engine names accepted in predicate definitions.
const (
	EngineExpr = "expr"
	EngineCEL  = "cel"
	EngineJQ   = "jq"
)

// Definition is the declarative form of a workflow: a named, ordered list
// of entry definitions referencing blocks by registered name.
type Definition struct {
	Name     string            `json:"name" yaml:"name"`
	Entries  []EntryDefinition `json:"entries" yaml:"entries"`
	Retry    *RetryDefinition  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EntryDefinition describes one entry in the workflow. Kind selects the
// shape; the remaining fields apply per kind.
type EntryDefinition struct {
	Kind flow.EntryKind `json:"kind" yaml:"kind"`

	// Block names the registered block for the block, loop and foreach
	// kinds.
	Block string `json:"block,omitempty" yaml:"block,omitempty"`

	// Entries are the concurrent sub-entries of a parallel kind.
	Entries []EntryDefinition `json:"entries,omitempty" yaml:"entries,omitempty"`

	// Branches are the positionally paired predicate/entry pairs of a
	// conditional kind.
	Branches []BranchDefinition `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Mode and When configure a loop kind.
	Mode flow.LoopKind        `json:"mode,omitempty" yaml:"mode,omitempty"`
	When *PredicateDefinition `json:"when,omitempty" yaml:"when,omitempty"`

	// Concurrency bounds a foreach kind's chunk size. Defaults to 1.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// BranchDefinition pairs a predicate with the entry taken when it holds.
type BranchDefinition struct {
	When  PredicateDefinition `json:"when" yaml:"when"`
	Entry EntryDefinition     `json:"entry" yaml:"entry"`
}

// PredicateDefinition is an expression predicate in document form. Engine
// defaults to expr.
type PredicateDefinition struct {
	Engine string `json:"engine,omitempty" yaml:"engine,omitempty"`
	Source string `json:"source" yaml:"source"`
}

// RetryDefinition is the run-level retry policy in document form. Delay
// is a Go duration string such as "500ms".
type RetryDefinition struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// ParseJSON decodes a JSON definition document. Unknown fields are
// rejected so typos surface at load time instead of as missing behavior.
func ParseJSON(data []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "invalid JSON definition").WithCause(err)
	}
	return &def, nil
}

// ParseYAML decodes a YAML definition document. Unknown fields are
// rejected.
func ParseYAML(data []byte) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "invalid YAML definition").WithCause(err)
	}
	return &def, nil
}
