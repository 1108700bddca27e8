package definition

import (
	"fmt"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
	"github.com/kaiban-ai/kaiban-go/pkg/validation"
)

// definitionSchemaJSON is the JSON Schema every definition document must
// satisfy before the semantic checks run. Embedded as a constant to avoid
// filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "entries"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "entries": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/entry" }
    },
    "retry": { "$ref": "#/$defs/retry" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "entry": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["block", "parallel", "conditional", "loop", "foreach"]
        },
        "block": { "type": "string", "minLength": 1 },
        "entries": {
          "type": "array",
          "items": { "$ref": "#/$defs/entry" }
        },
        "branches": {
          "type": "array",
          "items": { "$ref": "#/$defs/branch" }
        },
        "mode": { "type": "string", "enum": ["dowhile", "dountil"] },
        "when": { "$ref": "#/$defs/predicate" },
        "concurrency": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "required": ["kind"], "properties": { "kind": { "const": "block" } } },
          "then": { "required": ["block"] }
        },
        {
          "if": { "required": ["kind"], "properties": { "kind": { "const": "parallel" } } },
          "then": { "required": ["entries"], "properties": { "entries": { "minItems": 1 } } }
        },
        {
          "if": { "required": ["kind"], "properties": { "kind": { "const": "conditional" } } },
          "then": { "required": ["branches"], "properties": { "branches": { "minItems": 1 } } }
        },
        {
          "if": { "required": ["kind"], "properties": { "kind": { "const": "loop" } } },
          "then": { "required": ["block", "mode", "when"] }
        },
        {
          "if": { "required": ["kind"], "properties": { "kind": { "const": "foreach" } } },
          "then": { "required": ["block"] }
        }
      ]
    },
    "branch": {
      "type": "object",
      "required": ["when", "entry"],
      "properties": {
        "when": { "$ref": "#/$defs/predicate" },
        "entry": { "$ref": "#/$defs/entry" }
      },
      "additionalProperties": false
    },
    "predicate": {
      "type": "object",
      "required": ["source"],
      "properties": {
        "engine": { "type": "string", "enum": ["expr", "cel", "jq"] },
        "source": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["attempts"],
      "properties": {
        "attempts": { "type": "integer", "minimum": 0 },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

var definitionSchema = validation.MustSchema(definitionSchemaJSON)

// Validate checks a definition in two stages: structurally against the
// embedded JSON Schema, then semantically (block references resolve in
// the registry, no block name shadows the reserved input key, duplicate
// names are flagged). reg may be nil to skip the registration lookups.
// Structural errors short-circuit the semantic stage.
func Validate(def *Definition, reg *Registry) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is nil")
		return result
	}

	result.Merge(validateStructural(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, reg))
	return result
}

// validateStructural runs the embedded JSON Schema and converts its
// violations into per-issue errors.
func validateStructural(def *Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	_, err := definitionSchema.Validate(def)
	if err == nil {
		return result
	}

	fe := schema.AsFlowError(err, schema.ErrCodeValidation)
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

// validateSemantic walks the entry tree checking every block reference.
func validateSemantic(def *Definition, reg *Registry) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	uses := make(map[string]string)
	for i := range def.Entries {
		checkEntry(&def.Entries[i], fmt.Sprintf("entries[%d]", i), reg, uses, result)
	}
	return result
}

func checkEntry(ed *EntryDefinition, at string, reg *Registry, uses map[string]string, result *schema.ValidationResult) {
	switch ed.Kind {
	case flow.KindBlock, flow.KindLoop, flow.KindForeach:
		checkBlockRef(ed.Block, at+".block", reg, uses, result)
	case flow.KindParallel:
		for i := range ed.Entries {
			checkEntry(&ed.Entries[i], fmt.Sprintf("%s.entries[%d]", at, i), reg, uses, result)
		}
	case flow.KindConditional:
		for i := range ed.Branches {
			checkEntry(&ed.Branches[i].Entry, fmt.Sprintf("%s.branches[%d].entry", at, i), reg, uses, result)
		}
	}
}

// checkBlockRef validates a single block-name reference. A name reused
// across entries is a warning, not an error: results are recorded per
// execution path, only the id-keyed steps view coalesces them.
func checkBlockRef(name, at string, reg *Registry, uses map[string]string, result *schema.ValidationResult) {
	if name == flow.InputKey {
		result.AddErrorf(at, schema.ErrCodeDefinition,
			"block name %q is reserved for the workflow input", flow.InputKey)
		return
	}
	if reg != nil && !reg.Has(name) {
		result.AddErrorf(at, schema.ErrCodeNotFound, "block %q not registered", name)
	}
	if first, dup := uses[name]; dup {
		result.AddWarning(at, schema.ErrCodeDefinition,
			fmt.Sprintf("block %q also used at %s; the two share one key in the steps view", name, first))
		return
	}
	uses[name] = at
}
