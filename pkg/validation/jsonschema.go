package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates values against a JSON Schema (Draft 2020-12). It
// satisfies the flow package's Validator contract: Validate returns the
// JSON-normalized value on success, so downstream blocks always see plain
// maps, slices, strings, float64 numbers, and bools regardless of the Go
// types the producer used.
// Safe for concurrent use.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

// NewSchema compiles the given JSON Schema document. Compiled schemas are
// cached by source text, so repeated construction with the same document is
// cheap.
func NewSchema(schemaJSON []byte) (*Schema, error) {
	compiled, err := sharedCache.getOrCompile(schemaJSON)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}
	return &Schema{source: string(schemaJSON), compiled: compiled}, nil
}

// MustSchema is like NewSchema but panics on compile errors. Intended for
// package-level schema literals.
func MustSchema(schemaJSON string) *Schema {
	s, err := NewSchema([]byte(schemaJSON))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks value against the schema and returns the JSON-normalized
// value. On mismatch it returns a VALIDATION_ERROR with one message per
// violation.
func (s *Schema) Validate(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not JSON-serializable").WithCause(err)
	}

	// The jsonschema library requires json.Number documents.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not valid JSON").WithCause(err)
	}

	if err := s.compiled.Validate(doc); err != nil {
		return nil, toFlowError(err)
	}

	var typed any
	if err := json.Unmarshal(b, &typed); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "value is not valid JSON").WithCause(err)
	}
	return typed, nil
}

// Source returns the schema document this validator was compiled from.
func (s *Schema) Source() string {
	return s.source
}

// --- Compile cache ---

type compileCache struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

var sharedCache = &compileCache{cache: make(map[string]*jsonschema.Schema)}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (c *compileCache) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("kaiban://schema/%d", len(c.cache))

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

// --- Error conversion ---

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one actionable message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
