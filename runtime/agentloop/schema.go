package agentloop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator is the contract spec §9 asks for ("JSON-schema validator as
// ambient library"): compile(schema) -> Validator{validate(value) ->
// {ok, errors?}}. The default implementation wraps
// github.com/santhosh-tekuri/jsonschema/v6, grounded on the teacher's own
// use of that package in registry/service.go's
// validatePayloadJSONAgainstSchema.
type Validator interface {
	Validate(value any) error
}

type compiledValidator struct {
	schema *jsonschema.Schema
}

func (c *compiledValidator) Validate(value any) error {
	return c.schema.Validate(value)
}

// SchemaCache is a process-global compiled-validator cache keyed by the
// schema's canonical JSON bytes, so repeated agent turns against the same
// jsonSchema don't recompile it (spec §5: "the JSON-schema compiled
// validator cache is process-global keyed by serialized schema").
type SchemaCache struct {
	mu    sync.Mutex
	byKey map[string]*compiledValidator
}

// NewSchemaCache constructs an empty SchemaCache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{byKey: make(map[string]*compiledValidator)}
}

// Compile returns a cached Validator for schema, compiling and caching it on
// first use. schema must be a JSON Schema document.
func (c *SchemaCache) Compile(schema json.RawMessage) (Validator, error) {
	key := schemaKey(schema)

	c.mu.Lock()
	if v, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("%s: unmarshal schema: %w", ErrInvalidJSONSchema, err)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := "schema-" + key + ".json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("%s: add schema resource: %w", ErrInvalidJSONSchema, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("%s: compile schema: %w", ErrInvalidJSONSchema, err)
	}
	v := &compiledValidator{schema: compiled}

	c.mu.Lock()
	c.byKey[key] = v
	c.mu.Unlock()
	return v, nil
}

// schemaKey hashes the canonical form of schema: the decoded value
// re-encoded with json.Marshal, which sorts object keys and drops
// insignificant whitespace. Bytes that do not decode are hashed as given.
func schemaKey(schema json.RawMessage) string {
	canonical := []byte(schema)
	var doc any
	if err := json.Unmarshal(schema, &doc); err == nil {
		if b, err := json.Marshal(doc); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ValidateAgainstSchema decodes payload as JSON and validates it against
// the compiled schema, returning an INVALID_AGENT_JSON_OUTPUT-prefixed error
// on mismatch (spec §4.5.3 step 8).
func ValidateAgainstSchema(v Validator, payload json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%s: %w", ErrInvalidAgentJSONOutput, err)
	}
	if err := v.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", ErrInvalidAgentJSONOutput, err)
	}
	return nil
}
