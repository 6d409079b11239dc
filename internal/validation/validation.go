// Package validation checks opaque JSON payloads — Task.result,
// Message.payload, ChangeLogEntry.payload — against a per-type JSON
// Schema at the boundaries that accept them: the C2/C6 write path and
// the C11 SyncEngine pull path. Grounded on the teacher's
// internal/engine/structured.go StructuredValidator, narrowed from
// "validate and extract JSON out of an LLM's free-text response" (out of
// scope once agent worker bodies are out of scope) to "validate an
// already-decoded JSON payload against a registered schema".
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/coordplane/internal/errcode"
)

// Error describes a schema validation failure. Wrapped as an
// errcode.ConstraintViolation by Registry.Validate since the closed error
// code set has no dedicated validation code.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Registry holds compiled schemas keyed by a caller-chosen kind (e.g.
// "task.result", "message.payload", a specific task Type). A kind with no
// registered schema is treated as unvalidated and always passes —
// schemas are opt-in per kind, not mandatory for every payload.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	raw     map[string]json.RawMessage
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		raw:     make(map[string]json.RawMessage),
	}
}

// Register compiles schemaJSON and binds it to kind, replacing any
// previously registered schema for that kind.
func (r *Registry) Register(kind string, schemaJSON json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
	}
	c := jsonschema.NewCompiler()
	resourceID := "schema-" + kind + ".json"
	if err := c.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[kind] = schema
	r.raw[kind] = schemaJSON
	return nil
}

// Has reports whether a schema is registered for kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[kind]
	return ok
}

// SchemaJSON returns the raw schema registered for kind, for provider-side
// injection, and whether one is registered at all.
func (r *Registry) SchemaJSON(kind string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.raw[kind]
	return raw, ok
}

// Validate checks payload against kind's registered schema. Returns nil
// if no schema is registered for kind, or if payload is empty (an absent
// opaque blob is always valid). On failure, returns an *errcode.Error
// wrapping a *validation.Error with ConstraintViolation.
func (r *Registry) Validate(kind string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return errcode.New(errcode.ConstraintViolation, "payload is not valid JSON",
			&Error{Kind: kind, Message: err.Error()})
	}
	if err := schema.Validate(parsed); err != nil {
		return errcode.New(errcode.ConstraintViolation, "payload failed schema validation",
			&Error{Kind: kind, Message: err.Error()})
	}
	return nil
}
