package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaCache compiles and caches JSON schema validators. Validators
// are keyed by tool name plus schema digest so a redeclared tool with
// a changed schema gets a fresh validator.
type SchemaCache struct {
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewSchemaCache creates an empty schema cache
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

func cacheKey(name string, schema json.RawMessage) string {
	sum := sha256.Sum256(schema)
	return name + ":" + hex.EncodeToString(sum[:8])
}

func (c *SchemaCache) compiled(spec ToolSpec) (*gojsonschema.Schema, error) {
	key := cacheKey(spec.Name, spec.Schema)

	c.mu.RLock()
	schema, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(spec.Schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for tool %s: %w", spec.Name, err)
	}

	c.mu.Lock()
	c.schemas[key] = schema
	c.mu.Unlock()

	return schema, nil
}

// Validate checks tool arguments against the tool's declared schema
func (c *SchemaCache) Validate(spec ToolSpec, arguments json.RawMessage) error {
	if len(spec.Schema) == 0 {
		return nil
	}

	schema, err := c.compiled(spec)
	if err != nil {
		return err
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(arguments))
	if err != nil {
		return fmt.Errorf("failed to validate arguments for tool %s: %w", spec.Name, err)
	}

	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return fmt.Errorf("invalid arguments for tool %s: %s", spec.Name, strings.Join(issues, "; "))
	}

	return nil
}

// Size returns the number of cached validators
func (c *SchemaCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}
