package tools

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// schemaCache compiles each tool's ParameterSchema once and reuses the
// compiled *jsonschema.Schema for every subsequent call, mirroring the
// gateway's own ws_schema registry (compile on first use, validate
// thereafter against the cached schema).
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if schema, ok := c.compiled[name]; ok {
		return schema, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "tools.schema.compile", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "tools.schema.compile", err)
	}
	c.compiled[name] = schema
	return schema, nil
}

// ValidateArguments checks decoded argument data against the tool's
// registered parameter schema before the handler runs, so malformed
// model-issued arguments surface as a tool_execution error rather than a
// decode panic deep in the handler.
func (r *Registry) ValidateArguments(name string, arguments any) error {
	r.mu.RLock()
	reg, ok := r.registrations[name]
	r.mu.RUnlock()
	if !ok {
		return nexuserrors.Newf(nexuserrors.ToolExecution, "tools.ValidateArguments", "unknown tool %q", name)
	}

	schema, err := r.schemas.compile(name, reg.descriptor.ParameterSchema)
	if err != nil {
		return err
	}

	var decoded any
	switch v := arguments.(type) {
	case string:
		if v == "" {
			decoded = map[string]any{}
		} else if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			return nexuserrors.New(nexuserrors.ToolExecution, "tools.ValidateArguments", err)
		}
	case nil:
		decoded = map[string]any{}
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nexuserrors.New(nexuserrors.ToolExecution, "tools.ValidateArguments", err)
		}
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return nexuserrors.New(nexuserrors.ToolExecution, "tools.ValidateArguments", err)
		}
	}

	if err := schema.Validate(decoded); err != nil {
		return nexuserrors.New(nexuserrors.ToolExecution, "tools.ValidateArguments", err)
	}
	return nil
}
