// Package tools implements a tool-call dispatcher: callables are registered
// once, a JSON Schema parameter descriptor is derived from that single
// registration via reflection, and every call thereafter is dispatched
// against the cached descriptor rather than by reflecting on the callable
// again.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// Descriptor is the static, LLM-facing shape of a registered tool.
type Descriptor struct {
	Name        string
	Description string
	// ParameterSchema is a JSON Schema document: { properties: {...}, required: [...] }.
	ParameterSchema json.RawMessage
}

// Handler is the canonical signature every registered callable must satisfy.
// params is a pointer to a struct describing the tool's arguments, tagged
// with `json:"name"` per field and optionally `desc:"..."` for the
// parameter's schema description and `default:"..."` to mark it optional.
type Handler func(ctx context.Context, params any) (any, error)

type registration struct {
	descriptor Descriptor
	handler    Handler
	paramType  reflect.Type // the concrete struct type params decodes into
}

// fieldSchema parses a single struct field into a JSON Schema property plus
// whether the field is required.
type fieldSchema struct {
	jsonType    string
	description string
	required    bool
}

// goKindToJSONType maps a struct field's Go kind to the JSON Schema type
// vocabulary the spec names, defaulting unrecognized kinds to "string".
func goKindToJSONType(t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "string"
	}
}

// deriveSchema reflects over paramType's exported fields and produces a
// JSON Schema object document. Called once, at Register time.
func deriveSchema(paramType reflect.Type, paramDocs map[string]string) (json.RawMessage, error) {
	for paramType.Kind() == reflect.Ptr {
		paramType = paramType.Elem()
	}
	if paramType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("tool parameters must be a struct, got %s", paramType.Kind())
	}

	properties := make(map[string]map[string]any)
	var required []string

	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] != "" && parts[0] != "-" {
				name = parts[0]
			}
		}

		prop := map[string]any{"type": goKindToJSONType(field.Type)}
		description := field.Tag.Get("desc")
		if description == "" {
			description = paramDocs[name]
		}
		if description != "" {
			prop["description"] = description
		}
		properties[name] = prop

		_, hasDefault := field.Tag.Lookup("default")
		isOptional := field.Type.Kind() == reflect.Ptr || hasDefault
		if !isOptional {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// parseDoc splits a docstring into its lead description (the text above an
// "Args:" or "Parameters:" marker) and a map of per-parameter descriptions
// parsed from "name: description" lines below that marker.
func parseDoc(doc string) (description string, paramDocs map[string]string) {
	paramDocs = make(map[string]string)
	lines := strings.Split(doc, "\n")

	markerIdx := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "Args:" || trimmed == "Parameters:" {
			markerIdx = i
			break
		}
	}

	if markerIdx == -1 {
		return strings.TrimSpace(doc), paramDocs
	}

	description = strings.TrimSpace(strings.Join(lines[:markerIdx], "\n"))
	for _, line := range lines[markerIdx+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		name, rest, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(strings.Fields(name)[0])
		paramDocs[name] = strings.TrimSpace(rest)
	}
	return description, paramDocs
}

// errNotStructPointer is returned when Register is given a params type that
// is not a pointer to a struct.
var errNotStructPointer = nexuserrors.New(nexuserrors.Configuration, "tools.descriptor", fmt.Errorf("params must be a pointer to a struct"))
