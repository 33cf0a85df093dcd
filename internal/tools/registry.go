package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// Registry holds every registered tool's descriptor and handler.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]registration
	schemas       *schemaCache
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]registration),
		schemas:       newSchemaCache(),
	}
}

// Register derives a Descriptor from paramsPrototype (a pointer to the
// handler's parameter struct, used only to read its type) and doc (a
// docstring-shaped description), then binds name to handler. Schema
// derivation runs exactly once, here; every later call against this tool
// consults only the cached Descriptor.
func (r *Registry) Register(name string, handler Handler, paramsPrototype any, doc string) error {
	paramType := reflect.TypeOf(paramsPrototype)
	if paramType == nil || paramType.Kind() != reflect.Ptr || paramType.Elem().Kind() != reflect.Struct {
		return errNotStructPointer
	}

	description, paramDocs := parseDoc(doc)
	schema, err := deriveSchema(paramType, paramDocs)
	if err != nil {
		return nexuserrors.New(nexuserrors.Configuration, "tools.Register", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[name] = registration{
		descriptor: Descriptor{Name: name, Description: description, ParameterSchema: schema},
		handler:    handler,
		paramType:  paramType.Elem(),
	}
	return nil
}

// Unregister removes a tool by name. A no-op if name isn't registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registrations, name)
}

// ToolSchemas returns every registered Descriptor, in the shape the LLM
// gateway expects to see.
func (r *Registry) ToolSchemas() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.registrations))
	for _, reg := range r.registrations {
		out = append(out, reg.descriptor)
	}
	return out
}

// Call is one tool invocation request: a call id, the tool name, and its
// arguments either as a JSON text or an already-decoded value.
type Call struct {
	ID        string
	Name      string
	Arguments any
}

// Result is the outcome of one Execute, discriminated by Success. A nil
// Value on a successful call is preserved (Value is an any, and an untyped
// nil is a valid, meaningful result), never collapsed into an error.
type Result struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Value   any    `json:"value,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Execute looks up call.Name, decodes call.Arguments into the registered
// parameter type, and invokes the handler. Errors — unknown tool, bad
// arguments, or a handler error — are captured into Result, never returned
// as a Go error: callers always get a Result back.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	r.mu.RLock()
	reg, ok := r.registrations[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{Success: false, CallID: call.ID, Name: call.Name, Err: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if err := r.ValidateArguments(call.Name, call.Arguments); err != nil {
		return Result{Success: false, CallID: call.ID, Name: call.Name, Err: err.Error()}
	}

	params, err := decodeArguments(call.Arguments, reg.paramType)
	if err != nil {
		return Result{Success: false, CallID: call.ID, Name: call.Name, Err: err.Error()}
	}

	value, err := reg.handler(ctx, params)
	if err != nil {
		return Result{Success: false, CallID: call.ID, Name: call.Name, Err: err.Error()}
	}
	return Result{Success: true, CallID: call.ID, Name: call.Name, Value: value}
}

// ProcessBatch executes calls in order, synchronously, returning one Result
// per call. A handler panic is not recovered here: handlers are expected to
// report failure through their error return, per Execute's contract.
func (r *Registry) ProcessBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	for i, call := range calls {
		results[i] = r.Execute(ctx, call)
	}
	return results
}

// decodeArguments accepts either a JSON-text string or an already-decoded
// value and unmarshals it into a new instance of paramType.
func decodeArguments(arguments any, paramType reflect.Type) (any, error) {
	ptr := reflect.New(paramType)

	var raw []byte
	switch v := arguments.(type) {
	case nil:
		raw = []byte("{}")
	case string:
		if v == "" {
			raw = []byte("{}")
		} else {
			raw = []byte(v)
		}
	case json.RawMessage:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments: %w", err)
		}
		raw = encoded
	}

	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	return ptr.Interface(), nil
}
