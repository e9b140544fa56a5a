package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Content is the text placed in the tool message for this result.
func (r ToolResult) Content() string {
	if r.Success {
		return r.Output
	}
	if r.Output == "" {
		return "ERROR: " + r.Error
	}
	return "ERROR: " + r.Error + "\n" + r.Output
}

func succeed(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}

func fail(format string, a ...interface{}) ToolResult {
	return ToolResult{Error: fmt.Sprintf(format, a...)}
}

// ToolContext is what a tool sees of the session.
type ToolContext struct {
	WorkingDir string
	Env        ExecutionEnvironment
}

// Resolve maps a tool path argument onto the working directory.
func (tc ToolContext) Resolve(path string) string {
	return resolvePath(tc.WorkingDir, path)
}

// ToolExecutor runs a tool against raw JSON arguments.
type ToolExecutor func(ctx context.Context, tc ToolContext, arguments json.RawMessage) ToolResult

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	Executor   ToolExecutor
}

// NewTool declares a tool whose arguments decode into A. The JSON schema is
// derived from A's fields: the json tag names the property, desc describes
// it, and required:"true" marks it required. Fields absent from a call keep
// their value in defaults.
func NewTool[A any](name, description string, defaults A, run func(ctx context.Context, tc ToolContext, args A) ToolResult) RegisteredTool {
	fields := argumentFields(reflect.TypeOf(defaults))
	return RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  argumentSchema(fields),
		},
		Executor: func(ctx context.Context, tc ToolContext, raw json.RawMessage) ToolResult {
			args := defaults
			if missing := decodeArguments(raw, fields, &args); missing != "" {
				return fail("`%s` is required", missing)
			}
			return run(ctx, tc, args)
		},
	}
}

type argumentField struct {
	index    int
	name     string
	desc     string
	kind     reflect.Kind
	required bool
}

func argumentFields(t reflect.Type) []argumentField {
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var fields []argumentField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields = append(fields, argumentField{
			index:    i,
			name:     name,
			desc:     f.Tag.Get("desc"),
			kind:     f.Type.Kind(),
			required: f.Tag.Get("required") == "true",
		})
	}
	return fields
}

func argumentSchema(fields []argumentField) map[string]interface{} {
	properties := make(map[string]interface{}, len(fields))
	required := []string{}
	for _, f := range fields {
		prop := map[string]interface{}{"type": schemaType(f.kind)}
		if f.desc != "" {
			prop["description"] = f.desc
		}
		properties[f.name] = prop
		if f.required {
			required = append(required, f.name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func schemaType(k reflect.Kind) string {
	switch k {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice:
		return "array"
	default:
		return "string"
	}
}

// decodeArguments overlays raw onto args field by field. Text that is not a
// JSON object leaves every default in place; a field whose value has the
// wrong type keeps its default. It returns the name of the first required
// field that is absent or unusable.
func decodeArguments(raw json.RawMessage, fields []argumentField, args interface{}) string {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		values = nil
	}

	v := reflect.ValueOf(args).Elem()
	for _, f := range fields {
		value, present := values[f.name]
		decoded := false
		if present && string(value) != "null" {
			target := reflect.New(v.Field(f.index).Type())
			if err := json.Unmarshal(value, target.Interface()); err == nil {
				v.Field(f.index).Set(target.Elem())
				decoded = true
			}
		}
		if f.required && !decoded {
			return f.name
		}
	}
	return ""
}

// ToolRegistry is an ordered table of tools.
type ToolRegistry struct {
	tools []*RegisteredTool
	index map[string]int
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{index: make(map[string]int)}
}

// Register adds a tool, or replaces one with the same name in place.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, exists := r.index[tool.Definition.Name]; exists {
		r.tools[i] = &tool
		return
	}
	r.index[tool.Definition.Name] = len(r.tools)
	r.tools = append(r.tools, &tool)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, exists := r.index[name]; exists {
		return r.tools[i]
	}
	return nil
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, len(r.tools))
	for i, tool := range r.tools {
		defs[i] = tool.Definition
	}
	return defs
}

// Names returns the names of all registered tools in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.tools))
	for i, tool := range r.tools {
		names[i] = tool.Definition.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Dispatcher executes tool calls by name. Execute never panics and never
// returns an error: every failure becomes an unsuccessful ToolResult.
type Dispatcher struct {
	registry *ToolRegistry
	env      ExecutionEnvironment
}

// NewDispatcher creates a Dispatcher over registry. A nil env runs commands
// on the local machine.
func NewDispatcher(registry *ToolRegistry, env ExecutionEnvironment) *Dispatcher {
	if env == nil {
		env = NewLocalExecutionEnvironment()
	}
	return &Dispatcher{registry: registry, env: env}
}

// NewDefaultDispatcher creates a Dispatcher with the standard tool set.
func NewDefaultDispatcher() *Dispatcher {
	return NewDispatcher(DefaultToolRegistry(), nil)
}

// Definitions returns the tool definitions advertised to the model.
func (d *Dispatcher) Definitions() []unifiedllm.ToolDefinition {
	return d.registry.Definitions()
}

// Execute runs the named tool with JSON arguments in workingDir.
func (d *Dispatcher) Execute(ctx context.Context, name, arguments, workingDir string) (result ToolResult) {
	tool := d.registry.Get(name)
	if tool == nil {
		return fail("Unknown tool: %s", name)
	}

	defer func() {
		if r := recover(); r != nil {
			result = fail("tool %s panicked: %v", name, r)
		}
	}()

	return tool.Executor(ctx, ToolContext{WorkingDir: workingDir, Env: d.env}, json.RawMessage(arguments))
}

// DefaultToolRegistry returns a registry holding every built-in tool.
func DefaultToolRegistry() *ToolRegistry {
	r := NewToolRegistry()
	RegisterCoreTools(r)
	RegisterSearchTools(r)
	RegisterGitTools(r)
	return r
}
