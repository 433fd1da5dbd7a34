package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// toolHandler implements one tool's behavior. args is the raw JSON
// "arguments" object from the tools/call request.
type toolHandler func(ctx context.Context, s *Server, cc callCtx, args json.RawMessage) (any, error)

type toolDef struct {
	name        string
	description string
	schemaJSON  string // empty means no argument schema
	schema      *jsonschema.Schema
	handler     toolHandler
}

var (
	registryMu sync.Mutex
	registry   = map[string]toolDef{}
)

// registerTool adds a tool to the global registry. Called from package
// init() functions in the tools_*.go files; schemaJSON may be empty for
// tools with no validated arguments.
func registerTool(name, description, schemaJSON string, handler toolHandler) {
	def := toolDef{name: name, description: description, schemaJSON: schemaJSON, handler: handler}
	if schemaJSON != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("toolserver: invalid schema for %s: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		resource := name + ".schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("toolserver: add schema resource for %s: %v", name, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("toolserver: compile schema for %s: %v", name, err))
		}
		def.schema = schema
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = def
}

func lookupTool(name string) (toolDef, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	d, ok := registry[name]
	return d, ok
}

func unmarshalForValidation(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func listToolDescriptors() []toolDescriptor {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]toolDescriptor, 0, len(registry))
	for _, d := range registry {
		var schema json.RawMessage
		if d.schemaJSON != "" {
			schema = json.RawMessage(d.schemaJSON)
		}
		out = append(out, toolDescriptor{Name: d.name, Description: d.description, InputSchema: schema})
	}
	return out
}

// argsOf unmarshals args into dst, tolerating an empty/nil args payload.
func argsOf(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, dst)
}
