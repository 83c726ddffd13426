package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/fabfab/go-assistant/llm"
)

var ErrUnknownTool = errors.New("unknown tool")

// Handler runs a tool with the model supplied JSON arguments. Its string
// result is handed back to the model verbatim.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

type Tool struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
	Handler     Handler
}

// Registry holds the tools exposed to the model, in registration order.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" || t.Handler == nil {
		return errors.New("register tool: name and handler are required")
	}
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("register tool: %s already registered", t.Name)
	}
	if t.Parameters.Type == "" {
		t.Parameters = noArguments()
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions describes the registered tools to the model.
func (r *Registry) Definitions() []llm.Tool {
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return defs
}

func (r *Registry) Call(ctx context.Context, name, arguments string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args := json.RawMessage(strings.TrimSpace(arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("call %s: arguments are not valid JSON", name)
	}
	return t.Handler(ctx, args)
}

func noArguments() jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Object, Properties: map[string]jsonschema.Definition{}}
}

func decodeArgs(name string, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s arguments: %w", name, err)
	}
	return nil
}
