// Package tools defines the catalogue of site-analysis tools the model
// may invoke mid-conversation, and the dispatcher that executes them.
// The catalogue is closed: every name offered to the model has a
// registered handler, and unknown names are rejected even though the
// model is only ever shown the declared set.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/anyrxo/seology/internal/llm"
)

// Tool represents one callable tool: a declared input schema and the
// handler that serves it.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     func(ctx context.Context, input map[string]any) (string, error)

	schema *gojsonschema.Schema
}

// Registry holds the declared tool catalogue.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register adds a tool to the catalogue, compiling its input schema.
// Registering two tools under the same name is a programming error.
func (r *Registry) Register(t *Tool) error {
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}

	if t.InputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.tools[t.Name] = t
	return nil
}

// Specs returns the catalogue in the form the model is shown, sorted
// by name so the declaration order is stable across requests.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs one tool by name. Input is validated against the
// declared schema before the handler sees it.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	if tool.schema != nil {
		if input == nil {
			input = map[string]any{}
		}
		result, err := tool.schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return "", fmt.Errorf("validate input for %s: %w", name, err)
		}
		if !result.Valid() {
			return "", fmt.Errorf("invalid input for %s: %s", name, firstValidationError(result))
		}
	}

	return tool.Handler(ctx, input)
}

func firstValidationError(result *gojsonschema.Result) string {
	errs := result.Errors()
	if len(errs) == 0 {
		return "schema violation"
	}
	return errs[0].String()
}
