package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wabot/internal/domain"
	"wabot/internal/metrics"
)

// Results returned to the model instead of errors.
const (
	NotFoundResult = "Function not found"
	ErrorResult    = "An error occurred while executing the function"
)

// Handler runs a tool. Handlers validate their own arguments.
type Handler func(ctx context.Context, args Args, call Call) (string, error)

// Call is the ambient context a handler runs with.
type Call struct {
	ID         string
	Message    domain.InboundMessage
	Device     domain.Device
	Transcript []domain.Message
}

// Tool is a named, schema-described function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
	Handler     Handler
}

// Registry is a fixed catalog of tools. It is immutable after NewRegistry,
// so lookups need no locking.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry builds the catalog. A duplicate or unnamed tool, or one without
// a handler, is a programming error and panics.
func NewRegistry(logger *slog.Logger, tools ...Tool) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		order:  make([]string, 0, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		if t.Name == "" || t.Handler == nil {
			panic(fmt.Sprintf("tool: invalid definition %q", t.Name))
		}
		if _, dup := r.tools[t.Name]; dup {
			panic(fmt.Sprintf("tool: duplicate name %q", t.Name))
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
		logger.Debug("registered tool", "name", t.Name)
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Execute dispatches by name and always returns text for the model. Unknown
// names and handler failures, including panics, map to fixed results.
func (r *Registry) Execute(ctx context.Context, name string, args Args, call Call) (result string) {
	t, ok := r.tools[name]
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name)
		metrics.ToolExecutions.WithLabelValues("unknown", "not_found").Inc()
		return NotFoundResult
	}
	if args == nil {
		args = Args{}
	}

	start := time.Now()
	defer metrics.ObserveSince(metrics.ToolLatency, start)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			metrics.ToolExecutions.WithLabelValues(name, "error").Inc()
			result = ErrorResult
		}
	}()

	r.logger.Debug("executing tool", "tool", name, "args", args.JSON())
	out, err := t.Handler(ctx, args, call)
	if err != nil {
		r.logger.Error("tool failed", "tool", name, "error", err)
		metrics.ToolExecutions.WithLabelValues(name, "error").Inc()
		return ErrorResult
	}
	metrics.ToolExecutions.WithLabelValues(name, "ok").Inc()
	r.logger.Debug("tool completed", "tool", name, "result_len", len(out))
	return out
}

// Definitions returns the catalog in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict,
		})
	}
	return defs
}

func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Format      string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Format != "" {
			prop["format"] = p.Format
		}
		props[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
