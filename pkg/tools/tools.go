// Package tools implements the typed tools a chat turn can invoke and
// the dispatcher that routes model tool calls to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/pkg/llms"
	"github.com/loomhq/loom/pkg/observability"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/stream"
)

// Turn carries the per-turn state tools operate against.
type Turn struct {
	UserID string
	ChatID string
	Sink   stream.Sink
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Call(ctx context.Context, turn Turn, args map[string]any) (any, error)
}

// Config defines a function tool.
type Config struct {
	Name        string
	Description string
}

// New creates a Tool from a typed function. Args is a struct whose json
// and jsonschema tags define the parameter schema.
func New[Args any](cfg Config, fn func(ctx context.Context, turn Turn, args Args) (any, error)) (Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{config: cfg, fn: fn, schema: schema}, nil
}

type functionTool[Args any] struct {
	config Config
	fn     func(ctx context.Context, turn Turn, args Args) (any, error)
	schema map[string]any
}

func (t *functionTool[Args]) Name() string           { return t.config.Name }
func (t *functionTool[Args]) Description() string    { return t.config.Description }
func (t *functionTool[Args]) Schema() map[string]any { return t.schema }

func (t *functionTool[Args]) Call(ctx context.Context, turn Turn, args map[string]any) (any, error) {
	var typedArgs Args
	if err := mapToStruct(args, &typedArgs); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, turn, typedArgs)
}

// Dispatcher routes tool calls by name. Tool failure is reported as an
// error-flagged result so the model can react; it never fails the turn.
type Dispatcher struct {
	tools  *registry.BaseRegistry[Tool]
	logger *slog.Logger
}

func NewDispatcher(tools ...Tool) (*Dispatcher, error) {
	d := &Dispatcher{
		tools:  registry.NewBaseRegistry[Tool](),
		logger: slog.Default().With("component", "tools"),
	}
	for _, t := range tools {
		if err := d.tools.Register(t.Name(), t); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Definitions returns the tool surface advertised to the model.
func (d *Dispatcher) Definitions() []llms.ToolDefinition {
	items := d.tools.List()
	defs := make([]llms.ToolDefinition, 0, len(items))
	for _, t := range items {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// Dispatch executes one tool call and returns its result part.
func (d *Dispatcher) Dispatch(ctx context.Context, turn Turn, call protocol.ToolCallPart) protocol.ToolResultPart {
	tracer := observability.GetTracer("loom.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolCall,
		trace.WithAttributes(attribute.String(observability.AttrToolName, call.Name)),
	)
	defer span.End()

	result := protocol.ToolResultPart{
		ToolCallID: call.ToolCallID,
		Name:       call.Name,
	}

	t, ok := d.tools.Get(call.Name)
	if !ok {
		err := fmt.Errorf("unknown tool: %s", call.Name)
		d.logger.Warn("tool call rejected", "tool", call.Name, "error", err)
		span.SetStatus(codes.Error, err.Error())
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordToolCall(call.Name, err)
		}
		result.IsError = true
		result.Result = map[string]any{"error": err.Error()}
		return result
	}

	out, err := t.Call(ctx, turn, call.Args)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordToolCall(call.Name, err)
	}
	if err != nil {
		d.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result.IsError = true
		result.Result = map[string]any{"error": err.Error()}
		return result
	}

	span.SetStatus(codes.Ok, "success")
	result.Result = out
	return result
}
