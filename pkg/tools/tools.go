// Package tools provides the registry that routes tool calls extracted from
// backend replies to their handlers, and the builtin produce_text and
// save_note handlers.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call is a tool invocation handed to a handler.
type Call struct {
	Tool    string
	Content string
	SkillID string
	// Config is the invoking skill's config map; handlers decode the keys
	// they understand.
	Config map[string]string
}

// Handler executes one kind of tool call.
type Handler interface {
	Execute(ctx context.Context, call Call) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, call Call) error {
	return f(ctx, call)
}

// Describer is implemented by handlers that document themselves.
type Describer interface {
	Description() string
}

// OutputConsumer receives text that should be delivered to the user through
// the plain-content path of the current invocation.
type OutputConsumer interface {
	ConsumeOutput(ctx context.Context, content string) error
}

// ErrUnknownTool matches any UnknownToolError.
var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError is returned when no handler is registered under Name.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Is makes errors.Is(err, ErrUnknownTool) succeed.
func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

var tracer = telemetry.Tracer("skillet.tools")

// Registry maps tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	output   OutputConsumer
}

// NewRegistry creates a registry with produce_text registered against
// output. The registry does not own output.
func NewRegistry(output OutputConsumer) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		output:   output,
	}
	r.Register(ProduceTextToolName, &ProduceTextHandler{output: output})
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the handler registered for call.Tool.
func (r *Registry) Execute(ctx context.Context, call Call) error {
	r.mu.RLock()
	handler, ok := r.handlers[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{Name: call.Tool}
	}

	ctx, span := tracer.Start(
		ctx,
		fmt.Sprintf("tools.execute.%s", call.Tool),
		trace.WithAttributes(
			attribute.String("tool", call.Tool),
			attribute.String("skill_id", call.SkillID),
			attribute.Int("content_length", len(call.Content)),
		),
	)
	defer span.End()

	log := logger.G(ctx).WithField("tool", call.Tool)
	if err := handler.Execute(ctx, call); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		log.WithError(err).Warn("tool execution failed")
		return err
	}

	span.SetStatus(codes.Ok, "")
	log.Debug("tool executed")
	return nil
}

// Payload is the JSON object a backend reply carries to call a tool.
type Payload struct {
	Tool    string `json:"tool" jsonschema:"description=Name of the tool to call"`
	Content string `json:"content" jsonschema:"description=Text handed to the tool"`
}

// Description documents a registered tool.
type Description struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Schema      *jsonschema.Schema `json:"schema"`
}

// GenerateSchema reflects a JSON schema for T without references.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// Describe returns every registered tool with the schema of a payload
// calling it.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Description, 0, len(r.handlers))
	for name, handler := range r.handlers {
		schema := GenerateSchema[Payload]()
		if prop, ok := schema.Properties.Get("tool"); ok {
			prop.Const = name
		}

		d := Description{Name: name, Schema: schema}
		if describer, ok := handler.(Describer); ok {
			d.Description = describer.Description()
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
