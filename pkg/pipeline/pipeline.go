// Package pipeline runs a skill: it builds the prompt, calls the backend,
// extracts an optional tool call and routes the result to the UI callbacks.
package pipeline

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jingkaihe/skillet/pkg/backend"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/jingkaihe/skillet/pkg/template"
	"github.com/jingkaihe/skillet/pkg/tools"
	"github.com/jingkaihe/skillet/pkg/types/behavior"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("skillet.pipeline")

// State is a step of an invocation.
type State string

const (
	StateStart               State = "start"
	StateContextResolved     State = "context_resolved"
	StatePromptBuilt         State = "prompt_built"
	StateBackendResponded    State = "backend_responded"
	StateToolExtracted       State = "tool_extracted"
	StatePlainText           State = "plain_text"
	StateDispatched          State = "dispatched"
	StateToolNotAllowed      State = "tool_not_allowed"
	StateToolExecutionFailed State = "tool_execution_failed"
	StateFallbackOrError     State = "fallback_or_error"
)

// Routes a result can take.
const (
	RouteDirectOutput = "direct_output"
	RouteRewrite      = "rewrite"
	RouteCard         = "card"
	RouteError        = "error"
	RouteTool         = "tool"
)

// Context value keys available to system prompt templates.
const (
	ContextUserProfile  = "user_profile"
	ContextSelectedText = "selected_text"
)

// ContextDetector decides how the result of an invocation is delivered.
type ContextDetector interface {
	Detect(ctx context.Context) behavior.Behavior
}

// DetectorFunc adapts a function to ContextDetector.
type DetectorFunc func(ctx context.Context) behavior.Behavior

func (f DetectorFunc) Detect(ctx context.Context) behavior.Behavior { return f(ctx) }

// FixedBehavior returns a detector that always reports b.
func FixedBehavior(b behavior.Behavior) ContextDetector {
	return DetectorFunc(func(context.Context) behavior.Behavior { return b })
}

// ProfileProvider supplies the user profile excerpt injected into prompts.
type ProfileProvider interface {
	Profile(ctx context.Context) (string, error)
}

// Outcome records what happened during an invocation.
type Outcome struct {
	InvocationID string
	SkillID      string
	Behavior     behavior.Behavior
	States       []State
	Terminal     State
	Reply        string
	ToolCall     *ToolInvocation
	// Route is where the result went; tool routes are "tool:<name>".
	Route     string
	Delivered string
	ToolErr   error
	Err       error
}

// Visited reports whether the invocation passed through s.
func (o *Outcome) Visited(s State) bool {
	for _, v := range o.States {
		if v == s {
			return true
		}
	}
	return false
}

// Pipeline executes skill invocations.
type Pipeline struct {
	backend    backend.Client
	callbacks  Callbacks
	detector   ContextDetector
	profiles   ProfileProvider
	dispatcher Dispatcher
	registry   *tools.Registry
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDetector sets the context detector. Defaults to direct output.
func WithDetector(d ContextDetector) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.detector = d
		}
	}
}

// WithProfileProvider sets where the user profile is read from.
func WithProfileProvider(pp ProfileProvider) Option {
	return func(p *Pipeline) { p.profiles = pp }
}

// WithDispatcher sets the dispatcher callbacks run on. Defaults to SyncDispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.dispatcher = d
		}
	}
}

// WithNoteSink registers the save_note tool backed by sink.
func WithNoteSink(sink tools.NoteSink) Option {
	return func(p *Pipeline) {
		p.registry.Register(tools.SaveNoteToolName, tools.NewSaveNoteHandler(sink))
	}
}

// WithTool registers an additional tool handler.
func WithTool(name string, handler tools.Handler) Option {
	return func(p *Pipeline) { p.registry.Register(name, handler) }
}

// New creates a pipeline. The tool registry uses the pipeline as the
// produce_text consumer.
func New(client backend.Client, callbacks Callbacks, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:    client,
		callbacks:  callbacks,
		detector:   FixedBehavior(behavior.DirectOutput()),
		dispatcher: SyncDispatcher{},
	}
	if p.callbacks == nil {
		p.callbacks = CallbackFuncs{}
	}
	p.registry = tools.NewRegistry(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the tool registry used for dispatch.
func (p *Pipeline) Registry() *tools.Registry {
	return p.registry
}

type invocationKey struct{}

type invocation struct {
	def       *skills.Definition
	utterance string
	behavior  behavior.Behavior
	outcome   *Outcome
	fallback  string
}

// Invoke runs def for the utterance, detecting the behavior from context.
func (p *Pipeline) Invoke(ctx context.Context, def *skills.Definition, utterance string) *Outcome {
	return p.run(ctx, def, utterance, p.detector)
}

// InvokeWithBehavior runs def with a behavior chosen by the caller.
func (p *Pipeline) InvokeWithBehavior(ctx context.Context, def *skills.Definition, utterance string, b behavior.Behavior) *Outcome {
	return p.run(ctx, def, utterance, FixedBehavior(b))
}

func (p *Pipeline) run(ctx context.Context, def *skills.Definition, utterance string, detector ContextDetector) *Outcome {
	out := &Outcome{InvocationID: uuid.NewString(), SkillID: def.ID}

	ctx = logger.WithFields(ctx, logrus.Fields{
		"invocation_id": out.InvocationID,
		"skill_id":      def.ID,
	})
	ctx, span := tracer.Start(ctx, "pipeline.invoke", trace.WithAttributes(
		attribute.String("invocation.id", out.InvocationID),
		attribute.String("skill.id", def.ID),
	))
	defer span.End()

	inv := &invocation{def: def, utterance: utterance, outcome: out}
	ctx = context.WithValue(ctx, invocationKey{}, inv)

	enter(ctx, out, StateStart)

	inv.behavior = detector.Detect(ctx)
	out.Behavior = inv.behavior
	span.SetAttributes(attribute.String("behavior", inv.behavior.Tag()))
	enter(ctx, out, StateContextResolved)

	req := p.buildRequest(ctx, def, utterance, inv.behavior)
	enter(ctx, out, StatePromptBuilt)

	reply, err := p.backend.Generate(ctx, req)
	enter(ctx, out, StateBackendResponded)
	if err != nil {
		p.recoverBackendFailure(ctx, inv, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out
	}
	out.Reply = reply

	call, ok := ParseToolCall(reply)
	if !ok {
		enter(ctx, out, StatePlainText)
		p.deliver(ctx, inv, strings.TrimSpace(reply))
		enter(ctx, out, StateDispatched)
		p.finish(ctx, out)
		span.SetStatus(codes.Ok, "")
		return out
	}

	out.ToolCall = &call
	enter(ctx, out, StateToolExtracted)
	p.dispatchTool(ctx, inv, call)
	p.finish(ctx, out)
	span.SetStatus(codes.Ok, "")
	return out
}

func (p *Pipeline) buildRequest(ctx context.Context, def *skills.Definition, utterance string, b behavior.Behavior) backend.Request {
	contextValues := map[string]string{
		ContextUserProfile:  p.profile(ctx),
		ContextSelectedText: b.SelectedText(),
	}

	message := utterance
	if b.HasSelection() {
		message = "Instruction:\n" + utterance + "\n\nSelected text:\n" + b.SelectedText()
	}

	return backend.Request{
		SystemPrompt: template.Resolve(def.SystemPromptTemplate, def.Config, contextValues),
		Message:      message,
		Behavior:     b,
	}
}

func (p *Pipeline) profile(ctx context.Context) string {
	if p.profiles == nil {
		return ""
	}
	profile, err := p.profiles.Profile(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Debug("user profile unavailable, continuing without it")
		return ""
	}
	return profile
}

func (p *Pipeline) dispatchTool(ctx context.Context, inv *invocation, call ToolInvocation) {
	out := inv.outcome
	log := logger.G(ctx).WithField("tool", call.Tool)
	telemetry.SetAttributes(ctx, attribute.String("tool.name", call.Tool))

	if !inv.def.AllowsTool(call.Tool) {
		log.Warn("tool not allowed for skill, delivering content as text")
		enter(ctx, out, StateToolNotAllowed)
		inv.fallback = "tool_not_allowed"
		p.fallbackToText(ctx, inv, call.Content)
		return
	}

	err := p.registry.Execute(ctx, tools.Call{
		Tool:    call.Tool,
		Content: call.Content,
		SkillID: inv.def.ID,
		Config:  inv.def.Config,
	})
	if err != nil {
		log.WithError(err).Warn("tool execution failed, delivering content as text")
		telemetry.RecordError(ctx, err)
		out.ToolErr = err
		enter(ctx, out, StateToolExecutionFailed)
		inv.fallback = "tool_execution_failed"
		p.fallbackToText(ctx, inv, call.Content)
		return
	}

	if out.Route == "" {
		out.Route = RouteTool + ":" + call.Tool
	}
	enter(ctx, out, StateDispatched)
}

func (p *Pipeline) fallbackToText(ctx context.Context, inv *invocation, content string) {
	enter(ctx, inv.outcome, StatePlainText)
	p.deliver(ctx, inv, content)
	enter(ctx, inv.outcome, StateDispatched)
}

// ConsumeOutput routes produce_text content of the current invocation.
func (p *Pipeline) ConsumeOutput(ctx context.Context, content string) error {
	inv, ok := ctx.Value(invocationKey{}).(*invocation)
	if !ok {
		return errors.New("no invocation in progress")
	}
	p.deliver(ctx, inv, content)
	return nil
}

// deliver routes plain content by behavior.
func (p *Pipeline) deliver(ctx context.Context, inv *invocation, text string) {
	out := inv.outcome
	out.Delivered = text

	switch inv.behavior.Kind() {
	case behavior.KindDirectOutput:
		out.Route = RouteDirectOutput
		p.dispatcher.Dispatch(func() { p.callbacks.DirectOutput(text) })
	case behavior.KindRewrite:
		out.Route = RouteRewrite
		p.dispatcher.Dispatch(func() { p.callbacks.Rewrite(text) })
	default:
		out.Route = RouteCard
		card := Card{
			Result:      text,
			Utterance:   inv.utterance,
			Definition:  inv.def,
			Behavior:    inv.behavior,
			Diagnostics: p.diagnostics(inv),
		}
		p.dispatcher.Dispatch(func() { p.callbacks.Card(card) })
	}

	logger.G(ctx).WithField("route", out.Route).Debug("delivered result")
}

func (p *Pipeline) diagnostics(inv *invocation) map[string]string {
	d := map[string]string{
		"invocation_id": inv.outcome.InvocationID,
		"behavior":      inv.behavior.Tag(),
	}
	if inv.outcome.ToolCall != nil {
		d["tool"] = inv.outcome.ToolCall.Tool
	}
	if inv.fallback != "" {
		d["fallback"] = inv.fallback
	}
	if inv.outcome.ToolErr != nil {
		d["tool_error"] = inv.outcome.ToolErr.Error()
	}
	return d
}

func (p *Pipeline) recoverBackendFailure(ctx context.Context, inv *invocation, err error) {
	out := inv.outcome
	out.Err = err
	enter(ctx, out, StateFallbackOrError)

	log := logger.G(ctx).WithError(err)
	switch inv.behavior.Kind() {
	case behavior.KindDirectOutput, behavior.KindRewrite:
		log.Warn("backend failed, delivering the original utterance")
		p.deliver(ctx, inv, inv.utterance)
	default:
		log.Error("backend failed")
		out.Route = RouteError
		failure := Failure{
			Utterance:  inv.utterance,
			Definition: inv.def,
			Behavior:   inv.behavior,
			Err:        err,
		}
		p.dispatcher.Dispatch(func() { p.callbacks.Error(failure) })
	}
	out.Terminal = StateFallbackOrError
}

func (p *Pipeline) finish(ctx context.Context, out *Outcome) {
	out.Terminal = StateDispatched
	logger.G(ctx).WithFields(logrus.Fields{
		"route":  out.Route,
		"states": len(out.States),
	}).Info("skill invocation finished")
}

func enter(ctx context.Context, out *Outcome, s State) {
	out.States = append(out.States, s)
	telemetry.AddEvent(ctx, "state."+string(s))
	logger.G(ctx).WithField("state", string(s)).Debug("pipeline state")
}
