package hooks

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/hooks"

// Handler reacts to a hook event.
type Handler interface {
	Handle(ctx context.Context, p Payload) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p Payload) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, p Payload) (Result, error) { return f(ctx, p) }

// Registration binds a handler to an event.
type Registration struct {
	Name    string
	Matcher string
	Handler Handler

	re *regexp.Regexp
}

// Matches reports whether the registration applies to subject.
func (r Registration) Matches(subject string) bool {
	return r.re == nil || r.re.MatchString(subject)
}

// Option configures a Registration.
type Option func(*Registration)

// WithName names the handler in logs, metrics, and blocking reasons.
func WithName(name string) Option {
	return func(r *Registration) { r.Name = name }
}

// WithMatcher restricts the handler to subjects fully matching pattern.
// "" and "*" match everything.
func WithMatcher(pattern string) Option {
	return func(r *Registration) { r.Matcher = pattern }
}

// Registrations groups handler registrations by event.
type Registrations map[EventType][]Registration

// Add appends a registration for event.
func (rs Registrations) Add(event EventType, h Handler, opts ...Option) {
	reg := Registration{Handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	rs[event] = append(rs[event], reg)
}

// MergeConfigs concatenates registrations per event, in argument order.
func MergeConfigs(configs ...Registrations) Registrations {
	out := make(Registrations)
	for _, c := range configs {
		for event, regs := range c {
			out[event] = append(out[event], regs...)
		}
	}
	return out
}

// BusOptions configures a Bus.
type BusOptions struct {
	Logger *logging.Logger
	Tracer trace.Tracer

	// Publisher mirrors every outcome when set.
	Publisher events.Publisher
}

// Bus dispatches events to registered handlers.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]Registration
	logger    *logging.Logger
	tracer    trace.Tracer
	publisher events.Publisher
}

// NewBus creates an empty bus.
func NewBus(opts BusOptions) *Bus {
	b := &Bus{
		handlers:  make(map[EventType][]Registration),
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		publisher: opts.Publisher,
	}
	if b.logger == nil {
		b.logger = logging.NewNop()
	}
	b.logger = b.logger.Named("hooks")
	if b.tracer == nil {
		b.tracer = otel.Tracer(instrumentationName)
	}
	if b.publisher == nil {
		b.publisher = events.Nop{}
	}
	return b
}

// Register adds a handler for event. Handlers run in registration order.
func (b *Bus) Register(event EventType, h Handler, opts ...Option) error {
	reg := Registration{Handler: h}
	for _, opt := range opts {
		opt(&reg)
	}
	return b.add(event, reg)
}

// Apply registers every entry of rs, preserving per-event order.
func (b *Bus) Apply(rs Registrations) error {
	for _, event := range EventTypes {
		for _, reg := range rs[event] {
			if err := b.add(event, reg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bus) add(event EventType, reg Registration) error {
	if !event.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for %s is nil", event)
	}
	if reg.Matcher != "" && reg.Matcher != "*" {
		re, err := regexp.Compile("^(?:" + reg.Matcher + ")$")
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidMatcher, reg.Matcher, err)
		}
		reg.re = re
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if reg.Name == "" {
		reg.Name = fmt.Sprintf("%s#%d", event, len(b.handlers[event])+1)
	}
	b.handlers[event] = append(b.handlers[event], reg)
	return nil
}

// Handlers returns the registration names for event in dispatch order.
func (b *Bus) Handlers(event EventType) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers[event]))
	for _, r := range b.handlers[event] {
		names = append(names, r.Name)
	}
	return names
}

// Dispatch runs every matching handler for the payload's event.
//
// The first blocking handler wins and stops the chain. Handler errors and
// panics are logged, surfaced as warnings, and otherwise ignored.
func (b *Bus) Dispatch(ctx context.Context, p Payload) *Outcome {
	event := p.Common().Event
	out := &Outcome{Event: event, Decision: Allow}

	ctx = logging.WithHookEvent(ctx, string(event))
	if sid := p.Common().SessionID; sid != "" {
		ctx = logging.WithSessionID(ctx, sid)
	}
	ctx, span := b.tracer.Start(ctx, "hooks.dispatch",
		trace.WithAttributes(
			attribute.String("hook.event", string(event)),
			attribute.String("hook.subject", p.Subject()),
		))
	defer span.End()

	start := time.Now()
	b.mu.RLock()
	regs := append([]Registration(nil), b.handlers[event]...)
	b.mu.RUnlock()

	subject := p.Subject()
	for _, reg := range regs {
		if !reg.Matches(subject) {
			continue
		}
		out.Handled++
		res, err := b.invoke(ctx, reg, p)
		res.Handler = reg.Name
		res.Success = err == nil
		if err != nil {
			out.Failed++
			out.Results = append(out.Results, Result{
				Handler:  reg.Name,
				Decision: Allow,
				Reason:   err.Error(),
			})
			handlerErrors.WithLabelValues(string(event), reg.Name).Inc()
			b.logger.Warn(ctx, "hook handler failed, allowing",
				zap.String("handler", reg.Name),
				zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("hook %s failed: %v", reg.Name, err))
			continue
		}

		out.Results = append(out.Results, res)
		out.Warnings = append(out.Warnings, res.Warnings...)
		if res.SystemMessage != "" {
			out.SystemMessages = append(out.SystemMessages, res.SystemMessage)
		}
		if len(res.Context) > 0 {
			if out.Context == nil {
				out.Context = make(map[string]any, len(res.Context))
			}
			for k, v := range res.Context {
				out.Context[k] = v
			}
		}
		if res.Blocks() {
			out.Decision = Block
			out.BlockedBy = reg.Name
			out.Reason = res.Reason
			if out.Reason == "" {
				out.Reason = "blocked by " + reg.Name
			}
			break
		}
	}

	dispatches.WithLabelValues(string(event), string(out.Decision)).Inc()
	dispatchDuration.WithLabelValues(string(event)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("hook.decision", string(out.Decision)),
		attribute.Int("hook.handled", out.Handled),
		attribute.Int("hook.failed", out.Failed),
	)

	if out.Blocked() {
		b.logger.Info(ctx, "hook blocked action",
			zap.String("handler", out.BlockedBy),
			zap.String("subject", subject),
			zap.String("reason", out.Reason))
	} else {
		b.logger.Debug(ctx, "hook dispatched",
			zap.String("subject", subject),
			zap.Int("handled", out.Handled),
			zap.Int("warnings", len(out.Warnings)))
	}

	b.publish(ctx, p, out)
	return out
}

// invoke calls the handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, reg Registration, p Payload) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = reg.Handler.Handle(ctx, p)
	if err == nil && res.Decision == "" {
		res.Decision = Allow
	}
	return res, err
}

func (b *Bus) publish(ctx context.Context, p Payload, out *Outcome) {
	data := map[string]any{
		"subject":  p.Subject(),
		"decision": out.Decision,
		"handled":  out.Handled,
	}
	if out.Blocked() {
		data["reason"] = out.Reason
		data["blocked_by"] = out.BlockedBy
	}
	if len(out.Warnings) > 0 {
		data["warnings"] = out.Warnings
	}
	err := b.publisher.Publish(ctx, events.Event{
		Kind:      events.KindHook,
		SessionID: p.Common().SessionID,
		Name:      string(out.Event),
		Time:      time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		b.logger.Warn(ctx, "failed to publish hook event", zap.Error(err))
	}
}
