package flowruntime

import (
	"golang.org/x/time/rate"

	"github.com/penguiflow/penguiflow-go/internal/telemetry"
	"github.com/penguiflow/penguiflow-go/stream"
)

// Options configures a Runtime. Every field has a working noop substitute so
// a zero-value Options produces a usable, silent Runtime; production callers
// override Logger/Metrics/Tracer/Hooks with concrete adapters.
type Options struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
	Hooks   Bus

	// Stream, if set, receives node lifecycle events (step start/finish/error)
	// as sequenced stream events. A StreamBridge
	// subscriber is registered on Hooks automatically when this is non-nil.
	Stream    stream.Sink
	SessionID string

	// MaxPendingPerTrace bounds how many in-flight messages a single trace
	// may have queued across all Floes at once. Zero or negative means
	// unlimited.
	MaxPendingPerTrace int

	// MaxMessagesPerSecond paces admission of new messages onto the graph's
	// Floes across every trace, backed by a token-bucket rate.Limiter. Zero
	// or negative disables pacing. MessageBurst sizes the bucket; when zero
	// it defaults to 1.
	MaxMessagesPerSecond float64
	MessageBurst         int
}

// Option mutates an Options value during construction.
type Option func(*Options)

// WithLogger overrides the Runtime's logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics overrides the Runtime's metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer overrides the Runtime's tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// WithHooks overrides the Runtime's middleware bus.
func WithHooks(b Bus) Option { return func(o *Options) { o.Hooks = b } }

// WithStream registers a stream.Sink that receives node lifecycle events,
// tagged with sessionID, bridged through a StreamBridge subscriber.
func WithStream(sink stream.Sink, sessionID string) Option {
	return func(o *Options) { o.Stream = sink; o.SessionID = sessionID }
}

// WithMaxPendingPerTrace sets the per-trace in-flight message cap.
func WithMaxPendingPerTrace(n int) Option { return func(o *Options) { o.MaxPendingPerTrace = n } }

// WithRatePacing bounds how fast the Runtime admits new messages onto the
// graph, runtime-wide, using a token-bucket rate.Limiter of rps tokens per
// second and the given burst size.
func WithRatePacing(rps float64, burst int) Option {
	return func(o *Options) { o.MaxMessagesPerSecond = rps; o.MessageBurst = burst }
}

func (o Options) rateLimiter() *rate.Limiter {
	if o.MaxMessagesPerSecond <= 0 {
		return nil
	}
	burst := o.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.MaxMessagesPerSecond), burst)
}

func defaultOptions(opts ...Option) Options {
	o := Options{
		Logger:  telemetry.NewNoopLogger(),
		Metrics: telemetry.NewNoopMetrics(),
		Tracer:  telemetry.NewNoopTracer(),
		Hooks:   NewBus(),
	}
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	if o.Hooks == nil {
		o.Hooks = NewBus()
	}
	return o
}
