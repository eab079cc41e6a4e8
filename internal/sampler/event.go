package sampler

import "go.opentelemetry.io/otel/trace"

// EventKind distinguishes activations from deactivations.
type EventKind int

const (
	// Activation means a span became active on a thread.
	Activation EventKind = iota
	// Deactivation means a span stopped being active on a thread.
	Deactivation
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case Activation:
		return "activation"
	case Deactivation:
		return "deactivation"
	default:
		return "unknown"
	}
}

// ActivationEvent is a queued activation or deactivation. Span contexts are
// values, so the event stays valid after the caller returns.
type ActivationEvent struct {
	Kind           EventKind
	NativeThreadID int64
	// Context is the activated or deactivated span.
	Context trace.SpanContext
	// Previous is the span active on the thread before an activation, or
	// the one restored by a deactivation.
	Previous    trace.SpanContext
	HasPrevious bool
}

func newEvent(kind EventKind, nativeID int64, ctx, previous trace.SpanContext) ActivationEvent {
	return ActivationEvent{
		Kind:           kind,
		NativeThreadID: nativeID,
		Context:        ctx,
		Previous:       previous,
		HasPrevious:    previous.IsValid(),
	}
}
