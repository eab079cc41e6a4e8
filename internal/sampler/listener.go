package sampler

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/threadregistry"
	"github.com/span-profiler/pkg/utils"
)

// ThreadListener receives activations keyed by runtime thread handle and
// forwards them to a Sampler keyed by native thread id.
type ThreadListener struct {
	sampler *Sampler
	threads *threadregistry.Registry
	logger  utils.Logger
}

// NewThreadListener creates a ThreadListener.
func NewThreadListener(s *Sampler, threads *threadregistry.Registry, logger utils.Logger) *ThreadListener {
	return &ThreadListener{sampler: s, threads: threads, logger: utils.OrNull(logger)}
}

// OnActivation forwards an activation on thread.
func (l *ThreadListener) OnActivation(ctx context.Context, thread threadregistry.Handle, active, previous trace.SpanContext) error {
	id, err := l.threads.NativeIDFor(ctx, thread)
	if err != nil {
		l.logger.Warn("Dropping activation of span %s: %v", active.SpanID(), err)
		return err
	}
	l.sampler.OnActivation(id, active, previous)
	return nil
}

// OnDeactivation forwards a deactivation on thread.
func (l *ThreadListener) OnDeactivation(ctx context.Context, thread threadregistry.Handle, deactivated, previous trace.SpanContext) error {
	id, err := l.threads.NativeIDFor(ctx, thread)
	if err != nil {
		l.logger.Warn("Dropping deactivation of span %s: %v", deactivated.SpanID(), err)
		return err
	}
	l.sampler.OnDeactivation(id, deactivated, previous)
	return nil
}

// OnThreadExit forgets the thread's native id.
func (l *ThreadListener) OnThreadExit(thread threadregistry.Handle) {
	l.threads.Retire(thread)
}
