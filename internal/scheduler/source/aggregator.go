package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/span-profiler/pkg/utils"
)

// SourceStats counts the dumps a source announced and how they were settled.
type SourceStats struct {
	Type      SourceType `json:"type"`
	Name      string     `json:"name"`
	Announced int64      `json:"announced"`
	Acked     int64      `json:"acked"`
	Nacked    int64      `json:"nacked"`
}

type routedSource struct {
	DumpSource
	announced atomic.Int64
	acked     atomic.Int64
	nacked    atomic.Int64
}

func routeKey(t SourceType, name string) string {
	return string(t) + ":" + name
}

// Aggregator merges the events of several sources into one channel and
// routes acknowledgements back to the source an event came from, keyed by
// "type:name".
type Aggregator struct {
	sources []*routedSource
	routes  map[string]*routedSource
	out     chan *DumpEvent
	logger  utils.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewAggregator creates an Aggregator over sources. The merged channel
// holds bufferSize events, 100 when unset.
func NewAggregator(sources []DumpSource, bufferSize int, logger utils.Logger) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	a := &Aggregator{
		routes: make(map[string]*routedSource, len(sources)),
		out:    make(chan *DumpEvent, bufferSize),
		logger: utils.OrNull(logger),
		stopCh: make(chan struct{}),
	}
	for _, src := range sources {
		rs := &routedSource{DumpSource: src}
		a.sources = append(a.sources, rs)
		a.routes[routeKey(src.Type(), src.Name())] = rs
	}
	return a
}

// Start starts the sources in order. If one fails, the ones already
// started are stopped again and the aggregator stays idle.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	for i, src := range a.sources {
		if err := src.Start(ctx); err != nil {
			for _, started := range a.sources[:i] {
				if serr := started.Stop(); serr != nil {
					a.logger.Warn("Failed to stop source %s/%s: %v", started.Type(), started.Name(), serr)
				}
			}
			return fmt.Errorf("failed to start source %s/%s: %w", src.Type(), src.Name(), err)
		}
	}

	a.running = true
	for _, src := range a.sources {
		a.wg.Add(1)
		go a.forward(ctx, src)
	}
	a.logger.Info("Receiving dumps from %d sources", len(a.sources))
	return nil
}

func (a *Aggregator) forward(ctx context.Context, src *routedSource) {
	defer a.wg.Done()

	for {
		var event *DumpEvent
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case e, ok := <-src.Events():
			if !ok {
				a.logger.Info("Source %s/%s closed its channel", src.Type(), src.Name())
				return
			}
			event = e
		}

		event.SourceType = src.Type()
		event.SourceName = src.Name()
		src.announced.Add(1)

		select {
		case a.out <- event:
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		}
	}
}

// Stop stops every source, waits for forwarding to end and closes the
// merged channel. Source stop errors are logged.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	close(a.stopCh)
	for _, src := range a.sources {
		if err := src.Stop(); err != nil {
			a.logger.Error("Failed to stop source %s/%s: %v", src.Type(), src.Name(), err)
		}
	}
	a.wg.Wait()
	close(a.out)
	return nil
}

// Events returns the merged event channel.
func (a *Aggregator) Events() <-chan *DumpEvent {
	return a.out
}

// GetSource returns the source registered under type and name, or nil.
func (a *Aggregator) GetSource(sourceType SourceType, name string) DumpSource {
	if rs := a.routes[routeKey(sourceType, name)]; rs != nil {
		return rs.DumpSource
	}
	return nil
}

// Ack settles event with its source. Events of unknown sources are ignored.
func (a *Aggregator) Ack(ctx context.Context, event *DumpEvent) error {
	rs := a.routes[routeKey(event.SourceType, event.SourceName)]
	if rs == nil {
		return nil
	}
	rs.acked.Add(1)
	return rs.Ack(ctx, event)
}

// Nack rejects event with its source. Events of unknown sources are ignored.
func (a *Aggregator) Nack(ctx context.Context, event *DumpEvent, cause error) error {
	rs := a.routes[routeKey(event.SourceType, event.SourceName)]
	if rs == nil {
		return nil
	}
	rs.nacked.Add(1)
	return rs.Nack(ctx, event, cause)
}

// HealthCheck joins the failures of all unhealthy sources.
func (a *Aggregator) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, src := range a.sources {
		if err := src.HealthCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sources returns the sources in configuration order.
func (a *Aggregator) Sources() []DumpSource {
	out := make([]DumpSource, len(a.sources))
	for i, rs := range a.sources {
		out[i] = rs.DumpSource
	}
	return out
}

func (a *Aggregator) SourceCount() int {
	return len(a.sources)
}

// Stats returns per-source counters in configuration order.
func (a *Aggregator) Stats() []SourceStats {
	out := make([]SourceStats, len(a.sources))
	for i, rs := range a.sources {
		out[i] = SourceStats{
			Type:      rs.Type(),
			Name:      rs.Name(),
			Announced: rs.announced.Load(),
			Acked:     rs.acked.Load(),
			Nacked:    rs.nacked.Load(),
		}
	}
	return out
}
