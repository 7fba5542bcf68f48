// Package notify delivers credential lifecycle events to mailers, logs and
// metrics without blocking the request that produced them.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/samber/oops"

	"entity-registry/internal/auth"
	"entity-registry/internal/observability"
)

// LogSink writes one structured line per event. Tokens are never logged.
type LogSink struct {
	logger *observability.Logger
}

func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event auth.Event) error {
	fields := map[string]any{
		"event":         event.Name,
		"credential_id": event.CredentialID,
		"at":            event.At.UTC().Format(time.RFC3339),
	}
	if event.IP != "" {
		fields["ip"] = event.IP
	}
	if !event.ExpiresAt.IsZero() {
		fields["expires_at"] = event.ExpiresAt.UTC().Format(time.RFC3339)
	}
	s.logger.Info("auth_event", fields)
	return nil
}

// MetricsSink counts events by name.
type MetricsSink struct {
	metrics *observability.Metrics
}

func NewMetricsSink(metrics *observability.Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

func (s *MetricsSink) Emit(_ context.Context, event auth.Event) error {
	s.metrics.AuthEventsTotal.WithLabelValues(event.Name).Inc()
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []auth.EventSink

func (f Fanout) Emit(ctx context.Context, event auth.Event) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, oops.Code("EVENT_SINK_FAILED").With("event", event.Name).Wrap(err))
		}
	}
	return errors.Join(errs...)
}

const (
	defaultQueueSize     = 256
	defaultDeliveryLimit = 10 * time.Second
)

// Async queues events for a background worker. Emit never blocks; when the
// queue is full the event is dropped and counted.
type Async struct {
	next    auth.EventSink
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration

	// mu orders sends against Close so nothing is queued after the drain.
	mu     sync.RWMutex
	closed bool
	queue  chan auth.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewAsync(next auth.EventSink, logger *observability.Logger, metrics *observability.Metrics, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	a := &Async{
		next:    next,
		logger:  logger,
		metrics: metrics,
		timeout: defaultDeliveryLimit,
		queue:   make(chan auth.Event, queueSize),
		done:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()

	return a
}

func (a *Async) Emit(_ context.Context, event auth.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return oops.Code("EVENT_SINK_CLOSED").With("event", event.Name).Errorf("event sink closed")
	}

	select {
	case a.queue <- event:
		return nil
	default:
		a.recordFailure(event)
		return oops.Code("EVENT_QUEUE_FULL").With("event", event.Name).Errorf("event queue full")
	}
}

func (a *Async) run() {
	defer a.wg.Done()

	for {
		select {
		case event := <-a.queue:
			a.deliver(event)
		case <-a.done:
			for {
				select {
				case event := <-a.queue:
					a.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(event auth.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.next.Emit(ctx, event); err != nil {
		a.recordFailure(event)
		sentry.CaptureException(err)
		a.logger.LogError("auth_event_delivery_failed", err, map[string]any{
			"event":         event.Name,
			"credential_id": event.CredentialID,
		})
	}
}

func (a *Async) recordFailure(event auth.Event) {
	if a.metrics != nil {
		a.metrics.EventDeliveryFailuresTotal.WithLabelValues(event.Name).Inc()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}
