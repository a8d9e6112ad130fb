// Package notify fans terminal job events out to the configured
// transports. Delivery is best-effort and isolated per transport: one
// transport failing is logged and never affects another's delivery, nor
// the job's recorded outcome, and nothing is retried.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/tablemill/job"
)

// Transport delivers one notification event.
type Transport interface {
	Name() string
	Send(ctx context.Context, ev job.Event) error
}

// Options configures the dispatcher.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

// Dispatcher subscribes to the scheduler's terminal-event stream.
type Dispatcher struct {
	transports []Transport
	logger     *slog.Logger
}

// New creates a Dispatcher over the given transports.
func New(transports []Transport, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{transports: transports, logger: logger}
}

// Run drains events until the channel closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, events <-chan job.Event) {
	d.logger.Info("notify: dispatcher started", "transports", len(d.transports))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notify: dispatcher stopped")
			return
		case ev, ok := <-events:
			if !ok {
				d.logger.Info("notify: event stream closed")
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch delivers one event to every transport concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, ev job.Event) {
	var wg sync.WaitGroup
	for _, t := range d.transports {
		wg.Add(1)
		go func(t Transport) {
			defer wg.Done()
			if err := t.Send(ctx, ev); err != nil {
				d.logger.Warn("notify: transport failed",
					"transport", t.Name(), "job", ev.JobID, "error", err)
			}
		}(t)
	}
	wg.Wait()
}

// Title renders the notification title for an outcome.
func Title(outcome job.Outcome) string {
	switch outcome {
	case job.OutcomeCompleted:
		return "Document processing complete"
	case job.OutcomeUnmapped:
		return "Document did not match any rule"
	case job.OutcomeTimedOut:
		return "Document processing timed out"
	}
	return "Document processing failed"
}

// LogTransport writes events to the structured log. Always configured as
// the fallback transport.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, ev job.Event) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify: "+Title(ev.Outcome),
		"job", ev.JobID, "outcome", ev.Outcome, "summary", ev.Summary)
	return nil
}
