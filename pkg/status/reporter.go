package status

import (
	"context"
	"log/slog"

	"github.com/crankci/crank/pkg/eventbus"
	"github.com/crankci/crank/pkg/events"
	"github.com/crankci/crank/pkg/models"
)

// RunSource answers run snapshot queries mid-flight. The scheduler satisfies
// it.
type RunSource interface {
	Snapshot(runID string) (*models.Run, bool)
}

// Reporter turns lifecycle events into status checks: one incremental check
// per job transition and a final one when the run is terminal.
type Reporter struct {
	logger    *slog.Logger
	source    RunSource
	publisher CheckPublisher
}

func NewReporter(logger *slog.Logger, source RunSource, publisher CheckPublisher) *Reporter {
	return &Reporter{
		logger:    logger.With("module", "status"),
		source:    source,
		publisher: publisher,
	}
}

// Attach registers the reporter on the run and job transition events.
func (r *Reporter) Attach(subscriber eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.RunCreatedEvent,
		events.JobFinishedEvent,
		events.GateWaitingEvent,
		events.GateRejectedEvent,
		events.RunFinishedEvent,
		events.RunCancelledEvent,
	} {
		if err := subscriber.Handle(eventType, r.handle); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reporter) handle(ctx context.Context, event any) error {
	runID := runIDOf(event)
	if runID == "" {
		return nil
	}

	run, ok := r.source.Snapshot(runID)
	if !ok {
		r.logger.WarnContext(ctx, "Status event for unknown run", "run_id", runID)

		return nil
	}

	check := buildCheck(run)

	if err := r.publisher.PublishCheck(ctx, check); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish status check",
			"run_id", runID,
			"status", check.Status,
			"error", err,
		)

		return err
	}

	return nil
}

func runIDOf(event any) string {
	switch typed := event.(type) {
	case *events.RunCreated:
		return typed.RunID
	case *events.JobFinished:
		return typed.RunID
	case *events.GateWaiting:
		return typed.RunID
	case *events.GateRejected:
		return typed.RunID
	case *events.RunFinished:
		return typed.RunID
	case *events.RunCancelled:
		return typed.RunID
	default:
		return ""
	}
}
