package trigger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crankci/crank/pkg/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduleSource fires schedule-tick seeds for workflows with cron triggers.
// Ticks bypass predicate matching: a cron entry belongs to exactly one
// workflow.
type ScheduleSource struct {
	logger  *slog.Logger
	cron    *cron.Cron
	handler func(RunSeed)
}

func NewScheduleSource(logger *slog.Logger, handler func(RunSeed)) *ScheduleSource {
	return &ScheduleSource{
		logger:  logger.With("module", "schedule_source"),
		cron:    cron.New(),
		handler: handler,
	}
}

// Add registers one cron entry per schedule trigger of the workflow. The
// expressions were validated at build time; an error here still refuses the
// workflow rather than panicking.
func (s *ScheduleSource) Add(definition *models.WorkflowDefinition) error {
	for _, schedule := range definition.On.Schedules {
		expression := schedule.Cron

		_, err := s.cron.AddFunc(expression, func() {
			s.tick(definition, expression)
		})
		if err != nil {
			return fmt.Errorf("schedule %q for workflow %s: %w", expression, definition.ID, err)
		}
	}

	return nil
}

// Start begins firing schedules in a background goroutine.
func (s *ScheduleSource) Start() {
	s.cron.Start()
}

// Stop halts the schedule loop and waits for in-flight ticks.
func (s *ScheduleSource) Stop() {
	<-s.cron.Stop().Done()
}

func (s *ScheduleSource) tick(definition *models.WorkflowDefinition, expression string) {
	s.logger.Info("Schedule fired", "workflow_id", definition.ID, "cron", expression)

	s.handler(RunSeed{
		Definition: definition,
		Event: models.TriggerEvent{
			ID:          uuid.New().String(),
			Kind:        models.EventKindSchedule,
			Ref:         "schedule:" + expression,
			Actor:       "scheduler",
			DeliveredAt: time.Now().UTC(),
		},
	})
}
