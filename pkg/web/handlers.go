package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/persistence"
	"github.com/crankci/crank/pkg/scheduler"
	"github.com/crankci/crank/pkg/trigger"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

type APIHandlers struct {
	logger      *slog.Logger
	evaluator   *trigger.Evaluator
	scheduler   *scheduler.Scheduler
	persistence persistence.Persistence
	artifacts   artifacts.Store
	validator   *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	evaluator *trigger.Evaluator,
	engine *scheduler.Scheduler,
	store persistence.Persistence,
	artifactStore artifacts.Store,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger.With("module", "web"),
		evaluator:   evaluator,
		scheduler:   engine,
		persistence: store,
		artifacts:   artifactStore,
		validator:   validate,
	}
}

// Register mounts every API route on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	app.Post("/events", h.IngestEvent)

	workflows := app.Group("/workflows")
	workflows.Get("/", h.GetWorkflows)
	workflows.Post("/:id/dispatch", h.DispatchWorkflow)

	runs := app.Group("/runs")
	runs.Get("/", h.GetRuns)
	runs.Get("/:id", h.GetRun)
	runs.Post("/:id/cancel", h.CancelRun)
	runs.Post("/:id/environments/:env/approve", h.ApproveGate)
	runs.Post("/:id/environments/:env/reject", h.RejectGate)
	runs.Get("/:id/jobs/:job/artifacts", h.GetJobArtifacts)

	app.Get("/artifacts/*", h.GetArtifact)

	app.Get("/health", h.HealthCheck)
}

// IngestEvent evaluates a push or pull_request event against every
// registered workflow and starts one run per match.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var req IngestEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := models.TriggerEvent{
		ID:          uuid.New().String(),
		Kind:        models.EventKind(req.Kind),
		Ref:         req.Ref,
		Actor:       req.Actor,
		DeliveredAt: time.Now().UTC(),
	}

	seeds := h.evaluator.Evaluate(event)

	runs := make([]RunSummary, 0, len(seeds))

	for _, seed := range seeds {
		run, err := h.scheduler.Start(c.Context(), seed.Definition, seed.Event)
		if err != nil {
			return internalError(c, err)
		}

		runs = append(runs, toRunSummary(run))
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id": event.ID,
		"runs":     runs,
	})
}

// DispatchWorkflow validates manual-dispatch inputs and starts a single run.
// Input schema violations return a problem and create nothing.
func (h *APIHandlers) DispatchWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req DispatchRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	seed, err := h.evaluator.Dispatch(id, req.Ref, req.Actor, req.Inputs)
	if err != nil {
		return handleEngineError(c, err)
	}

	run, err := h.scheduler.Start(c.Context(), seed.Definition, seed.Event)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(toRunSummary(run))
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	return c.JSON(h.evaluator.Workflows())
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.persistence.Runs(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, toRunSummary(run))
	}

	return c.JSON(summaries)
}

// GetRun serves the live scheduler snapshot when the run is still tracked
// and falls back to the persisted document.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")

	if run, ok := h.scheduler.Snapshot(id); ok {
		return c.JSON(toRunDetail(run))
	}

	run, err := h.persistence.RunByID(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(toRunDetail(run))
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.scheduler.Cancel(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ApproveGate(c fiber.Ctx) error {
	return h.review(c, h.scheduler.Approve)
}

func (h *APIHandlers) RejectGate(c fiber.Ctx) error {
	return h.review(c, h.scheduler.Reject)
}

func (h *APIHandlers) review(c fiber.Ctx, decide func(ctx context.Context, runID, environment, reviewer string) error) error {
	var req ReviewRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := decide(c.Context(), c.Params("id"), c.Params("env"), req.Reviewer); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetJobArtifacts(c fiber.Ctx) error {
	list, err := h.artifacts.List(c.Context(), c.Params("id"), c.Params("job"))
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(list)
}

func (h *APIHandlers) GetArtifact(c fiber.Ctx) error {
	ref := c.Params("*")
	if ref == "" {
		return badRequest(c, "Artifact reference is required")
	}

	blob, err := h.artifacts.Get(c.Context(), models.ArtifactRef(ref))
	if err != nil {
		if errors.Is(err, artifacts.ErrArtifactNotFound) {
			return notFound(c, "Artifact not found")
		}

		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)

	return c.SendStream(blob)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
