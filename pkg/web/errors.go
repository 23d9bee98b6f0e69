package web

import (
	"errors"

	"github.com/crankci/crank/pkg/gates"
	"github.com/crankci/crank/pkg/persistence"
	"github.com/crankci/crank/pkg/scheduler"
	"github.com/crankci/crank/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func forbidden(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(403).
		WithInstance(c.Path()).
		WithType("forbidden").
		WithDetail(detail)

	return c.Status(fiber.StatusForbidden).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps typed engine errors onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	var validationErr *trigger.ValidationError

	switch {
	case errors.As(err, &validationErr):
		return badRequest(c, validationErr.Error())

	case errors.Is(err, trigger.ErrUnknownWorkflow),
		errors.Is(err, scheduler.ErrRunNotFound),
		errors.Is(err, gates.ErrUnknownGate),
		errors.Is(err, gates.ErrUnknownEnvironment),
		persistence.IsRunNotFound(err),
		persistence.IsWorkflowNotFound(err):
		return notFound(c, err.Error())

	case errors.Is(err, trigger.ErrNoDispatchTrigger):
		return badRequest(c, err.Error())

	case errors.Is(err, gates.ErrUnauthorizedReviewer):
		return forbidden(c, err.Error())

	case errors.Is(err, gates.ErrGateRejected):
		return conflict(c, err.Error())

	default:
		return internalError(c, err)
	}
}
