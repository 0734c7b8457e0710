package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// AuthoringHandler wires the staff endpoints: assessments, assignment policies,
// manual grading and the audit trail.
type AuthoringHandler struct {
	authoring service.AuthoringService
	audit     service.AuditService
	logger    zerolog.Logger
}

// NewAuthoringHandler constructs the handler.
func NewAuthoringHandler(authoring service.AuthoringService, audit service.AuditService, logger zerolog.Logger) *AuthoringHandler {
	return &AuthoringHandler{
		authoring: authoring,
		audit:     audit,
		logger:    logger.With().Str("component", "authoring_handler").Logger(),
	}
}

// Register attaches authoring endpoints to the router group.
func (h *AuthoringHandler) Register(router fiber.Router) {
	router.Post("/", h.createAssessment)
	router.Post("/policies", h.createPolicy)
	router.Get("/policies/:policyID/attempts", h.listAttempts)
	router.Post("/attempts/:attemptID/grade", h.gradeAttempt)
	if h.audit != nil {
		router.Get("/audit", middleware.RequireRole("admin"), h.listAudit)
	}
}

func (h *AuthoringHandler) createAssessment(c *fiber.Ctx) error {
	var payload dto.AssessmentCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	assessment, err := h.authoring.CreateAssessment(withRequestContext(c), actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to create assessment")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "assessment created", assessment)
}

func (h *AuthoringHandler) createPolicy(c *fiber.Ctx) error {
	var payload dto.PolicyCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	policy, err := h.authoring.CreatePolicy(withRequestContext(c), actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err, "failed to create policy")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "policy created", policy)
}

func (h *AuthoringHandler) listAttempts(c *fiber.Ctx) error {
	policyID, err := parseUintParam(c, "policyID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	userID, err := parseQueryUint(c, "user_id")
	if err != nil || userID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "user_id query parameter required")
	}

	attempts, err := h.authoring.ListAttempts(withRequestContext(c), policyID, userID)
	if err != nil {
		return h.handleError(c, err, "failed to list attempts")
	}

	return utils.SendSuccess(c, "attempts retrieved", attempts)
}

func (h *AuthoringHandler) gradeAttempt(c *fiber.Ctx) error {
	attemptID, err := parseUintParam(c, "attemptID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.GradeAttemptRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	graded, err := h.authoring.GradeAttempt(withRequestContext(c), actorFromContext(c), attemptID, payload)
	if err != nil {
		return h.handleError(c, err, "failed to grade attempt")
	}

	return utils.SendSuccess(c, "attempt graded", graded)
}

func (h *AuthoringHandler) listAudit(c *fiber.Ctx) error {
	var query dto.AuditListRequest
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	listed, err := h.audit.List(withRequestContext(c), query)
	if err != nil {
		return h.handleError(c, err, "failed to list audit trail")
	}

	return utils.OK(c, listed.Items, "audit trail retrieved", listed.Pagination)
}

func (h *AuthoringHandler) handleError(c *fiber.Ctx, err error, message string) error {
	var fetchErr *attempt.FetchError
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	case errors.Is(err, service.ErrInvalidQuestions),
		errors.Is(err, service.ErrScoreExceedsMax):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAssessmentNotFound),
		errors.Is(err, service.ErrPolicyNotFound),
		errors.Is(err, service.ErrAttemptNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotManuallyGraded):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.As(err, &fetchErr):
		requestLogger(h.logger, c).Warn().Err(err).Msg(message)
		return utils.SendError(c, fiber.StatusServiceUnavailable, message)
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg(message)
		return utils.SendError(c, fiber.StatusInternalServerError, message)
	}
}
