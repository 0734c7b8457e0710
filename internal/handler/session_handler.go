package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/attempt"
	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

const streamPingInterval = 30 * time.Second

// SessionHandler exposes the attempt session of the authenticated learner.
type SessionHandler struct {
	sessions    service.SessionService
	uploads     service.UploadService
	submitGuard fiber.Handler
	logger      zerolog.Logger
}

// NewSessionHandler constructs the handler. submitGuard, usually a rate limiter, runs
// in front of submissions and uploads; nil disables it.
func NewSessionHandler(sessions service.SessionService, uploads service.UploadService, submitGuard fiber.Handler, logger zerolog.Logger) *SessionHandler {
	if submitGuard == nil {
		submitGuard = func(c *fiber.Ctx) error { return c.Next() }
	}
	return &SessionHandler{
		sessions:    sessions,
		uploads:     uploads,
		submitGuard: submitGuard,
		logger:      logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register binds session routes to a group mounted at /policies/:policyID/session.
func (h *SessionHandler) Register(router fiber.Router) {
	router.Get("/ws", h.upgrade, websocket.New(h.stream))

	router.Get("", h.open)
	router.Delete("", h.close)
	router.Post("/start", h.start)
	router.Put("/answers/:index", h.setAnswer)
	router.Post("/submit", h.submitGuard, h.submit)
	router.Post("/view-last", h.viewLast)
	router.Post("/reattempt", h.reattempt)
	if h.uploads != nil {
		router.Post("/files", h.submitGuard, h.uploadFile)
	}
}

type sessionAction func(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error)

func (h *SessionHandler) run(c *fiber.Ctx, action sessionAction, message string) error {
	policyID, err := parseUintParam(c, "policyID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := action(withRequestContext(c), userIDFromContext(c), policyID)
	if err != nil {
		return h.handleError(c, err, policyID)
	}
	return utils.SendSuccess(c, message, response)
}

func (h *SessionHandler) open(c *fiber.Ctx) error {
	return h.run(c, h.sessions.Open, "session resolved")
}

func (h *SessionHandler) start(c *fiber.Ctx) error {
	return h.run(c, h.sessions.Start, "attempt started")
}

func (h *SessionHandler) submit(c *fiber.Ctx) error {
	return h.run(c, h.sessions.Submit, "attempt submitted")
}

func (h *SessionHandler) viewLast(c *fiber.Ctx) error {
	return h.run(c, h.sessions.ViewLast, "last attempt loaded")
}

func (h *SessionHandler) reattempt(c *fiber.Ctx) error {
	return h.run(c, h.sessions.Reattempt, "ready for a new attempt")
}

func (h *SessionHandler) setAnswer(c *fiber.Ctx) error {
	index, err := parseIndex(c.Params("index"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.AnswerRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	return h.run(c, func(ctx context.Context, userID, policyID uint) (dto.SessionResponse, error) {
		return h.sessions.SetAnswer(ctx, userID, policyID, index, payload)
	}, "answer saved")
}

func (h *SessionHandler) close(c *fiber.Ctx) error {
	policyID, err := parseUintParam(c, "policyID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.sessions.Close(withRequestContext(c), userIDFromContext(c), policyID); err != nil {
		return h.handleError(c, err, policyID)
	}
	return utils.SendSuccess(c, "session closed", nil)
}

func (h *SessionHandler) uploadFile(c *fiber.Ctx) error {
	policyID, err := parseUintParam(c, "policyID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	index, err := parseIndex(c.FormValue("index"))
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, service.ErrUploadMissing.Error())
	}

	ctx := withRequestContext(c)
	userID := userIDFromContext(c)

	stored, err := h.uploads.Upload(ctx, file)
	if err != nil {
		return h.handleError(c, err, policyID)
	}

	response, err := h.sessions.AttachFile(ctx, userID, policyID, index, models.FileReference{
		URL:         stored.URL,
		Name:        stored.Name,
		ContentType: stored.ContentType,
	})
	if err != nil {
		return h.handleError(c, err, policyID)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "file attached", dto.FileAttachmentResponse{
		File:    stored,
		Session: response,
	})
}

// upgrade resolves the session before switching protocols so that resolution errors
// surface as regular HTTP responses.
func (h *SessionHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	policyID, err := parseUintParam(c, "policyID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	ctx := withRequestContext(c)
	if _, err := h.sessions.Open(ctx, userIDFromContext(c), policyID); err != nil {
		return h.handleError(c, err, policyID)
	}

	c.Locals("policy_id", policyID)
	c.Locals("request_ctx", ctx)
	return c.Next()
}

func (h *SessionHandler) stream(conn *websocket.Conn) {
	userID := userIDFromLocal(conn.Locals("user_id"))
	policyID := userIDFromLocal(conn.Locals("policy_id"))
	baseCtx, ok := conn.Locals("request_ctx").(context.Context)
	if !ok || baseCtx == nil {
		baseCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	logger := h.logger.With().Uint("user_id", userID).Uint("policy_id", policyID).Logger()

	events, stop, err := h.sessions.Stream(ctx, userID, policyID)
	if err != nil {
		logger.Warn().Err(err).Msg("session stream unavailable")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		_ = conn.Close()
		return
	}
	defer stop()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info().Msg("session stream connected")
	defer logger.Info().Msg("session stream disconnected")

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("session stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) handleError(c *fiber.Ctx, err error, policyID uint) error {
	var (
		violation  *attempt.PolicyViolation
		fetchErr   *attempt.FetchError
		persistErr *attempt.PersistenceError
	)
	logger := requestLogger(h.logger, c).With().Uint("policy_id", policyID).Logger()
	description := err.Error()

	switch {
	case errors.As(err, &violation):
		return utils.Fail(c, fiber.StatusForbidden, violation.Reason.Error(), fiber.Map{
			"attempt_count":    violation.AttemptCount,
			"allowed_attempts": violation.AllowedAttempts,
		})
	case errors.Is(err, service.ErrPolicyNotFound), errors.Is(err, service.ErrAssessmentNotFound):
		return utils.SendError(c, fiber.StatusNotFound, description)
	case errors.Is(err, attempt.ErrSubmissionInFlight),
		errors.Is(err, attempt.ErrStartInFlight),
		errors.Is(err, attempt.ErrAlreadySubmitted),
		errors.Is(err, attempt.ErrInvalidTransition),
		errors.Is(err, attempt.ErrSessionClosed):
		return utils.SendError(c, fiber.StatusConflict, description)
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid answer", validationDetails(err))
	case errors.Is(err, attempt.ErrQuestionOutOfRange),
		errors.Is(err, service.ErrAnswerMismatch),
		errors.Is(err, service.ErrNotFileQuestion),
		errors.Is(err, service.ErrUploadMissing):
		return utils.SendError(c, fiber.StatusBadRequest, description)
	case errors.Is(err, service.ErrUploadTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, description)
	case errors.Is(err, service.ErrUploadTypeNotAllowed):
		return utils.SendError(c, fiber.StatusUnsupportedMediaType, description)
	case errors.Is(err, service.ErrUploadScanFailed):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, description)
	case errors.As(err, &fetchErr):
		logger.Warn().Err(err).Msg("session data unavailable")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "assessment data is temporarily unavailable")
	case errors.As(err, &persistErr):
		logger.Error().Err(err).Msg("failed to persist attempt")
		return utils.SendError(c, fiber.StatusBadGateway, "your answers were kept, please submit again")
	default:
		logger.Error().Err(err).Msg("session request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "session request failed")
	}
}
