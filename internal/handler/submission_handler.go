package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scoring-api/internal/dto"
	"github.com/noah-isme/gema-scoring-api/internal/middleware"
	"github.com/noah-isme/gema-scoring-api/internal/service"
	"github.com/noah-isme/gema-scoring-api/internal/utils"
)

const watchWriteTimeout = 5 * time.Second

// SubmissionHandlerOptions configures throttling on the submit endpoint.
type SubmissionHandlerOptions struct {
	SubmitLimit  int
	SubmitWindow time.Duration
}

// SubmissionHandler manages submission intake and status endpoints.
type SubmissionHandler struct {
	service service.SubmissionService
	opts    SubmissionHandlerOptions
	logger  zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(service service.SubmissionService, opts SubmissionHandlerOptions, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		service: service,
		opts:    opts,
		logger:  logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	router.Post("",
		middleware.RateLimit("submit", h.opts.SubmitLimit, h.opts.SubmitWindow),
		middleware.WithAuth(h.submit, middleware.AuthOptions{Role: middleware.AuthRoleStudent}),
	)
	router.Get("/:id/status", middleware.WithAuth(h.status, middleware.AuthOptions{RequireUser: true}))
	router.Get("/:id/watch", h.upgradeWatch, websocket.New(h.watch))
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	assignmentID, err := parseFormUint(c, "assignment_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	payload := dto.SubmissionCreateRequest{AssignmentID: assignmentID}
	submission, err := h.service.Submit(requestContext(c), actorFromContext(c), payload, file)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendAccepted(c, "submission accepted for scoring", submission)
}

func (h *SubmissionHandler) status(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	snapshot, err := h.service.GetStatus(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return respondError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission status retrieved", snapshot)
}

// upgradeWatch authorises the caller with a plain status read before the protocol switch,
// so unknown or foreign submissions still get HTTP error codes.
func (h *SubmissionHandler) upgradeWatch(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	actor := actorFromContext(c)
	if actor.ID == 0 {
		return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
	}
	if _, err := h.service.GetStatus(requestContext(c), actor, id); err != nil {
		return respondError(c, h.logger, err)
	}

	c.Locals("watch_actor", actor)
	c.Locals("watch_submission_id", id)
	c.Locals("watch_correlation_id", middleware.GetCorrelationID(c))
	return c.Next()
}

func (h *SubmissionHandler) watch(conn *websocket.Conn) {
	actor, _ := conn.Locals("watch_actor").(service.Actor)
	id, _ := conn.Locals("watch_submission_id").(uint)
	correlation, _ := conn.Locals("watch_correlation_id").(string)

	logger := h.logger.With().Uint("submission_id", id).Str("correlation_id", correlation).Logger()

	ctx, cancel := context.WithCancel(middleware.ContextWithCorrelation(context.Background(), correlation))
	defer cancel()

	// The client never sends data; a read error means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, err := h.service.Watch(ctx, actor, id)
	if err != nil {
		logger.Warn().Err(err).Msg("status watch rejected")
		closeWatch(conn, websocket.CloseInternalServerErr, "status unavailable")
		return
	}

	logger.Debug().Msg("status watch opened")
	for snapshot := range updates {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(snapshot); err != nil {
			logger.Debug().Err(err).Msg("status watch write failed")
			return
		}
		if snapshot.Terminal {
			closeWatch(conn, websocket.CloseNormalClosure, snapshot.Status)
			logger.Debug().Str("status", snapshot.Status).Msg("status watch finished")
			return
		}
	}

	closeWatch(conn, websocket.CloseGoingAway, "watch ended")
}

func closeWatch(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
