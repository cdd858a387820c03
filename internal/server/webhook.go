package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/botpress/botpress-sub033/internal/gateway"
)

const webhookTokenHeader = "x-webhook-token"

// TokenVerifier checks a webhook token against the credentials held for a
// client.
type TokenVerifier interface {
	VerifyWebhookToken(clientID, token string) bool
}

// WebhookHandler receives event pushes from the messaging service and hands
// them to the dispatcher.
type WebhookHandler struct {
	logger     *slog.Logger
	verifier   TokenVerifier
	dispatcher *gateway.Dispatcher
}

func NewWebhookHandler(log *slog.Logger, verifier TokenVerifier, dispatcher *gateway.Dispatcher) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:     log.With(slog.String("component", "webhook")),
		verifier:   verifier,
		dispatcher: dispatcher,
	}
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/api/v1/chat/receive", h.receive)
}

func (h *WebhookHandler) receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}

	clientID, event, err := gateway.DecodeEnvelope(body)
	if err != nil {
		h.logger.Warn("dropping malformed webhook push", slog.Any("error", err))
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed event"})
	}

	token := c.Request().Header.Get(webhookTokenHeader)
	if !h.verifier.VerifyWebhookToken(clientID, token) {
		h.logger.Warn("rejecting webhook push with invalid token", slog.String("client_id", clientID))
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid token"})
	}

	if err := h.dispatcher.Dispatch(c.Request().Context(), clientID, event); err != nil {
		h.logger.Error("failed to process webhook event",
			slog.String("client_id", clientID),
			slog.Any("error", err),
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "processing failed"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
