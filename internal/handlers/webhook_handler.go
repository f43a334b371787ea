package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/service"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	registry   *providers.Registry
	reconciler *service.Reconciler
}

func NewWebhookHandler(registry *providers.Registry, reconciler *service.Reconciler) *WebhookHandler {
	return &WebhookHandler{registry: registry, reconciler: reconciler}
}

// Receive reads the raw body before anything parses it; signatures are
// computed over the exact bytes the provider sent.
func (h *WebhookHandler) Receive(c *gin.Context) {
	code := c.Param("provider")
	provider, err := h.registry.Get(code)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(raw) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	result, err := h.reconciler.Handle(c.Request.Context(), code, raw, c.GetHeader(provider.SignatureHeader()))
	if err != nil {
		if apperr.KindOf(err) == apperr.Authenticity {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		telemetry.Logger.Warn("Webhook processing failed",
			zap.String("provider", code),
			zap.Error(err),
		)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
