package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/escrow-engine/internal/service"
)

type PaymentStateHandler struct {
	orchestrator *service.Orchestrator
}

func NewPaymentStateHandler(orchestrator *service.Orchestrator) *PaymentStateHandler {
	return &PaymentStateHandler{orchestrator: orchestrator}
}

// GetPaymentState returns the current status with its transition history.
func (h *PaymentStateHandler) GetPaymentState(c *gin.Context) {
	paymentID := c.Param("id")

	p, err := h.orchestrator.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}
	history, err := h.orchestrator.History(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":  paymentID,
		"state":       p.Status,
		"version":     p.Version,
		"held_until":  p.HeldUntil(),
		"transitions": history,
		"created_at":  p.CreatedAt,
		"updated_at":  p.UpdatedAt,
	})
}
