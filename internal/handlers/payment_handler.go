package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/service"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

type PaymentHandler struct {
	orchestrator *service.Orchestrator
}

func NewPaymentHandler(orchestrator *service.Orchestrator) *PaymentHandler {
	return &PaymentHandler{orchestrator: orchestrator}
}

type createPaymentRequest struct {
	Type              models.PaymentType  `json:"type"`
	Amount            decimal.Decimal     `json:"amount"`
	Currency          string              `json:"currency"`
	OrderID           string              `json:"order_id"`
	StoreID           string              `json:"store_id"`
	CustomerID        string              `json:"customer_id"`
	CustomerEmail     string              `json:"customer_email"`
	PaymentMethod     string              `json:"payment_method"`
	Description       string              `json:"description"`
	ReturnURL         string              `json:"return_url"`
	CancelURL         string              `json:"cancel_url"`
	ProviderCode      string              `json:"provider_code"`
	Country           string              `json:"country"`
	Features          []providers.Feature `json:"features"`
	Rate              int                 `json:"rate"`
	HoldDays          int                 `json:"hold_days"`
	HoldHours         int                 `json:"hold_hours"`
	HoldReason        string              `json:"hold_reason"`
	ReleaseConditions json.RawMessage     `json:"release_conditions"`
	Metadata          map[string]string   `json:"metadata"`
}

func (r createPaymentRequest) input() service.CreatePaymentInput {
	return service.CreatePaymentInput{
		Type:              r.Type,
		Amount:            r.Amount,
		Currency:          r.Currency,
		OrderID:           r.OrderID,
		StoreID:           r.StoreID,
		CustomerID:        r.CustomerID,
		CustomerEmail:     r.CustomerEmail,
		PaymentMethod:     r.PaymentMethod,
		Description:       r.Description,
		ReturnURL:         r.ReturnURL,
		CancelURL:         r.CancelURL,
		ProviderCode:      r.ProviderCode,
		Country:           r.Country,
		Features:          r.Features,
		Rate:              r.Rate,
		HoldDuration:      time.Duration(r.HoldDays)*24*time.Hour + time.Duration(r.HoldHours)*time.Hour,
		HoldReason:        r.HoldReason,
		ReleaseConditions: r.ReleaseConditions,
		Metadata:          r.Metadata,
	}
}

func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.CreatePayment(c.Request.Context(), req.input())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.orchestrator.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	p, err := h.orchestrator.VerifyPayment(c.Request.Context(), c.Param("id"))
	respond(c, p, err)
}

type releaseRequest struct {
	ReleasedBy string `json:"released_by"`
}

func (h *PaymentHandler) ReleasePayment(c *gin.Context) {
	var req releaseRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.ReleasePayment(c.Request.Context(), c.Param("id"), req.ReleasedBy)
	respond(c, p, err)
}

type disputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (h *PaymentHandler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.OpenDispute(c.Request.Context(), c.Param("id"), req.Reason, req.Description)
	respond(c, p, err)
}

type resolveRequest struct {
	Resolution string                `json:"resolution"`
	Outcome    models.DisputeOutcome `json:"outcome"`
	ResolvedBy string                `json:"resolved_by"`
}

func (h *PaymentHandler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution, req.Outcome, req.ResolvedBy)
	respond(c, p, err)
}

type refundRequest struct {
	// Amount defaults to the full settled amount.
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	var req refundRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	respond(c, p, err)
}

type settleRequest struct {
	Amount                decimal.Decimal `json:"amount"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
}

func (h *PaymentHandler) SettleBalance(c *gin.Context) {
	var req settleRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.orchestrator.SettleBalance(c.Request.Context(), c.Param("id"), req.Amount, req.ProviderTransactionID)
	respond(c, p, err)
}

func (h *PaymentHandler) CancelPayment(c *gin.Context) {
	p, err := h.orchestrator.CancelPayment(c.Request.Context(), c.Param("id"))
	respond(c, p, err)
}

// bindJSON accepts an empty body as the zero request.
func bindJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		telemetry.Logger.Debug("Error decoding request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

func respond(c *gin.Context, p *models.Payment, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := gin.H{
		"error": apperr.PublicMessage(err),
		"kind":  string(apperr.KindOf(err)),
	}
	if ae, ok := apperr.As(err); ok && len(ae.Fields) > 0 {
		body["fields"] = ae.Fields
	}
	if status >= http.StatusInternalServerError {
		telemetry.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("payment_id", c.Param("id")),
			zap.Error(err),
		)
	}
	c.JSON(status, body)
}
