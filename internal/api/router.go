package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/escrow-engine/internal/handlers"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/service"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

func NewRouter(orchestrator *service.Orchestrator, reconciler *service.Reconciler, registry *providers.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": telemetry.ServiceName, "providers": registry.Codes()})
	})

	// Payment routes
	paymentHandler := handlers.NewPaymentHandler(orchestrator)
	stateHandler := handlers.NewPaymentStateHandler(orchestrator)
	payments := r.Group("/payments")
	{
		payments.POST("", paymentHandler.CreatePayment)
		payments.GET("/:id", paymentHandler.GetPayment)
		payments.GET("/:id/state", stateHandler.GetPaymentState)
		payments.POST("/:id/verify", paymentHandler.VerifyPayment)
		payments.POST("/:id/release", paymentHandler.ReleasePayment)
		payments.POST("/:id/dispute", paymentHandler.OpenDispute)
		payments.POST("/:id/dispute/resolve", paymentHandler.ResolveDispute)
		payments.POST("/:id/refund", paymentHandler.Refund)
		payments.POST("/:id/settle", paymentHandler.SettleBalance)
		payments.POST("/:id/cancel", paymentHandler.CancelPayment)
	}

	// Provider callbacks
	webhookHandler := handlers.NewWebhookHandler(registry, reconciler)
	r.POST("/webhooks/:provider", webhookHandler.Receive)

	return r
}
