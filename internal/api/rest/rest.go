package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/chatforge/wa-gateway/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth)
	router.GET("/health", handler.HealthCheck)

	// Platform-facing webhook endpoints. No Authorization middleware: the
	// handshake carries the verify token and deliveries carry an HMAC
	// signature over the raw body.
	router.GET("/webhook", handler.VerifyWebhook)
	router.POST("/webhook", handler.ReceiveWebhook)

	// Tenant-facing endpoints (Bearer JWT or ApiKey)
	auth := middleware.Auth(authCfg)
	router.POST("/connect", auth, handler.Connect)
	router.POST("/callback", auth, handler.Callback)
	router.POST("/disconnect/:tenant_id", auth, handler.Disconnect)
	router.GET("/status/:tenant_id", auth, handler.Status)
	router.GET("/quota/:tenant_id", auth, handler.Quota)
	router.POST("/send", auth, handler.Send)

	// Unknown paths get the standard error envelope instead of gin's empty 404
	router.NoRoute(func(c *gin.Context) {
		respondNotFound(c, "Resource not found")
	})
}
