package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// WebhookCORS applies the permissive CORS policy the carrier automation
// vendors require for their callback clients, plus cache-disabling headers
// so intermediaries never replay a stale acknowledgement.
func WebhookCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
		h.Set("Pragma", "no-cache")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
