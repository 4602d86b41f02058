package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geminibridge/geminibridge/internal/api/handlers"
)

// APIKeyAuth validates client credentials against the configured key list.
// With no keys configured the proxy is open and the middleware is a no-op.
func APIKeyAuth(base *handlers.BaseAPIHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := base.Cfg()
		if cfg == nil || len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		key := extractAPIKey(c)
		for _, allowed := range cfg.APIKeys {
			if key != "" && key == allowed {
				c.Next()
				return
			}
		}

		c.Data(http.StatusUnauthorized, "application/json", handlers.BuildErrorResponseBody(http.StatusUnauthorized, "invalid API key"))
		c.Abort()
	}
}

// extractAPIKey accepts the OpenAI bearer convention, the Anthropic
// x-api-key header, and a bare key query parameter.
func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(c.Query("key"))
}
