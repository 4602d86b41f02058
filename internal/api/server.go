// Package api wires the gin router: middleware, protocol routes, and the
// shared handler collaborators.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/geminibridge/geminibridge/internal/api/handlers"
	claudehandlers "github.com/geminibridge/geminibridge/internal/api/handlers/claude"
	openaihandlers "github.com/geminibridge/geminibridge/internal/api/handlers/openai"
	"github.com/geminibridge/geminibridge/internal/logging"
)

// NewRouter builds the HTTP surface: OpenAI chat completions, Claude
// messages, model listing, and token counting, all behind API-key auth.
func NewRouter(base *handlers.BaseAPIHandler) *gin.Engine {
	if cfg := base.Cfg(); cfg == nil || !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(base))

	openaiHandler := openaihandlers.NewOpenAIAPIHandler(base)
	claudeHandler := claudehandlers.NewClaudeAPIHandler(base)

	v1 := engine.Group("/v1", APIKeyAuth(base))
	{
		v1.GET("/models", openaiHandler.Models)
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.POST("/messages", claudeHandler.Messages)
		v1.POST("/messages/count_tokens", claudeHandler.CountTokens)
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "accounts": base.Pool.EnabledCount()})
	})

	return engine
}

func requestLogger(base *handlers.BaseAPIHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cfg := base.Cfg()
		if (cfg != nil && cfg.RequestLog) || logging.VerboseEnabled() {
			log.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
		}
	}
}
