// Package handlers provides shared functionality for the client-facing API
// endpoints: error response shaping, SSE setup, and the collaborators each
// protocol handler needs (config, account pool, executor, caches).
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/grounding"
	"github.com/geminibridge/geminibridge/internal/registry"
	"github.com/geminibridge/geminibridge/internal/runtime/executor"
)

// ErrorResponse is the standard error envelope for client-facing endpoints.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a human-readable message, an error category, and an
// optional short code.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// BaseAPIHandler holds the collaborators shared by the protocol handlers.
// The config sits behind an atomic pointer so hot reloads swap it without
// racing in-flight requests.
type BaseAPIHandler struct {
	cfg        atomic.Pointer[config.Config]
	Pool       *geminiauth.Pool
	Executor   *executor.GeminiExecutor
	Signatures *cache.SignatureCache
	ToolNames  *registry.ToolNameRegistry
	Resolver   *grounding.Resolver
}

func NewBaseAPIHandler(cfg *config.Config, pool *geminiauth.Pool, exec *executor.GeminiExecutor, signatures *cache.SignatureCache, toolNames *registry.ToolNameRegistry, resolver *grounding.Resolver) *BaseAPIHandler {
	h := &BaseAPIHandler{
		Pool:       pool,
		Executor:   exec,
		Signatures: signatures,
		ToolNames:  toolNames,
		Resolver:   resolver,
	}
	h.cfg.Store(cfg)
	return h
}

// Cfg returns the current configuration snapshot.
func (h *BaseAPIHandler) Cfg() *config.Config {
	return h.cfg.Load()
}

// SwapConfig installs a new configuration; in-flight requests keep the
// snapshot they started with.
func (h *BaseAPIHandler) SwapConfig(next *config.Config) {
	if next != nil {
		h.cfg.Store(next)
	}
}

// BuildErrorResponseBody builds an OpenAI-compatible JSON error body. If
// errText is already valid JSON it is returned as-is so upstream error
// payloads survive intact.
func BuildErrorResponseBody(status int, errText string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	if errText == "" {
		errText = http.StatusText(status)
	}
	if json.Valid([]byte(errText)) {
		return []byte(errText)
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType = "authentication_error"
		code = "invalid_api_key"
	case http.StatusForbidden:
		errType = "permission_error"
		code = "insufficient_quota"
	case http.StatusTooManyRequests:
		errType = "rate_limit_error"
		code = "rate_limit_exceeded"
	case http.StatusNotFound:
		errType = "invalid_request_error"
		code = "model_not_found"
	default:
		if status >= http.StatusInternalServerError {
			errType = "server_error"
			code = "internal_server_error"
		}
	}

	payload, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{Message: errText, Type: errType, Code: code},
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":{"message":%q,"type":"server_error","code":"internal_server_error"}}`, errText))
	}
	return payload
}

// WriteErrorFromUpstream mirrors an executor failure to the client, keeping
// the upstream status when one is attached.
func (h *BaseAPIHandler) WriteErrorFromUpstream(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if code, ok := executor.StatusCode(err); ok {
		status = code
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.Data(status, "application/json", BuildErrorResponseBody(status, msg))
}

// StreamingKeepAliveInterval returns the SSE keep-alive interval; 0 disables
// keep-alives.
func (h *BaseAPIHandler) StreamingKeepAliveInterval() time.Duration {
	cfg := h.Cfg()
	if cfg == nil || cfg.Streaming.KeepAliveSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.Streaming.KeepAliveSeconds) * time.Second
}

// SetSSEHeaders prepares the response for a server-sent-event stream.
func (h *BaseAPIHandler) SetSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	if cfg := h.Cfg(); cfg != nil && cfg.Streaming.DisableProxyBuffering {
		c.Header("X-Accel-Buffering", "no")
	}
}

// ModelKnown reports whether the caller-visible model is configured.
func (h *BaseAPIHandler) ModelKnown(model string) bool {
	cfg := h.Cfg()
	if cfg == nil {
		return false
	}
	_, ok := cfg.Gemini.Models[model]
	return ok
}
