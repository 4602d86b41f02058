// Package openai implements the OpenAI chat-completions surface. Requests
// are rebuilt as backend generateContent calls, and backend responses are
// replayed as chat.completion documents or SSE chunk streams.
package openai

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/geminibridge/geminibridge/internal/api/handlers"
	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/registry"
	geminitr "github.com/geminibridge/geminibridge/internal/translator/gemini"
	oaichat "github.com/geminibridge/geminibridge/internal/translator/gemini/openai/chat-completions"
	oaireq "github.com/geminibridge/geminibridge/internal/translator/openai/gemini"
)

// OpenAIAPIHandler serves /v1/chat/completions and /v1/models.
type OpenAIAPIHandler struct {
	*handlers.BaseAPIHandler
}

func NewOpenAIAPIHandler(base *handlers.BaseAPIHandler) *OpenAIAPIHandler {
	return &OpenAIAPIHandler{BaseAPIHandler: base}
}

// Models handles GET /v1/models.
func (h *OpenAIAPIHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.Models(h.Cfg()),
	})
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIAPIHandler) ChatCompletions(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "Invalid request: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()
	if !h.ModelKnown(modelName) {
		c.Data(http.StatusNotFound, "application/json", handlers.BuildErrorResponseBody(http.StatusNotFound, "model not found: "+modelName))
		return
	}

	ctx := c.Request.Context()
	account, err := h.Pool.Acquire(ctx)
	if err != nil {
		c.Data(http.StatusServiceUnavailable, "application/json", handlers.BuildErrorResponseBody(http.StatusServiceUnavailable, err.Error()))
		return
	}
	defer h.Pool.Release(account)

	opts := &geminitr.BuildOptions{
		Config:     h.Cfg(),
		Signatures: h.Signatures,
		ToolNames:  h.ToolNames,
		SessionID:  account.Storage.SessionID,
		ProjectID:  account.Storage.ProjectID,
	}
	body, backendModel := oaireq.ConvertOpenAIRequestToGemini(modelName, rawJSON, opts)
	log.Debugf("chat completions: model %s -> %s stream=%v", modelName, backendModel, gjson.GetBytes(rawJSON, "stream").Bool())

	ctx = oaichat.WithDeps(ctx, &oaichat.Deps{
		Signatures: h.Signatures,
		ToolNames:  h.ToolNames,
		Resolver:   h.Resolver,
		SessionID:  account.Storage.SessionID,
	})

	if gjson.GetBytes(rawJSON, "stream").Bool() {
		h.handleStreaming(c, ctx, modelName, body, account)
		return
	}
	h.handleNonStreaming(c, ctx, modelName, body, account)
}

func (h *OpenAIAPIHandler) handleNonStreaming(c *gin.Context, ctx context.Context, modelName string, body []byte, account *geminiauth.Account) {
	data, err := h.Executor.Execute(ctx, account, body)
	if err != nil {
		h.WriteErrorFromUpstream(c, err)
		return
	}
	out := oaichat.ConvertGeminiResponseToOpenAINonStream(ctx, modelName, nil, body, data, nil)
	c.Data(http.StatusOK, "application/json", []byte(out))
}

func (h *OpenAIAPIHandler) handleStreaming(c *gin.Context, ctx context.Context, modelName string, body []byte, account *geminiauth.Account) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "Streaming not supported", Type: "server_error"},
		})
		return
	}

	stream, err := h.Executor.ExecuteStream(ctx, account, body)
	if err != nil {
		h.WriteErrorFromUpstream(c, err)
		return
	}

	h.SetSSEHeaders(c)
	flusher.Flush()

	keepAlive := handlers.NewKeepAliveTicker(h.StreamingKeepAliveInterval())
	defer keepAlive.Stop()

	var param any
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepAlive.C():
			_, _ = c.Writer.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case chunk, open := <-stream:
			if !open {
				for _, payload := range oaichat.ConvertGeminiResponseToOpenAI(ctx, modelName, nil, body, []byte("[DONE]"), &param) {
					_, _ = c.Writer.Write([]byte("data: " + payload + "\n\n"))
				}
				_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				body := handlers.BuildErrorResponseBody(http.StatusInternalServerError, chunk.Err.Error())
				_, _ = c.Writer.Write([]byte("event: error\ndata: " + string(body) + "\n\n"))
				flusher.Flush()
				return
			}
			for _, payload := range oaichat.ConvertGeminiResponseToOpenAI(ctx, modelName, nil, body, chunk.Payload, &param) {
				_, _ = c.Writer.Write([]byte("data: " + payload + "\n\n"))
			}
			flusher.Flush()
		}
	}
}
