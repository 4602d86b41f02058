// Package claude implements the Anthropic messages surface. Requests are
// rebuilt as backend generateContent calls; responses stream back as the
// messages SSE event sequence or a single message document.
package claude

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	"github.com/geminibridge/geminibridge/internal/api/handlers"
	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	claudereq "github.com/geminibridge/geminibridge/internal/translator/claude/gemini"
	geminitr "github.com/geminibridge/geminibridge/internal/translator/gemini"
	claudechat "github.com/geminibridge/geminibridge/internal/translator/gemini/claude"
)

// ClaudeAPIHandler serves /v1/messages and /v1/messages/count_tokens.
type ClaudeAPIHandler struct {
	*handlers.BaseAPIHandler
}

func NewClaudeAPIHandler(base *handlers.BaseAPIHandler) *ClaudeAPIHandler {
	return &ClaudeAPIHandler{BaseAPIHandler: base}
}

// Messages handles POST /v1/messages.
func (h *ClaudeAPIHandler) Messages(c *gin.Context) {
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
	body, backendModel := claudereq.ConvertClaudeRequestToGemini(modelName, rawJSON, opts)
	log.Debugf("messages: model %s -> %s stream=%v", modelName, backendModel, gjson.GetBytes(rawJSON, "stream").Bool())

	ctx = claudechat.WithDeps(ctx, &claudechat.Deps{
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

func (h *ClaudeAPIHandler) handleNonStreaming(c *gin.Context, ctx context.Context, modelName string, body []byte, account *geminiauth.Account) {
	data, err := h.Executor.Execute(ctx, account, body)
	if err != nil {
		h.WriteErrorFromUpstream(c, err)
		return
	}
	out := claudechat.ConvertGeminiResponseToClaudeNonStream(ctx, modelName, nil, body, data, nil)
	c.Data(http.StatusOK, "application/json", []byte(out))
}

func (h *ClaudeAPIHandler) handleStreaming(c *gin.Context, ctx context.Context, modelName string, body []byte, account *geminiauth.Account) {
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
			_, _ = c.Writer.Write([]byte("event: ping\ndata: {\"type\": \"ping\"}\n\n"))
			flusher.Flush()
		case chunk, open := <-stream:
			if !open {
				for _, frame := range claudechat.ConvertGeminiResponseToClaude(ctx, modelName, nil, body, []byte("[DONE]"), &param) {
					_, _ = c.Writer.Write([]byte(frame))
				}
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				errBody := handlers.BuildErrorResponseBody(http.StatusInternalServerError, chunk.Err.Error())
				_, _ = c.Writer.Write([]byte("event: error\ndata: " + string(errBody) + "\n\n"))
				flusher.Flush()
				return
			}
			for _, frame := range claudechat.ConvertGeminiResponseToClaude(ctx, modelName, nil, body, chunk.Payload, &param) {
				_, _ = c.Writer.Write([]byte(frame))
			}
			flusher.Flush()
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens with a tokenizer
// approximation over the textual content of the request.
func (h *ClaudeAPIHandler) CountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, handlers.ErrorResponse{
			Error: handlers.ErrorDetail{Message: "Invalid request: " + err.Error(), Type: "invalid_request_error"},
		})
		return
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		c.Data(http.StatusInternalServerError, "application/json", handlers.BuildErrorResponseBody(http.StatusInternalServerError, err.Error()))
		return
	}

	total := 0
	for _, text := range collectRequestText(rawJSON) {
		if ids, _, errEnc := enc.Encode(text); errEnc == nil {
			total += len(ids)
		}
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": total})
}

// collectRequestText gathers every text span of a messages request: the
// system prompt, message content, tool results, and tool definitions.
func collectRequestText(rawJSON []byte) []string {
	var texts []string
	appendText := func(s string) {
		if s != "" {
			texts = append(texts, s)
		}
	}

	if system := gjson.GetBytes(rawJSON, "system"); system.Exists() {
		if system.IsArray() {
			for _, seg := range system.Array() {
				appendText(seg.Get("text").String())
			}
		} else {
			appendText(system.String())
		}
	}

	for _, msg := range gjson.GetBytes(rawJSON, "messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			appendText(content.String())
			continue
		}
		for _, seg := range content.Array() {
			switch seg.Get("type").String() {
			case "text", "thinking":
				appendText(seg.Get("text").String())
				appendText(seg.Get("thinking").String())
			case "tool_result":
				inner := seg.Get("content")
				if inner.IsArray() {
					for _, part := range inner.Array() {
						appendText(part.Get("text").String())
					}
				} else {
					appendText(inner.String())
				}
			case "tool_use":
				appendText(seg.Get("input").Raw)
			}
		}
	}

	for _, tool := range gjson.GetBytes(rawJSON, "tools").Array() {
		appendText(tool.Get("name").String())
		appendText(tool.Get("description").String())
		appendText(tool.Get("input_schema").Raw)
	}
	return texts
}
