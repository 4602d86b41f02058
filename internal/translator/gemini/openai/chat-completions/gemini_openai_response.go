// Package chat_completions converts backend generateContent responses into
// OpenAI Chat Completions JSON, both as SSE chunk payloads and as complete
// documents. Thinking parts surface as reasoning_content deltas, tool calls
// are buffered and flushed in one chunk at finish time, and grounding
// metadata renders as a markdown source list the moment it appears in the
// stream.
package chat_completions

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/grounding"
	"github.com/geminibridge/geminibridge/internal/registry"
)

// Deps carries the shared collaborators used while converting responses.
type Deps struct {
	Signatures *cache.SignatureCache
	ToolNames  *registry.ToolNameRegistry
	Resolver   *grounding.Resolver
	SessionID  string
}

type depsCtxKey struct{}

// WithDeps attaches conversion collaborators to the context.
func WithDeps(ctx context.Context, deps *Deps) context.Context {
	return context.WithValue(ctx, depsCtxKey{}, deps)
}

func depsFromContext(ctx context.Context) *Deps {
	if ctx == nil {
		return &Deps{}
	}
	if deps, ok := ctx.Value(depsCtxKey{}).(*Deps); ok && deps != nil {
		return deps
	}
	return &Deps{}
}

type pendingToolCall struct {
	ID   string
	Name string
	Args string
}

type convertGeminiResponseToOpenAIParams struct {
	ResponseID           string
	CreatedAt            int64
	HasEmittedFirstChunk bool

	FinishReason     string
	HasFinishReason  bool
	HasUsageMetadata bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64

	PendingToolCalls []pendingToolCall
	toolCallCounter  int
	HasToolUse       bool
	HasSentFinal     bool

	ThinkingText strings.Builder

	WebSearchFlushed bool
}

func ensureOpenAIParams(param *any) *convertGeminiResponseToOpenAIParams {
	if param == nil {
		return &convertGeminiResponseToOpenAIParams{}
	}
	if existing, ok := (*param).(*convertGeminiResponseToOpenAIParams); ok && existing != nil {
		return existing
	}
	state := &convertGeminiResponseToOpenAIParams{}
	*param = state
	return state
}

func responseRoot(rawJSON []byte) gjson.Result {
	root := gjson.ParseBytes(rawJSON)
	if resp := root.Get("response"); resp.Exists() {
		return resp
	}
	return root
}

// ConvertGeminiResponseToOpenAI translates one backend chunk into zero or
// more chat.completion.chunk JSON payloads. The caller frames each payload
// as an SSE data line and appends the [DONE] marker itself.
func ConvertGeminiResponseToOpenAI(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	_ = originalRequestRawJSON
	_ = requestRawJSON

	state := ensureOpenAIParams(param)
	deps := depsFromContext(ctx)

	if bytes.Equal(bytes.TrimSpace(rawJSON), []byte("[DONE]")) {
		if !state.HasSentFinal && (state.HasEmittedFirstChunk || len(state.PendingToolCalls) > 0) {
			return appendFinishChunks(modelName, state)
		}
		return []string{}
	}

	resp := responseRoot(rawJSON)
	ensureResponseIdentity(state, resp)

	var chunks []string
	if !state.HasEmittedFirstChunk {
		role := buildStreamChunk(modelName, state, "", "")
		role, _ = sjson.Set(role, "choices.0.delta.role", "assistant")
		chunks = append(chunks, role)
		state.HasEmittedFirstChunk = true
	}

	candidate := resp.Get("candidates.0")
	if !state.WebSearchFlushed && grounding.HasGrounding(candidate) {
		// The source list goes out as soon as grounding metadata appears;
		// the answer text that follows streams as ordinary content deltas.
		data := grounding.Extract(candidate)
		if deps.Resolver != nil {
			deps.Resolver.ResolveResults(ctx, data.Results)
		}
		if sources := formatSources(data.Results); sources != "" {
			chunks = append(chunks, buildStreamChunk(modelName, state, sources, ""))
		}
		state.WebSearchFlushed = true
	}

	parts := candidate.Get("content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			text := part.Get("text")
			functionCall := part.Get("functionCall")

			switch {
			case text.Exists() && part.Get("thought").Bool():
				if signature := part.Get("thoughtSignature"); signature.Exists() && signature.String() != "" {
					if deps.Signatures != nil && state.ThinkingText.Len() > 0 {
						deps.Signatures.Put(deps.SessionID, modelName, cache.SignatureEntry{
							Signature: signature.String(),
							Content:   state.ThinkingText.String(),
							Scope:     cache.ScopeReasoning,
						})
					}
					chunk := buildStreamChunk(modelName, state, "", "")
					chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_signature", signature.String())
					chunk, _ = sjson.Delete(chunk, "choices.0.delta.content")
					chunks = append(chunks, chunk)
					continue
				}
				state.ThinkingText.WriteString(text.String())
				chunk := buildStreamChunk(modelName, state, "", "")
				chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", text.String())
				chunk, _ = sjson.Delete(chunk, "choices.0.delta.content")
				chunks = append(chunks, chunk)
			case text.Exists():
				if text.String() == "" {
					continue
				}
				chunks = append(chunks, buildStreamChunk(modelName, state, text.String(), ""))
			case functionCall.Exists():
				bufferToolCall(modelName, state, deps, functionCall)
			}
		}
	}

	if finish := candidate.Get("finishReason"); finish.Exists() {
		state.HasFinishReason = true
		state.FinishReason = finish.String()
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		recordUsage(state, usage)
	}

	if state.HasFinishReason && state.HasUsageMetadata && !state.HasSentFinal {
		chunks = append(chunks, appendFinishChunks(modelName, state)...)
	}

	return chunks
}

func ensureResponseIdentity(state *convertGeminiResponseToOpenAIParams, resp gjson.Result) {
	if state.ResponseID == "" {
		if id := resp.Get("responseId"); id.Exists() && id.String() != "" {
			state.ResponseID = id.String()
		} else {
			state.ResponseID = "chatcmpl-" + uuid.NewString()
		}
	}
	if state.CreatedAt == 0 {
		state.CreatedAt = time.Now().Unix()
	}
}

func bufferToolCall(modelName string, state *convertGeminiResponseToOpenAIParams, deps *Deps, functionCall gjson.Result) {
	name := functionCall.Get("name").String()
	if name == "" {
		return
	}
	if deps.ToolNames != nil {
		name = deps.ToolNames.Lookup(modelName, name)
	}
	id := functionCall.Get("id").String()
	if id == "" {
		state.toolCallCounter++
		id = fmt.Sprintf("call_%s_%d", uuid.NewString()[:8], state.toolCallCounter)
	}
	args := "{}"
	if a := functionCall.Get("args"); a.Exists() && gjson.Valid(a.Raw) && a.IsObject() {
		args = a.Raw
	}
	state.PendingToolCalls = append(state.PendingToolCalls, pendingToolCall{ID: id, Name: name, Args: args})
	state.HasToolUse = true
}

func recordUsage(state *convertGeminiResponseToOpenAIParams, usage gjson.Result) {
	state.HasUsageMetadata = true
	state.PromptTokens = usage.Get("promptTokenCount").Int()
	state.CompletionTokens = usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
	state.TotalTokens = usage.Get("totalTokenCount").Int()
	if state.TotalTokens == 0 {
		state.TotalTokens = state.PromptTokens + state.CompletionTokens
	}
}

// appendFinishChunks drains the buffered state: the tool-call burst, then the
// finish chunk carrying usage.
func appendFinishChunks(modelName string, state *convertGeminiResponseToOpenAIParams) []string {
	var chunks []string
	if !state.HasEmittedFirstChunk {
		role := buildStreamChunk(modelName, state, "", "")
		role, _ = sjson.Set(role, "choices.0.delta.role", "assistant")
		chunks = append(chunks, role)
		state.HasEmittedFirstChunk = true
	}

	if len(state.PendingToolCalls) > 0 {
		chunks = append(chunks, buildToolCallsChunk(modelName, state))
	}

	finish := buildStreamChunk(modelName, state, "", resolveFinishReason(state))
	finish, _ = sjson.Delete(finish, "choices.0.delta.content")
	if state.HasUsageMetadata {
		finish, _ = sjson.Set(finish, "usage.prompt_tokens", state.PromptTokens)
		finish, _ = sjson.Set(finish, "usage.completion_tokens", state.CompletionTokens)
		finish, _ = sjson.Set(finish, "usage.total_tokens", state.TotalTokens)
	}
	chunks = append(chunks, finish)

	state.HasSentFinal = true
	return chunks
}

func resolveFinishReason(state *convertGeminiResponseToOpenAIParams) string {
	if state.HasToolUse {
		return "tool_calls"
	}
	if state.FinishReason == "MAX_TOKENS" {
		return "length"
	}
	return "stop"
}

func buildStreamChunk(modelName string, state *convertGeminiResponseToOpenAIParams, content, finishReason string) string {
	ensureResponseIdentity(state, gjson.Result{})
	json := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"content":""},"finish_reason":null}]}`
	json, _ = sjson.Set(json, "id", state.ResponseID)
	json, _ = sjson.Set(json, "model", modelName)
	json, _ = sjson.Set(json, "created", state.CreatedAt)
	json, _ = sjson.Set(json, "choices.0.delta.content", content)
	if finishReason != "" {
		json, _ = sjson.Set(json, "choices.0.finish_reason", finishReason)
	}
	return json
}

func buildToolCallsChunk(modelName string, state *convertGeminiResponseToOpenAIParams) string {
	json := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{"tool_calls":[]},"finish_reason":null}]}`
	json, _ = sjson.Set(json, "id", state.ResponseID)
	json, _ = sjson.Set(json, "model", modelName)
	json, _ = sjson.Set(json, "created", state.CreatedAt)
	for i, call := range state.PendingToolCalls {
		base := "choices.0.delta.tool_calls." + strconv.Itoa(i)
		json, _ = sjson.Set(json, base+".index", i)
		json, _ = sjson.Set(json, base+".id", call.ID)
		json, _ = sjson.Set(json, base+".type", "function")
		json, _ = sjson.Set(json, base+".function.name", call.Name)
		json, _ = sjson.Set(json, base+".function.arguments", call.Args)
	}
	state.PendingToolCalls = nil
	return json
}

// formatSources renders resolved grounding results as a markdown list.
func formatSources(results []grounding.WebSearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n**Sources:**\n")
	for _, result := range results {
		title := result.Title
		if title == "" {
			title = result.URL
		}
		sb.WriteString(fmt.Sprintf("- [%s](%s)\n", title, result.URL))
	}
	return sb.String()
}
