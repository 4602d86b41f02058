// Package claude converts backend generateContent responses into Anthropic
// messages SSE events and non-streaming message documents. The streaming
// converter is a state machine over content block types; it keeps thinking,
// text and tool-use blocks strictly non-interleaved, buffers tool calls until
// the finish signal, and replays grounding metadata as web-search blocks.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/grounding"
	"github.com/geminibridge/geminibridge/internal/registry"
)

// Deps carries the shared collaborators the conversion needs. Handlers attach
// them to the request context before streaming starts.
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

// Block type states: 0=none, 1=text, 2=thinking, 3=tool.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

type pendingToolCall struct {
	ID   string
	Name string
	Args string
}

type webSearchState struct {
	ToolUseID string
	Query     string
	Results   []grounding.WebSearchResult
	Supports  []gjson.Result
}

// Params keeps the per-stream state across chunk conversions.
type Params struct {
	HasFirstResponse bool
	ResponseType     int
	ResponseIndex    int

	HasFinishReason      bool
	FinishReason         string
	HasUsageMetadata     bool
	PromptTokenCount     int64
	CandidatesTokenCount int64
	ThoughtsTokenCount   int64
	TotalTokenCount      int64
	CachedTokenCount     int64

	HasSentFinalEvents bool
	HasToolUse         bool
	HasContent         bool

	CurrentThinkingText strings.Builder
	PendingToolCalls    []pendingToolCall
	toolCallCounter     int

	WebSearchFlushed bool
	WebSearch        webSearchState
}

func ensureClaudeParams(param *any) *Params {
	if param == nil {
		return &Params{}
	}
	if existing, ok := (*param).(*Params); ok && existing != nil {
		return existing
	}
	state := &Params{}
	*param = state
	return state
}

// responseRoot unwraps the optional {"response": ...} envelope.
func responseRoot(rawJSON []byte) gjson.Result {
	root := gjson.ParseBytes(rawJSON)
	if resp := root.Get("response"); resp.Exists() {
		return resp
	}
	return root
}

// ConvertGeminiResponseToClaude translates one backend chunk into zero or
// more Claude SSE frames. State is kept behind param across calls; the
// terminal "[DONE]" marker flushes buffered tool calls and closes the stream.
func ConvertGeminiResponseToClaude(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) []string {
	_ = originalRequestRawJSON
	_ = requestRawJSON

	params := ensureClaudeParams(param)
	deps := depsFromContext(ctx)

	if bytes.Equal(bytes.TrimSpace(rawJSON), []byte("[DONE]")) {
		output := ""
		if params.HasContent || len(params.PendingToolCalls) > 0 {
			appendFinalEvents(params, &output, true)
			return []string{output + "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"}
		}
		return []string{}
	}

	resp := responseRoot(rawJSON)
	output := ""

	if !params.HasFirstResponse {
		output += messageStartEvent(modelName, resp)
		params.HasFirstResponse = true
	}

	candidate := resp.Get("candidates.0")
	if !params.WebSearchFlushed && grounding.HasGrounding(candidate) {
		// Search blocks go out the moment grounding metadata appears; the
		// answer text that follows streams as ordinary deltas after them.
		mergeWebSearchState(&params.WebSearch, candidate)
		emitWebSearchBlocks(ctx, params, deps, &output)
		params.WebSearchFlushed = true
	}

	parts := candidate.Get("content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			text := part.Get("text")
			functionCall := part.Get("functionCall")

			switch {
			case text.Exists() && part.Get("thought").Bool():
				processThinkingPart(modelName, params, deps, &output, part, text)
			case text.Exists():
				processTextPart(params, &output, text.String(), candidate)
			case functionCall.Exists():
				bufferToolCall(modelName, params, deps, functionCall)
			}
		}
	}

	if finish := candidate.Get("finishReason"); finish.Exists() {
		params.HasFinishReason = true
		params.FinishReason = finish.String()
	}
	if usage := resp.Get("usageMetadata"); usage.Exists() {
		recordUsage(params, usage)
	}

	if params.HasUsageMetadata && params.HasFinishReason {
		appendFinalEvents(params, &output, false)
	}

	if output == "" {
		return []string{}
	}
	return []string{output}
}

func messageStartEvent(modelName string, resp gjson.Result) string {
	template := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	template, _ = sjson.Set(template, "message.model", modelName)
	if id := resp.Get("responseId"); id.Exists() {
		template, _ = sjson.Set(template, "message.id", id.String())
	}
	if prompt := resp.Get("usageMetadata.promptTokenCount"); prompt.Exists() {
		template, _ = sjson.Set(template, "message.usage.input_tokens", prompt.Int())
	}
	return "event: message_start\ndata: " + template + "\n\n"
}

// processThinkingPart streams thinking deltas and captures the continuation
// signature when the backend hands one out.
func processThinkingPart(modelName string, params *Params, deps *Deps, output *string, part, text gjson.Result) {
	if signature := part.Get("thoughtSignature"); signature.Exists() && signature.String() != "" {
		if deps.Signatures != nil && params.CurrentThinkingText.Len() > 0 {
			deps.Signatures.Put(deps.SessionID, modelName, cache.SignatureEntry{
				Signature: signature.String(),
				Content:   params.CurrentThinkingText.String(),
				Scope:     cache.ScopeReasoning,
			})
			params.CurrentThinkingText.Reset()
		}
		data, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, params.ResponseIndex), "delta.signature", signature.String())
		*output += "event: content_block_delta\ndata: " + data + "\n\n"
		params.HasContent = true
		return
	}

	if params.ResponseType == blockThinking {
		params.CurrentThinkingText.WriteString(text.String())
		data, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, params.ResponseIndex), "delta.thinking", text.String())
		*output += "event: content_block_delta\ndata: " + data + "\n\n"
		params.HasContent = true
		return
	}

	closeOpenBlock(params, output)

	*output += "event: content_block_start\n"
	*output += fmt.Sprintf("data: {\"type\":\"content_block_start\",\"index\":%d,\"content_block\":{\"type\":\"thinking\",\"thinking\":\"\"}}\n\n", params.ResponseIndex)
	data, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, params.ResponseIndex), "delta.thinking", text.String())
	*output += "event: content_block_delta\ndata: " + data + "\n\n"
	params.ResponseType = blockThinking
	params.HasContent = true
	params.CurrentThinkingText.Reset()
	params.CurrentThinkingText.WriteString(text.String())
}

func processTextPart(params *Params, output *string, text string, candidate gjson.Result) {
	if text == "" && candidate.Get("finishReason").Exists() {
		return
	}

	if params.ResponseType == blockText {
		data, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, params.ResponseIndex), "delta.text", text)
		*output += "event: content_block_delta\ndata: " + data + "\n\n"
		params.HasContent = true
		return
	}

	closeOpenBlock(params, output)
	if text == "" {
		return
	}

	*output += "event: content_block_start\n"
	*output += fmt.Sprintf("data: {\"type\":\"content_block_start\",\"index\":%d,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n", params.ResponseIndex)
	data, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, params.ResponseIndex), "delta.text", text)
	*output += "event: content_block_delta\ndata: " + data + "\n\n"
	params.ResponseType = blockText
	params.HasContent = true
}

// bufferToolCall records a function call for the flush at finish time.
// Callers expect the complete tool-call set in one burst, so nothing is
// emitted yet.
func bufferToolCall(modelName string, params *Params, deps *Deps, functionCall gjson.Result) {
	name := functionCall.Get("name").String()
	if name == "" {
		return
	}
	if deps.ToolNames != nil {
		name = deps.ToolNames.Lookup(modelName, name)
	}
	id := functionCall.Get("id").String()
	if id == "" {
		params.toolCallCounter++
		id = fmt.Sprintf("toolu_%s_%d", sanitizeIDFragment(name), params.toolCallCounter)
	}
	args := "{}"
	if a := functionCall.Get("args"); a.Exists() && gjson.Valid(a.Raw) && a.IsObject() {
		args = a.Raw
	}
	params.PendingToolCalls = append(params.PendingToolCalls, pendingToolCall{ID: id, Name: name, Args: args})
	params.HasToolUse = true
}

func sanitizeIDFragment(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func closeOpenBlock(params *Params, output *string) {
	if params.ResponseType == blockNone {
		return
	}
	*output += "event: content_block_stop\n"
	*output += fmt.Sprintf("data: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", params.ResponseIndex)
	params.ResponseIndex++
	params.ResponseType = blockNone
}

func recordUsage(params *Params, usage gjson.Result) {
	params.HasUsageMetadata = true
	params.CachedTokenCount = usage.Get("cachedContentTokenCount").Int()
	params.PromptTokenCount = usage.Get("promptTokenCount").Int() - params.CachedTokenCount
	params.CandidatesTokenCount = usage.Get("candidatesTokenCount").Int()
	params.ThoughtsTokenCount = usage.Get("thoughtsTokenCount").Int()
	params.TotalTokenCount = usage.Get("totalTokenCount").Int()
	if params.CandidatesTokenCount == 0 && params.TotalTokenCount > 0 {
		params.CandidatesTokenCount = params.TotalTokenCount - params.PromptTokenCount - params.ThoughtsTokenCount
		if params.CandidatesTokenCount < 0 {
			params.CandidatesTokenCount = 0
		}
	}
}

func mergeWebSearchState(state *webSearchState, candidate gjson.Result) {
	data := grounding.Extract(candidate)
	if data.Query != "" {
		state.Query = data.Query
	}
	if len(data.Results) > 0 {
		state.Results = data.Results
	}
	if len(data.Supports) > 0 {
		state.Supports = data.Supports
	}
}

func appendFinalEvents(params *Params, output *string, force bool) {
	if params.HasSentFinalEvents {
		return
	}
	if !params.HasUsageMetadata && !force {
		return
	}
	if !params.HasContent && len(params.PendingToolCalls) == 0 {
		return
	}

	closeOpenBlock(params, output)
	flushPendingToolCalls(params, output)

	stopReason := resolveStopReason(params)
	outputTokens := params.CandidatesTokenCount + params.ThoughtsTokenCount
	if outputTokens == 0 && params.TotalTokenCount > 0 {
		outputTokens = params.TotalTokenCount - params.PromptTokenCount
		if outputTokens < 0 {
			outputTokens = 0
		}
	}

	delta := fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"%s","stop_sequence":null},"usage":{"input_tokens":%d,"output_tokens":%d}}`, stopReason, params.PromptTokenCount, outputTokens)
	if params.CachedTokenCount > 0 {
		var err error
		delta, err = sjson.Set(delta, "usage.cache_read_input_tokens", params.CachedTokenCount)
		if err != nil {
			log.Warnf("claude response: failed to set cache_read_input_tokens: %v", err)
		}
	}
	*output += "event: message_delta\ndata: " + delta + "\n\n"

	params.HasSentFinalEvents = true
}

// flushPendingToolCalls emits every buffered tool call as its own content
// block once the finish signal arrived.
func flushPendingToolCalls(params *Params, output *string) {
	for _, call := range params.PendingToolCalls {
		start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, params.ResponseIndex)
		start, _ = sjson.Set(start, "content_block.id", call.ID)
		start, _ = sjson.Set(start, "content_block.name", call.Name)
		*output += "event: content_block_start\ndata: " + start + "\n\n"

		delta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, params.ResponseIndex), "delta.partial_json", call.Args)
		*output += "event: content_block_delta\ndata: " + delta + "\n\n"

		*output += "event: content_block_stop\n"
		*output += fmt.Sprintf("data: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", params.ResponseIndex)
		params.ResponseIndex++
	}
	params.PendingToolCalls = nil
}

// emitWebSearchBlocks renders the grounding data as the Claude search block
// sequence: server_tool_use, web_search_tool_result, citation segments. The
// answer text streams afterwards as ordinary text blocks.
func emitWebSearchBlocks(ctx context.Context, params *Params, deps *Deps, output *string) {
	closeOpenBlock(params, output)

	if params.WebSearch.ToolUseID == "" {
		params.WebSearch.ToolUseID = grounding.NewServerToolUseID()
	}
	if deps.Resolver != nil {
		deps.Resolver.ResolveResults(ctx, params.WebSearch.Results)
	}

	start := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"server_tool_use","id":"","name":"web_search","input":{}}}`, params.ResponseIndex)
	start, _ = sjson.Set(start, "content_block.id", params.WebSearch.ToolUseID)
	*output += "event: content_block_start\ndata: " + start + "\n\n"

	queryJSON, _ := sjson.Set(`{"query":""}`, "query", params.WebSearch.Query)
	inputDelta, _ := sjson.Set(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, params.ResponseIndex), "delta.partial_json", queryJSON)
	*output += "event: content_block_delta\ndata: " + inputDelta + "\n\n"
	*output += "event: content_block_stop\n"
	*output += fmt.Sprintf("data: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", params.ResponseIndex)
	params.ResponseIndex++

	resultsJSON, _ := json.Marshal(params.WebSearch.Results)
	toolResult := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"web_search_tool_result","tool_use_id":"","content":[]}}`, params.ResponseIndex)
	toolResult, _ = sjson.Set(toolResult, "content_block.tool_use_id", params.WebSearch.ToolUseID)
	toolResult, _ = sjson.SetRaw(toolResult, "content_block.content", string(resultsJSON))
	*output += "event: content_block_start\ndata: " + toolResult + "\n\n"
	*output += "event: content_block_stop\n"
	*output += fmt.Sprintf("data: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", params.ResponseIndex)
	params.ResponseIndex++

	for _, block := range grounding.BuildCitations(params.WebSearch.Results, params.WebSearch.Supports) {
		startBlock := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":"","citations":[]}}`, params.ResponseIndex)
		*output += "event: content_block_start\ndata: " + startBlock + "\n\n"

		citationDelta, _ := sjson.SetRaw(fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"citations_delta","citation":null}}`, params.ResponseIndex), "delta.citation", block.JSON)
		*output += "event: content_block_delta\ndata: " + citationDelta + "\n\n"

		*output += "event: content_block_stop\n"
		*output += fmt.Sprintf("data: {\"type\":\"content_block_stop\",\"index\":%d}\n\n", params.ResponseIndex)
		params.ResponseIndex++
	}

	params.ResponseType = blockNone
	params.HasContent = true
}

func resolveStopReason(params *Params) string {
	if params.HasToolUse {
		return "tool_use"
	}
	switch params.FinishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	}
	return "end_turn"
}
