package chat_completions

import (
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
)

// ConvertGeminiResponseToOpenAINonStream builds a complete chat.completion
// document from a whole generateContent response body.
func ConvertGeminiResponseToOpenAINonStream(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	_ = originalRequestRawJSON
	_ = requestRawJSON
	_ = param

	deps := depsFromContext(ctx)
	resp := responseRoot(rawJSON)
	candidate := resp.Get("candidates.0")

	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}}`
	if id := resp.Get("responseId"); id.Exists() && id.String() != "" {
		out, _ = sjson.Set(out, "id", id.String())
	} else {
		out, _ = sjson.Set(out, "id", "chatcmpl-"+uuid.NewString())
	}
	out, _ = sjson.Set(out, "model", modelName)
	out, _ = sjson.Set(out, "created", time.Now().Unix())

	var textBuf, thinkingBuf strings.Builder
	thinkingSignature := ""
	toolCallIndex := 0
	toolCallCounter := 0
	var imageParts []gjson.Result

	parts := candidate.Get("content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			text := part.Get("text")
			functionCall := part.Get("functionCall")
			inlineData := part.Get("inlineData")

			switch {
			case text.Exists() && part.Get("thought").Bool():
				if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
					thinkingSignature = sig.String()
					if deps.Signatures != nil && thinkingBuf.Len() > 0 {
						deps.Signatures.Put(deps.SessionID, modelName, cache.SignatureEntry{
							Signature: sig.String(),
							Content:   thinkingBuf.String(),
							Scope:     cache.ScopeReasoning,
						})
					}
				}
				thinkingBuf.WriteString(text.String())
			case text.Exists():
				textBuf.WriteString(text.String())
			case functionCall.Exists():
				name := functionCall.Get("name").String()
				if name == "" {
					continue
				}
				if deps.ToolNames != nil {
					name = deps.ToolNames.Lookup(modelName, name)
				}
				id := functionCall.Get("id").String()
				if id == "" {
					toolCallCounter++
					id = fmt.Sprintf("call_%s_%d", uuid.NewString()[:8], toolCallCounter)
				}
				args := "{}"
				if a := functionCall.Get("args"); a.Exists() && gjson.Valid(a.Raw) && a.IsObject() {
					args = a.Raw
				}
				base := "choices.0.message.tool_calls." + strconv.Itoa(toolCallIndex)
				out, _ = sjson.Set(out, base+".id", id)
				out, _ = sjson.Set(out, base+".type", "function")
				out, _ = sjson.Set(out, base+".function.name", name)
				out, _ = sjson.Set(out, base+".function.arguments", args)
				toolCallIndex++
			case inlineData.Exists():
				imageParts = append(imageParts, inlineData)
			}
		}
	}

	if grounding.HasGrounding(candidate) {
		data := grounding.Extract(candidate)
		if deps.Resolver != nil {
			deps.Resolver.ResolveResults(ctx, data.Results)
		}
		if sources := formatSources(data.Results); sources != "" {
			textBuf.WriteString(sources)
		}
	} else {
		for _, image := range imageParts {
			mime := image.Get("mimeType").String()
			if mime == "" {
				mime = "image/png"
			}
			if textBuf.Len() > 0 {
				textBuf.WriteString("\n\n")
			}
			textBuf.WriteString(fmt.Sprintf("![image](data:%s;base64,%s)", mime, image.Get("data").String()))
		}
	}

	out, _ = sjson.Set(out, "choices.0.message.content", textBuf.String())
	if thinkingBuf.Len() > 0 {
		out, _ = sjson.Set(out, "choices.0.message.reasoning_content", thinkingBuf.String())
		if thinkingSignature != "" {
			out, _ = sjson.Set(out, "choices.0.message.reasoning_signature", thinkingSignature)
		}
	}

	finishReason := "stop"
	switch {
	case toolCallIndex > 0:
		finishReason = "tool_calls"
	case candidate.Get("finishReason").String() == "MAX_TOKENS":
		finishReason = "length"
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)

	if usage := resp.Get("usageMetadata"); usage.Exists() {
		prompt := usage.Get("promptTokenCount").Int()
		completion := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
		total := usage.Get("totalTokenCount").Int()
		if total == 0 {
			total = prompt + completion
		}
		out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
		out, _ = sjson.Set(out, "usage.completion_tokens", completion)
		out, _ = sjson.Set(out, "usage.total_tokens", total)
	} else {
		out, _ = sjson.Delete(out, "usage")
	}

	return out
}
