package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/grounding"
)

// ConvertGeminiResponseToClaudeNonStream builds a complete Claude message
// document from a whole generateContent response body.
func ConvertGeminiResponseToClaudeNonStream(ctx context.Context, modelName string, originalRequestRawJSON, requestRawJSON, rawJSON []byte, param *any) string {
	_ = originalRequestRawJSON
	_ = requestRawJSON
	_ = param

	deps := depsFromContext(ctx)
	resp := responseRoot(rawJSON)
	candidate := resp.Get("candidates.0")

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "model", modelName)
	if id := resp.Get("responseId"); id.Exists() {
		out, _ = sjson.Set(out, "id", id.String())
	}

	contentIndex := 0
	hasToolUse := false
	toolCallCounter := 0
	var textBuf strings.Builder
	var thinkingBuf strings.Builder
	thinkingSignature := ""
	var bufferedImages []gjson.Result

	flushThinking := func() {
		if thinkingBuf.Len() == 0 {
			return
		}
		path := "content." + strconv.Itoa(contentIndex)
		out, _ = sjson.Set(out, path+".type", "thinking")
		out, _ = sjson.Set(out, path+".thinking", thinkingBuf.String())
		out, _ = sjson.Set(out, path+".signature", thinkingSignature)
		contentIndex++
		thinkingBuf.Reset()
		thinkingSignature = ""
	}
	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		path := "content." + strconv.Itoa(contentIndex)
		out, _ = sjson.Set(out, path+".type", "text")
		out, _ = sjson.Set(out, path+".text", textBuf.String())
		contentIndex++
		textBuf.Reset()
	}

	hasGrounding := grounding.HasGrounding(candidate)

	parts := candidate.Get("content.parts")
	if parts.IsArray() {
		for _, part := range parts.Array() {
			text := part.Get("text")
			functionCall := part.Get("functionCall")
			inlineData := part.Get("inlineData")

			switch {
			case text.Exists() && part.Get("thought").Bool():
				flushText()
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
				flushThinking()
				textBuf.WriteString(text.String())
			case functionCall.Exists():
				flushThinking()
				flushText()
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
					id = fmt.Sprintf("toolu_%s_%d", sanitizeIDFragment(name), toolCallCounter)
				}
				args := "{}"
				if a := functionCall.Get("args"); a.Exists() && gjson.Valid(a.Raw) && a.IsObject() {
					args = a.Raw
				}
				path := "content." + strconv.Itoa(contentIndex)
				out, _ = sjson.Set(out, path+".type", "tool_use")
				out, _ = sjson.Set(out, path+".id", id)
				out, _ = sjson.Set(out, path+".name", name)
				out, _ = sjson.SetRaw(out, path+".input", args)
				contentIndex++
				hasToolUse = true
			case inlineData.Exists():
				bufferedImages = append(bufferedImages, inlineData)
			}
		}
	}
	flushThinking()

	if hasGrounding {
		answerText := textBuf.String()
		textBuf.Reset()
		contentIndex = appendGroundingBlocks(ctx, &out, contentIndex, candidate, deps, answerText)
	} else {
		// Image parts come back as inline data; re-render them as markdown
		// so text-only clients still get something usable.
		for _, image := range bufferedImages {
			mime := image.Get("mimeType").String()
			if mime == "" {
				mime = "image/png"
			}
			if textBuf.Len() > 0 {
				textBuf.WriteString("\n\n")
			}
			textBuf.WriteString(fmt.Sprintf("![image](data:%s;base64,%s)", mime, image.Get("data").String()))
		}
		flushText()
	}

	stopReason := "end_turn"
	switch {
	case hasToolUse:
		stopReason = "tool_use"
	case candidate.Get("finishReason").String() == "MAX_TOKENS":
		stopReason = "max_tokens"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)

	if usage := resp.Get("usageMetadata"); usage.Exists() {
		cached := usage.Get("cachedContentTokenCount").Int()
		prompt := usage.Get("promptTokenCount").Int() - cached
		output := usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int()
		if output == 0 && usage.Get("totalTokenCount").Int() > 0 {
			output = usage.Get("totalTokenCount").Int() - prompt - cached
			if output < 0 {
				output = 0
			}
		}
		out, _ = sjson.Set(out, "usage.input_tokens", prompt)
		out, _ = sjson.Set(out, "usage.output_tokens", output)
		if cached > 0 {
			out, _ = sjson.Set(out, "usage.cache_read_input_tokens", cached)
		}
	} else {
		out, _ = sjson.Delete(out, "usage")
	}

	return out
}

func appendGroundingBlocks(ctx context.Context, out *string, contentIndex int, candidate gjson.Result, deps *Deps, answerText string) int {
	data := grounding.Extract(candidate)
	if deps.Resolver != nil {
		deps.Resolver.ResolveResults(ctx, data.Results)
	}
	toolUseID := grounding.NewServerToolUseID()

	path := "content." + strconv.Itoa(contentIndex)
	*out, _ = sjson.Set(*out, path+".type", "server_tool_use")
	*out, _ = sjson.Set(*out, path+".id", toolUseID)
	*out, _ = sjson.Set(*out, path+".name", "web_search")
	*out, _ = sjson.Set(*out, path+".input.query", data.Query)
	contentIndex++

	resultsJSON, _ := json.Marshal(data.Results)
	path = "content." + strconv.Itoa(contentIndex)
	*out, _ = sjson.Set(*out, path+".type", "web_search_tool_result")
	*out, _ = sjson.Set(*out, path+".tool_use_id", toolUseID)
	*out, _ = sjson.SetRaw(*out, path+".content", string(resultsJSON))
	contentIndex++

	for _, block := range grounding.BuildCitations(data.Results, data.Supports) {
		path = "content." + strconv.Itoa(contentIndex)
		*out, _ = sjson.Set(*out, path+".type", "text")
		*out, _ = sjson.Set(*out, path+".text", block.CitedText)
		*out, _ = sjson.SetRaw(*out, path+".citations.0", block.JSON)
		contentIndex++
	}

	if answerText != "" {
		path = "content." + strconv.Itoa(contentIndex)
		*out, _ = sjson.Set(*out, path+".type", "text")
		*out, _ = sjson.Set(*out, path+".text", answerText)
		contentIndex++
	}
	return contentIndex
}
