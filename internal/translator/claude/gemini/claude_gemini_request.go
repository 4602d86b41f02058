// Package gemini translates Anthropic messages requests into backend
// generateContent requests.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	geminitr "github.com/geminibridge/geminibridge/internal/translator/gemini"
)

// ConvertClaudeRequestToGemini parses an Anthropic messages payload and
// returns the backend request bytes plus the backend model id targeted.
func ConvertClaudeRequestToGemini(modelName string, inputRawJSON []byte, opts *geminitr.BuildOptions) ([]byte, string) {
	root := gjson.ParseBytes(inputRawJSON)

	var systemSegments []string
	if system := root.Get("system"); system.Exists() {
		if system.Type == gjson.String {
			if system.String() != "" {
				systemSegments = append(systemSegments, system.String())
			}
		} else if system.IsArray() {
			system.ForEach(func(_, seg gjson.Result) bool {
				if seg.Get("type").String() == "text" {
					if text := seg.Get("text").String(); text != "" {
						systemSegments = append(systemSegments, text)
					}
				}
				return true
			})
		}
	}

	var turns []geminitr.Turn
	callNames := make(map[string]string)

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := msg.Get("content")

			switch role {
			case "user":
				if parts := claudeUserParts(content, callNames); len(parts) > 0 {
					turns = append(turns, geminitr.Turn{Role: "user", Parts: parts})
				}
			case "assistant":
				if parts := claudeAssistantParts(content, callNames); len(parts) > 0 {
					turns = append(turns, geminitr.Turn{Role: "model", Parts: parts})
				}
			}
			return true
		})
	}

	tools, webSearch := parseClaudeTools(root.Get("tools"))

	in := geminitr.BuildInput{
		Model:          modelName,
		Turns:          turns,
		SystemSegments: systemSegments,
		Tools:          tools,
		WebSearch:      webSearch,
		Params:         parseClaudeParams(root),
	}
	return geminitr.BuildRequest(in, opts)
}

// HasWebSearchTool reports whether the payload declares the web_search tool.
func HasWebSearchTool(inputRawJSON []byte) bool {
	_, webSearch := parseClaudeTools(gjson.GetBytes(inputRawJSON, "tools"))
	return webSearch
}

func claudeUserParts(content gjson.Result, callNames map[string]string) []geminitr.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []geminitr.Part{{Kind: geminitr.PartText, Text: content.String()}}
	}

	var parts []geminitr.Part
	if content.IsArray() {
		content.ForEach(func(_, seg gjson.Result) bool {
			switch seg.Get("type").String() {
			case "text":
				if text := seg.Get("text").String(); text != "" {
					parts = append(parts, geminitr.Part{Kind: geminitr.PartText, Text: text})
				}
			case "tool_result":
				callID := seg.Get("tool_use_id").String()
				parts = append(parts, geminitr.Part{
					Kind: geminitr.PartFunctionResponse,
					ID:   callID,
					Name: callNames[callID],
					Args: toolResultOutput(seg.Get("content")),
				})
			case "image":
				if seg.Get("source.type").String() == "base64" {
					parts = append(parts, geminitr.Part{
						Kind:     geminitr.PartInlineData,
						MimeType: seg.Get("source.media_type").String(),
						Data:     seg.Get("source.data").String(),
					})
				}
			}
			return true
		})
	}
	return parts
}

func claudeAssistantParts(content gjson.Result, callNames map[string]string) []geminitr.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []geminitr.Part{{Kind: geminitr.PartText, Text: content.String()}}
	}

	var parts []geminitr.Part
	if content.IsArray() {
		content.ForEach(func(_, seg gjson.Result) bool {
			switch seg.Get("type").String() {
			case "text":
				if text := seg.Get("text").String(); text != "" {
					parts = append(parts, geminitr.Part{Kind: geminitr.PartText, Text: text})
				}
			case "thinking":
				parts = append(parts, geminitr.Part{
					Kind:      geminitr.PartThought,
					Text:      seg.Get("thinking").String(),
					Signature: seg.Get("signature").String(),
				})
			case "redacted_thinking":
				// Redacted blocks carry no replayable content.
			case "tool_use":
				name := seg.Get("name").String()
				if name == "" {
					return true
				}
				callID := seg.Get("id").String()
				if callID != "" {
					callNames[callID] = name
				}
				args := json.RawMessage(`{}`)
				if input := seg.Get("input"); input.IsObject() || input.IsArray() {
					args = json.RawMessage(input.Raw)
				}
				parts = append(parts, geminitr.Part{
					Kind: geminitr.PartFunctionCall,
					ID:   callID,
					Name: name,
					Args: args,
				})
			}
			return true
		})
	}
	return parts
}

func toolResultOutput(content gjson.Result) json.RawMessage {
	if content.Type == gjson.String {
		quoted, _ := json.Marshal(content.String())
		return quoted
	}
	if content.IsArray() {
		var sb strings.Builder
		content.ForEach(func(_, seg gjson.Result) bool {
			if seg.Get("type").String() == "text" {
				sb.WriteString(seg.Get("text").String())
			}
			return true
		})
		quoted, _ := json.Marshal(sb.String())
		return quoted
	}
	if content.Exists() {
		return json.RawMessage(content.Raw)
	}
	return json.RawMessage(`""`)
}

func parseClaudeTools(tools gjson.Result) ([]geminitr.ToolDecl, bool) {
	if !tools.IsArray() {
		return nil, false
	}
	var decls []geminitr.ToolDecl
	webSearch := false
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if name == "web_search" || strings.HasPrefix(tool.Get("type").String(), "web_search") {
			webSearch = true
			return true
		}
		if name == "" {
			return true
		}
		decl := geminitr.ToolDecl{
			Name:        name,
			Description: tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			decl.Parameters = json.RawMessage(schema.Raw)
		}
		decls = append(decls, decl)
		return true
	})
	if webSearch {
		return nil, true
	}
	return decls, false
}

func parseClaudeParams(root gjson.Result) geminitr.GenerationParams {
	var params geminitr.GenerationParams
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		params.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		params.TopP = &f
	}
	if v := root.Get("top_k"); v.Exists() {
		n := int(v.Int())
		params.TopK = &n
	}
	if v := root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		params.MaxOutputTokens = &n
	}
	if stop := root.Get("stop_sequences"); stop.IsArray() {
		stop.ForEach(func(_, s gjson.Result) bool {
			params.StopSequences = append(params.StopSequences, s.String())
			return true
		})
	}
	return params
}
