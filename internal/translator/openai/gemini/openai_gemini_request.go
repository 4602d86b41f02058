// Package gemini translates OpenAI chat-completions requests into backend
// generateContent requests. Message walking happens here; turn normalization
// and envelope assembly are shared with the claude translator.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	geminitr "github.com/geminibridge/geminibridge/internal/translator/gemini"
)

// ConvertOpenAIRequestToGemini parses an OpenAI chat-completions payload and
// returns the backend request bytes plus the backend model id targeted.
func ConvertOpenAIRequestToGemini(modelName string, inputRawJSON []byte, opts *geminitr.BuildOptions) ([]byte, string) {
	root := gjson.ParseBytes(inputRawJSON)

	var turns []geminitr.Turn
	var systemSegments []string
	// Assistant tool_calls carry the function name; the later role:"tool"
	// message only carries the call id, so remember the pairing.
	callNames := make(map[string]string)

	if messages := root.Get("messages"); messages.IsArray() {
		messages.ForEach(func(_, msg gjson.Result) bool {
			role := msg.Get("role").String()
			content := msg.Get("content")

			switch role {
			case "system", "developer":
				systemSegments = append(systemSegments, collectOpenAIText(content)...)
			case "user":
				if parts := openAIUserParts(content); len(parts) > 0 {
					turns = append(turns, geminitr.Turn{Role: "user", Parts: parts})
				}
			case "assistant":
				if parts := openAIAssistantParts(msg, callNames); len(parts) > 0 {
					turns = append(turns, geminitr.Turn{Role: "model", Parts: parts})
				}
			case "tool":
				callID := msg.Get("tool_call_id").String()
				name := callNames[callID]
				if name == "" {
					name = msg.Get("name").String()
				}
				turns = append(turns, geminitr.Turn{Role: "user", Parts: []geminitr.Part{{
					Kind: geminitr.PartFunctionResponse,
					ID:   callID,
					Name: name,
					Args: toolResultOutput(content),
				}}})
			}
			return true
		})
	}

	tools, webSearch := parseOpenAITools(root.Get("tools"))

	in := geminitr.BuildInput{
		Model:          modelName,
		Turns:          turns,
		SystemSegments: systemSegments,
		Tools:          tools,
		WebSearch:      webSearch,
		Params:         parseOpenAIParams(root),
	}
	return geminitr.BuildRequest(in, opts)
}

// HasWebSearchTool reports whether the payload declares the web_search tool.
func HasWebSearchTool(inputRawJSON []byte) bool {
	_, webSearch := parseOpenAITools(gjson.GetBytes(inputRawJSON, "tools"))
	return webSearch
}

func collectOpenAIText(content gjson.Result) []string {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []string{content.String()}
	}
	var out []string
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				if text := part.Get("text").String(); text != "" {
					out = append(out, text)
				}
			}
			return true
		})
	}
	return out
}

func openAIUserParts(content gjson.Result) []geminitr.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []geminitr.Part{{Kind: geminitr.PartText, Text: content.String()}}
	}

	var parts []geminitr.Part
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").String() {
			case "text":
				if text := part.Get("text").String(); text != "" {
					parts = append(parts, geminitr.Part{Kind: geminitr.PartText, Text: text})
				}
			case "image_url":
				if mime, data, ok := parseDataURL(part.Get("image_url.url").String()); ok {
					parts = append(parts, geminitr.Part{Kind: geminitr.PartInlineData, MimeType: mime, Data: data})
				}
			}
			return true
		})
	}
	return parts
}

func openAIAssistantParts(msg gjson.Result, callNames map[string]string) []geminitr.Part {
	var parts []geminitr.Part

	// Some clients round-trip reasoning back on the assistant message.
	if reasoning := msg.Get("reasoning_content").String(); reasoning != "" {
		parts = append(parts, geminitr.Part{
			Kind:      geminitr.PartThought,
			Text:      reasoning,
			Signature: msg.Get("reasoning_signature").String(),
		})
	}

	for _, text := range collectOpenAIText(msg.Get("content")) {
		parts = append(parts, geminitr.Part{Kind: geminitr.PartText, Text: text})
	}

	if toolCalls := msg.Get("tool_calls"); toolCalls.IsArray() {
		toolCalls.ForEach(func(_, tc gjson.Result) bool {
			name := tc.Get("function.name").String()
			if name == "" {
				return true
			}
			callID := tc.Get("id").String()
			if callID != "" {
				callNames[callID] = name
			}
			args := strings.TrimSpace(tc.Get("function.arguments").String())
			if args == "" || !gjson.Valid(args) {
				args = "{}"
			}
			parts = append(parts, geminitr.Part{
				Kind: geminitr.PartFunctionCall,
				ID:   callID,
				Name: name,
				Args: json.RawMessage(args),
			})
			return true
		})
	}
	return parts
}

// toolResultOutput renders a tool message's content as the functionResponse
// output value: JSON content passes through raw, plain text is quoted.
func toolResultOutput(content gjson.Result) json.RawMessage {
	if content.Type == gjson.String {
		text := content.String()
		if gjson.Valid(text) && (strings.HasPrefix(strings.TrimSpace(text), "{") || strings.HasPrefix(strings.TrimSpace(text), "[")) {
			return json.RawMessage(text)
		}
		quoted, _ := json.Marshal(text)
		return quoted
	}
	if content.IsArray() {
		var sb strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb.WriteString(part.Get("text").String())
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

func parseOpenAITools(tools gjson.Result) ([]geminitr.ToolDecl, bool) {
	if !tools.IsArray() {
		return nil, false
	}
	var decls []geminitr.ToolDecl
	webSearch := false
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("function.name").String()
		if name == "" {
			name = tool.Get("name").String()
		}
		if name == "web_search" || strings.HasPrefix(tool.Get("type").String(), "web_search") {
			webSearch = true
			return true
		}
		if name == "" {
			return true
		}
		decl := geminitr.ToolDecl{
			Name:        name,
			Description: tool.Get("function.description").String(),
		}
		if params := tool.Get("function.parameters"); params.Exists() {
			decl.Parameters = json.RawMessage(params.Raw)
		}
		decls = append(decls, decl)
		return true
	})
	if webSearch {
		// Search and arbitrary function calling are mutually exclusive
		// upstream; the search descriptor wins.
		return nil, true
	}
	return decls, false
}

func parseOpenAIParams(root gjson.Result) geminitr.GenerationParams {
	var params geminitr.GenerationParams
	if v := root.Get("temperature"); v.Exists() {
		f := v.Float()
		params.Temperature = &f
	}
	if v := root.Get("top_p"); v.Exists() {
		f := v.Float()
		params.TopP = &f
	}
	if v := root.Get("max_completion_tokens"); v.Exists() {
		n := int(v.Int())
		params.MaxOutputTokens = &n
	} else if v = root.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		params.MaxOutputTokens = &n
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.Type == gjson.String {
			params.StopSequences = []string{stop.String()}
		} else if stop.IsArray() {
			stop.ForEach(func(_, s gjson.Result) bool {
				params.StopSequences = append(params.StopSequences, s.String())
				return true
			})
		}
	}
	return params
}

func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}
