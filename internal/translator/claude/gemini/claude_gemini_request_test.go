package gemini

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/registry"
	geminitr "github.com/geminibridge/geminibridge/internal/translator/gemini"
)

func testOptions() *geminitr.BuildOptions {
	return &geminitr.BuildOptions{
		Config: &config.Config{
			Gemini: config.GeminiConfig{
				SearchModel: "gemini-2.5-flash",
				Models: map[string]config.ModelConfig{
					"test-model": {BackendModel: "gemini-2.5-pro", Thinking: true},
				},
			},
		},
		Signatures: cache.NewSignatureCache(),
		ToolNames:  registry.NewToolNameRegistry(),
		SessionID:  "session-1",
	}
}

func TestConvertClaudeRequestThinkingWithToolUse(t *testing.T) {
	payload := []byte(`{
		"model": "test-model",
		"max_tokens": 1024,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "because...", "signature": "sig1"},
				{"type": "tool_use", "id": "t1", "name": "get_weather", "input": {}}
			]}
		]
	}`)

	out, _ := ConvertClaudeRequestToGemini("test-model", payload, testOptions())
	parts := gjson.GetBytes(out, "request.contents.1.parts")

	if got := parts.Get("0.text").String(); got != "because..." || !parts.Get("0.thought").Bool() {
		t.Errorf("first part = %s, want signed thought", parts.Get("0").Raw)
	}
	if got := parts.Get("0.thoughtSignature").String(); got != "sig1" {
		t.Errorf("thought signature = %q", got)
	}
	call := parts.Get("1.functionCall")
	if call.Get("name").String() != "get_weather" || call.Get("id").String() != "t1" {
		t.Errorf("functionCall = %s", call.Raw)
	}
	if got := parts.Get("1.thoughtSignature").String(); got != "sig1" {
		t.Errorf("call signature = %q", got)
	}
	if got := gjson.GetBytes(out, "request.generationConfig.maxOutputTokens").Int(); got != 1024 {
		t.Errorf("maxOutputTokens = %d", got)
	}
}

func TestConvertClaudeRequestToolResultMerging(t *testing.T) {
	payload := []byte(`{
		"model": "test-model",
		"messages": [
			{"role": "user", "content": "go"},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "t1", "name": "one", "input": {}},
				{"type": "tool_use", "id": "t2", "name": "two", "input": {}}
			]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": "ok"}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t2", "content": "done"}]}
		]
	}`)

	out, _ := ConvertClaudeRequestToGemini("test-model", payload, testOptions())
	contents := gjson.GetBytes(out, "request.contents").Array()
	if len(contents) != 3 {
		t.Fatalf("expected 3 turns, got %s", gjson.GetBytes(out, "request.contents").Raw)
	}

	responses := contents[2].Get("parts").Array()
	if len(responses) != 2 {
		t.Fatalf("tool results not merged: %s", contents[2].Raw)
	}
	if got := responses[0].Get("functionResponse.name").String(); got != "one" {
		t.Errorf("response 0 name = %q, want pairing via tool_use id", got)
	}
	if got := responses[1].Get("functionResponse.name").String(); got != "two" {
		t.Errorf("response 1 name = %q", got)
	}
}

func TestConvertClaudeRequestSystemArray(t *testing.T) {
	payload := []byte(`{
		"model": "test-model",
		"system": [
			{"type": "text", "text": "first"},
			{"type": "text", "text": "second"}
		],
		"messages": [{"role": "user", "content": "hi"}],
		"stop_sequences": ["END"]
	}`)

	out, _ := ConvertClaudeRequestToGemini("test-model", payload, testOptions())
	parts := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	if len(parts) != 2 || parts[0].Get("text").String() != "first" {
		t.Errorf("system parts = %s", gjson.GetBytes(out, "request.systemInstruction").Raw)
	}
	if got := gjson.GetBytes(out, "request.generationConfig.stopSequences.0").String(); got != "END" {
		t.Errorf("stopSequences = %q", got)
	}
}

func TestConvertClaudeRequestWebSearch(t *testing.T) {
	payload := []byte(`{
		"model": "test-model",
		"messages": [{"role": "user", "content": "news"}],
		"tools": [{"type": "web_search_20250305", "name": "web_search"}]
	}`)

	if !HasWebSearchTool(payload) {
		t.Fatal("HasWebSearchTool = false")
	}
	out, backendModel := ConvertClaudeRequestToGemini("test-model", payload, testOptions())
	if backendModel != "gemini-2.5-flash" {
		t.Errorf("backend model = %q", backendModel)
	}
	if !gjson.GetBytes(out, "request.tools.0.googleSearch").Exists() {
		t.Errorf("tools = %s", gjson.GetBytes(out, "request.tools").Raw)
	}
}

func TestConvertClaudeRequestImage(t *testing.T) {
	payload := []byte(`{
		"model": "test-model",
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "base64", "media_type": "image/jpeg", "data": "YWJj"}},
			{"type": "text", "text": "describe"}
		]}]
	}`)

	out, _ := ConvertClaudeRequestToGemini("test-model", payload, testOptions())
	inline := gjson.GetBytes(out, "request.contents.0.parts.0.inlineData")
	if inline.Get("mimeType").String() != "image/jpeg" || inline.Get("data").String() != "YWJj" {
		t.Errorf("inlineData = %s", inline.Raw)
	}
}
