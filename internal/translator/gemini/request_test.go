package gemini

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/registry"
)

func testOptions(t *testing.T, thinking bool) *BuildOptions {
	t.Helper()
	cfg := &config.Config{
		Gemini: config.GeminiConfig{
			SearchModel: "gemini-2.5-flash",
			Models: map[string]config.ModelConfig{
				"test-model": {BackendModel: "gemini-2.5-pro", Thinking: thinking},
			},
		},
	}
	return &BuildOptions{
		Config:     cfg,
		Signatures: cache.NewSignatureCache(),
		ToolNames:  registry.NewToolNameRegistry(),
		SessionID:  "session-1",
		ProjectID:  "project-1",
	}
}

func TestBuildRequestPlainUserTurn(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{{Role: "user", Parts: []Part{{Kind: PartText, Text: "hi"}}}},
	}
	out, backendModel := BuildRequest(in, testOptions(t, false))

	if backendModel != "gemini-2.5-pro" {
		t.Errorf("backend model = %q", backendModel)
	}
	root := gjson.ParseBytes(out)
	contents := root.Get("request.contents")
	if len(contents.Array()) != 1 {
		t.Fatalf("expected one turn, got %s", contents.Raw)
	}
	if got := contents.Get("0.parts.0.text").String(); got != "hi" {
		t.Errorf("text = %q", got)
	}
	if root.Get("request.generationConfig.candidateCount").Exists() {
		t.Error("candidateCount must be absent for non-search requests")
	}
	if contents.Get("#(parts.#(thought==true))").Exists() {
		t.Error("no thought parts expected with thinking disabled")
	}
	if got := root.Get("request.session_id").String(); got != "session-1" {
		t.Errorf("session_id = %q", got)
	}
}

func TestBuildRequestSignedThoughtAndCall(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{
			{Role: "user", Parts: []Part{{Kind: PartText, Text: "what's the weather"}}},
			{Role: "model", Parts: []Part{
				{Kind: PartThought, Text: "because...", Signature: "sig1"},
				{Kind: PartFunctionCall, ID: "t1", Name: "get_weather", Args: json.RawMessage(`{}`)},
			}},
		},
	}
	out, _ := BuildRequest(in, testOptions(t, true))

	parts := gjson.GetBytes(out, "request.contents.1.parts")
	if got := parts.Get("0.text").String(); got != "because..." {
		t.Errorf("thought text = %q", got)
	}
	if !parts.Get("0.thought").Bool() {
		t.Error("first part should be a thought")
	}
	if got := parts.Get("0.thoughtSignature").String(); got != "sig1" {
		t.Errorf("thought signature = %q", got)
	}
	if got := parts.Get("1.functionCall.name").String(); got != "get_weather" {
		t.Errorf("functionCall name = %q", got)
	}
	if got := parts.Get("1.thoughtSignature").String(); got != "sig1" {
		t.Errorf("functionCall signature = %q", got)
	}
}

func TestBuildRequestUnsignedThoughtDropped(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{
			{Role: "model", Parts: []Part{
				{Kind: PartThought, Text: "no signature here"},
				{Kind: PartText, Text: "answer"},
			}},
		},
	}
	out, _ := BuildRequest(in, testOptions(t, true))

	parts := gjson.GetBytes(out, "request.contents.0.parts")
	for _, p := range parts.Array() {
		if p.Get("thought").Bool() {
			t.Fatalf("unsigned thought emitted: %s", p.Raw)
		}
	}
	if got := parts.Get("0.text").String(); got != "answer" {
		t.Errorf("expected text part only, got %s", parts.Raw)
	}
}

func TestBuildRequestSignatureFromCache(t *testing.T) {
	opts := testOptions(t, true)
	opts.Config.Gemini.FallbackSignature = true
	opts.Signatures.Put("session-1", "test-model", cache.SignatureEntry{
		Signature: "cached-sig",
		Content:   "earlier reasoning",
	})

	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{
			{Role: "model", Parts: []Part{
				{Kind: PartFunctionCall, ID: "t1", Name: "lookup", Args: json.RawMessage(`{}`)},
			}},
		},
	}
	out, _ := BuildRequest(in, opts)

	parts := gjson.GetBytes(out, "request.contents.0.parts")
	if got := parts.Get("0.text").String(); got != "earlier reasoning" {
		t.Errorf("filler thought text = %q", got)
	}
	if got := parts.Get("0.thoughtSignature").String(); got != "cached-sig" {
		t.Errorf("filler thought signature = %q", got)
	}
	if got := parts.Get("1.thoughtSignature").String(); got != "cached-sig" {
		t.Errorf("call signature = %q", got)
	}
}

func TestBuildRequestToolResultContiguity(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{
			{Role: "user", Parts: []Part{{Kind: PartText, Text: "go"}}},
			{Role: "model", Parts: []Part{{Kind: PartFunctionCall, ID: "t1", Name: "get_weather", Args: json.RawMessage(`{}`)}}},
			{Role: "user", Parts: []Part{{Kind: PartFunctionResponse, ID: "t1", Name: "get_weather", Args: json.RawMessage(`"sunny"`)}}},
			{Role: "user", Parts: []Part{{Kind: PartFunctionResponse, ID: "t2", Name: "get_time", Args: json.RawMessage(`"noon"`)}}},
		},
	}
	out, _ := BuildRequest(in, testOptions(t, false))

	contents := gjson.GetBytes(out, "request.contents").Array()
	if len(contents) != 3 {
		t.Fatalf("expected 3 turns after merging tool results, got %d", len(contents))
	}
	if got := contents[1].Get("parts.0.functionCall.name").String(); got != "get_weather" {
		t.Errorf("model turn missing functionCall: %s", contents[1].Raw)
	}
	responses := contents[2].Get("parts").Array()
	if len(responses) != 2 {
		t.Fatalf("tool results not merged into one user turn: %s", contents[2].Raw)
	}
	if got := responses[0].Get("functionResponse.name").String(); got != "get_weather" {
		t.Errorf("first response name = %q", got)
	}
}

func TestBuildRequestBareToolCallTurnsMerged(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{
			{Role: "model", Parts: []Part{{Kind: PartText, Text: "calling now"}}},
			{Role: "model", Parts: []Part{{Kind: PartFunctionCall, ID: "a", Name: "one", Args: json.RawMessage(`{}`)}}},
			{Role: "model", Parts: []Part{{Kind: PartFunctionCall, ID: "b", Name: "two", Args: json.RawMessage(`{}`)}}},
		},
	}
	out, _ := BuildRequest(in, testOptions(t, false))

	contents := gjson.GetBytes(out, "request.contents").Array()
	if len(contents) != 1 {
		t.Fatalf("bare tool-call turns should fold into the previous model turn, got %d turns", len(contents))
	}
	if n := len(contents[0].Get("parts").Array()); n != 3 {
		t.Errorf("merged turn has %d parts, want 3", n)
	}
}

func TestBuildRequestWebSearch(t *testing.T) {
	in := BuildInput{
		Model:     "test-model",
		Turns:     []Turn{{Role: "user", Parts: []Part{{Kind: PartText, Text: "latest go release"}}}},
		WebSearch: true,
	}
	out, backendModel := BuildRequest(in, testOptions(t, false))

	if backendModel != "gemini-2.5-flash" {
		t.Errorf("search requests must target the search model, got %q", backendModel)
	}
	root := gjson.ParseBytes(out)
	if !root.Get("request.tools.0.googleSearch").Exists() {
		t.Errorf("tools = %s, want googleSearch descriptor", root.Get("request.tools").Raw)
	}
	if got := root.Get("request.generationConfig.candidateCount").Int(); got != 1 {
		t.Errorf("candidateCount = %d, want 1", got)
	}
	if got := root.Get("requestType").String(); got != "web_search" {
		t.Errorf("requestType = %q", got)
	}
}

func TestBuildRequestSystemPromptComposition(t *testing.T) {
	opts := testOptions(t, false)
	opts.Config.Gemini.SystemPrompt = config.SystemPromptConfig{
		Host:    "host rules",
		Default: "default rules",
		Order:   []string{"user", "host", "default"},
	}

	in := BuildInput{
		Model:          "test-model",
		Turns:          []Turn{{Role: "user", Parts: []Part{{Kind: PartText, Text: "hi"}}}},
		SystemSegments: []string{"caller rules"},
	}
	out, _ := BuildRequest(in, opts)

	parts := gjson.GetBytes(out, "request.systemInstruction.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("expected 3 system parts, got %s", gjson.GetBytes(out, "request.systemInstruction").Raw)
	}
	want := []string{"caller rules", "host rules", "default rules"}
	for i, part := range parts {
		if part.Get("text").String() != want[i] {
			t.Errorf("part %d = %q, want %q", i, part.Get("text").String(), want[i])
		}
	}

	opts.Config.Gemini.SystemPrompt.Merge = true
	out, _ = BuildRequest(in, opts)
	merged := gjson.GetBytes(out, "request.systemInstruction.parts")
	if len(merged.Array()) != 1 {
		t.Fatalf("merge mode should collapse to one part, got %s", merged.Raw)
	}
	if got := merged.Get("0.text").String(); got != "caller rules\n\nhost rules\n\ndefault rules" {
		t.Errorf("merged text = %q", got)
	}
}

func TestBuildRequestTrailingWhitespaceTrimmed(t *testing.T) {
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{{Role: "model", Parts: []Part{{Kind: PartText, Text: "answer  \n\t"}}}},
	}
	out, _ := BuildRequest(in, testOptions(t, false))
	if got := gjson.GetBytes(out, "request.contents.0.parts.0.text").String(); got != "answer" {
		t.Errorf("text = %q, want trailing whitespace trimmed", got)
	}
}

func TestBuildRequestSanitizesToolNames(t *testing.T) {
	opts := testOptions(t, false)
	in := BuildInput{
		Model: "test-model",
		Turns: []Turn{{Role: "user", Parts: []Part{{Kind: PartText, Text: "hi"}}}},
		Tools: []ToolDecl{{Name: "mcp/read file", Parameters: json.RawMessage(`{"type":"object"}`)}},
	}
	out, _ := BuildRequest(in, opts)

	got := gjson.GetBytes(out, "request.tools.0.functionDeclarations.0.name").String()
	if got != "mcp_read_file" {
		t.Errorf("declared name = %q", got)
	}
	if back := opts.ToolNames.Lookup("test-model", got); back != "mcp/read file" {
		t.Errorf("reverse lookup = %q", back)
	}
}
