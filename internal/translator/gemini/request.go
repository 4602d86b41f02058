// Package gemini assembles backend generateContent requests from an
// intermediate turn model. The openai and claude request translators parse
// their own wire shapes into Turns and hand them here, so the backend's
// ordering rules (thought before text before functionCall, merged tool-result
// turns, signed thoughts only) live in one place.
package gemini

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/geminibridge/geminibridge/internal/cache"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/registry"
)

// PartKind tags the variant carried by a Part. Conversion code switches over
// the kind exhaustively; an unknown kind is dropped at the marshal boundary.
type PartKind int

const (
	PartText PartKind = iota
	PartThought
	PartFunctionCall
	PartFunctionResponse
	PartInlineData
)

// Part is one tagged content element of a backend turn.
type Part struct {
	Kind PartKind

	// PartText, PartThought
	Text      string
	Signature string

	// PartFunctionCall, PartFunctionResponse
	ID   string
	Name string
	Args json.RawMessage

	// PartInlineData
	MimeType string
	Data     string
}

// Turn is one backend content entry. Role is "user" or "model".
type Turn struct {
	Role  string
	Parts []Part
}

// ToolDecl is one client function declaration after parsing.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// GenerationParams carries the client's generation settings. Nil pointers
// mean the client left the field unset and config defaults apply.
type GenerationParams struct {
	Temperature     *float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens *int
	StopSequences   []string
}

// BuildOptions bundles the shared collaborators a request build needs.
type BuildOptions struct {
	Config     *config.Config
	Signatures *cache.SignatureCache
	ToolNames  *registry.ToolNameRegistry
	SessionID  string
	ProjectID  string
}

// BuildInput is the parsed client request handed to BuildRequest.
type BuildInput struct {
	Model          string
	Turns          []Turn
	SystemSegments []string
	Tools          []ToolDecl
	WebSearch      bool
	Params         GenerationParams
}

// BuildRequest assembles the backend request envelope. The returned bytes are
// ready to POST; the second return is the backend model id actually targeted
// (the configured mapping, or the forced search model for web searches).
func BuildRequest(in BuildInput, opts *BuildOptions) ([]byte, string) {
	cfg := opts.Config
	backendModel := cfg.BackendModelFor(in.Model)
	thinking := cfg.ThinkingEnabledFor(in.Model)
	if in.WebSearch {
		backendModel = cfg.Gemini.SearchModel
	}

	turns := normalizeTurns(in.Turns, in.Model, thinking, opts)

	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "model", backendModel)
	if opts.ProjectID != "" {
		out, _ = sjson.SetBytes(out, "project", opts.ProjectID)
	}
	if in.WebSearch {
		out, _ = sjson.SetBytes(out, "requestType", "web_search")
	}

	for i, turn := range turns {
		out, _ = sjson.SetBytes(out, "request.contents."+strconv.Itoa(i)+".role", turn.Role)
		partIdx := 0
		for _, part := range turn.Parts {
			path := "request.contents." + strconv.Itoa(i) + ".parts." + strconv.Itoa(partIdx)
			rendered, ok := marshalPart(out, path, part)
			if !ok {
				continue
			}
			out = rendered
			partIdx++
		}
	}

	out = applySystemInstruction(out, in.SystemSegments, &cfg.Gemini.SystemPrompt)
	out = applyTools(out, in, opts)
	out = applyGenerationConfig(out, in, cfg, thinking)

	if opts.SessionID != "" {
		out, _ = sjson.SetBytes(out, "request.session_id", opts.SessionID)
	}

	return out, backendModel
}

// marshalPart writes one part at path. Returns ok=false when the part is
// empty or must be suppressed (an unsigned thought).
func marshalPart(out []byte, path string, part Part) ([]byte, bool) {
	switch part.Kind {
	case PartText:
		text := strings.TrimRight(part.Text, " \t\r\n")
		if text == "" {
			return out, false
		}
		out, _ = sjson.SetBytes(out, path+".text", text)
		return out, true
	case PartThought:
		// The backend rejects thought parts that arrive without the
		// continuation signature it handed out earlier.
		if part.Text == "" || !cache.ValidSignature(part.Signature) {
			return out, false
		}
		out, _ = sjson.SetBytes(out, path+".text", part.Text)
		out, _ = sjson.SetBytes(out, path+".thought", true)
		out, _ = sjson.SetBytes(out, path+".thoughtSignature", part.Signature)
		return out, true
	case PartFunctionCall:
		if part.Name == "" {
			return out, false
		}
		out, _ = sjson.SetBytes(out, path+".functionCall.name", part.Name)
		args := part.Args
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out, _ = sjson.SetRawBytes(out, path+".functionCall.args", args)
		if part.ID != "" {
			out, _ = sjson.SetBytes(out, path+".functionCall.id", part.ID)
		}
		if cache.ValidSignature(part.Signature) {
			out, _ = sjson.SetBytes(out, path+".thoughtSignature", part.Signature)
		}
		return out, true
	case PartFunctionResponse:
		if part.Name == "" {
			return out, false
		}
		out, _ = sjson.SetBytes(out, path+".functionResponse.name", part.Name)
		if part.ID != "" {
			out, _ = sjson.SetBytes(out, path+".functionResponse.id", part.ID)
		}
		output := part.Args
		if len(output) == 0 {
			output = json.RawMessage(`""`)
		}
		out, _ = sjson.SetRawBytes(out, path+".functionResponse.response.output", output)
		return out, true
	case PartInlineData:
		if part.Data == "" {
			return out, false
		}
		mime := part.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		out, _ = sjson.SetBytes(out, path+".inlineData.mimeType", mime)
		out, _ = sjson.SetBytes(out, path+".inlineData.data", part.Data)
		return out, true
	}
	return out, false
}

// normalizeTurns enforces the backend's turn-taking rules:
//   - a model turn's parts are reordered thought, text, functionCall
//   - thoughts and calls get signatures resolved from the cache when the
//     client did not resend them
//   - a user turn holding only functionResponse parts is merged into a
//     preceding functionResponse turn instead of opening a duplicate
//   - a model turn holding only functionCall parts is merged into the
//     previous model turn
func normalizeTurns(turns []Turn, model string, thinking bool, opts *BuildOptions) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case "model":
			turn = normalizeModelTurn(turn, model, thinking, opts)
			if len(turn.Parts) == 0 {
				continue
			}
			if len(out) > 0 && out[len(out)-1].Role == "model" && onlyFunctionCalls(turn.Parts) {
				prev := &out[len(out)-1]
				prev.Parts = append(prev.Parts, turn.Parts...)
				continue
			}
			out = append(out, turn)
		case "user":
			if len(turn.Parts) == 0 {
				continue
			}
			if onlyFunctionResponses(turn.Parts) &&
				len(out) > 0 && out[len(out)-1].Role == "user" && onlyFunctionResponses(out[len(out)-1].Parts) {
				prev := &out[len(out)-1]
				prev.Parts = append(prev.Parts, turn.Parts...)
				continue
			}
			out = append(out, turn)
		}
	}
	return out
}

func normalizeModelTurn(turn Turn, model string, thinking bool, opts *BuildOptions) Turn {
	var thoughts, texts, calls, rest []Part
	for _, part := range turn.Parts {
		switch part.Kind {
		case PartThought:
			thoughts = append(thoughts, part)
		case PartText:
			texts = append(texts, part)
		case PartFunctionCall:
			calls = append(calls, part)
		default:
			rest = append(rest, part)
		}
	}

	signature := ""
	thoughtText := ""
	for _, t := range thoughts {
		thoughtText += t.Text
		if signature == "" && cache.ValidSignature(t.Signature) {
			signature = t.Signature
		}
	}

	cached, haveCached := cache.SignatureEntry{}, false
	if opts.Signatures != nil {
		cached, haveCached = opts.Signatures.Get(opts.SessionID, model)
	}
	if signature == "" && haveCached {
		signature = cached.Signature
	}
	if thoughtText == "" && len(calls) > 0 && haveCached && fallbackEnabled(opts) {
		// The client dropped the thinking text between turns; the backend
		// still wants the block the signature was minted for.
		thoughtText = cached.Content
	}

	parts := make([]Part, 0, len(turn.Parts))
	if thinking && thoughtText != "" && cache.ValidSignature(signature) {
		parts = append(parts, Part{Kind: PartThought, Text: thoughtText, Signature: signature})
	}
	parts = append(parts, texts...)
	for _, call := range calls {
		if thinking && cache.ValidSignature(signature) {
			call.Signature = signature
		} else {
			call.Signature = ""
		}
		parts = append(parts, call)
	}
	parts = append(parts, rest...)

	turn.Parts = parts
	return turn
}

func fallbackEnabled(opts *BuildOptions) bool {
	return opts.Config != nil && opts.Config.Gemini.FallbackSignature
}

func onlyFunctionCalls(parts []Part) bool {
	for _, p := range parts {
		if p.Kind != PartFunctionCall {
			return false
		}
	}
	return len(parts) > 0
}

func onlyFunctionResponses(parts []Part) bool {
	for _, p := range parts {
		if p.Kind != PartFunctionResponse {
			return false
		}
	}
	return len(parts) > 0
}

// applySystemInstruction combines the host, default and caller prompts in the
// configured order.
func applySystemInstruction(out []byte, userSegments []string, sp *config.SystemPromptConfig) []byte {
	var segments []string
	for _, source := range sp.PromptOrder() {
		switch source {
		case "host":
			if s := strings.TrimSpace(sp.Host); s != "" {
				segments = append(segments, s)
			}
		case "default":
			if s := strings.TrimSpace(sp.Default); s != "" {
				segments = append(segments, s)
			}
		case "user":
			for _, s := range userSegments {
				if s = strings.TrimSpace(s); s != "" {
					segments = append(segments, s)
				}
			}
		}
	}
	if len(segments) == 0 {
		return out
	}

	out, _ = sjson.SetBytes(out, "request.systemInstruction.role", "user")
	if sp.Merge {
		out, _ = sjson.SetBytes(out, "request.systemInstruction.parts.0.text", strings.Join(segments, "\n\n"))
		return out
	}
	for i, segment := range segments {
		out, _ = sjson.SetBytes(out, "request.systemInstruction.parts."+strconv.Itoa(i)+".text", segment)
	}
	return out
}

// applyTools emits either the fixed search descriptor or the sanitized
// function declarations. Search and arbitrary function calling are mutually
// exclusive per backend request.
func applyTools(out []byte, in BuildInput, opts *BuildOptions) []byte {
	if in.WebSearch {
		out, _ = sjson.SetRawBytes(out, "request.tools", []byte(`[{"googleSearch":{}}]`))
		return out
	}
	if len(in.Tools) == 0 {
		return out
	}
	for i, tool := range in.Tools {
		name := tool.Name
		if opts.ToolNames != nil {
			name = opts.ToolNames.Sanitize(in.Model, name)
		}
		path := "request.tools.0.functionDeclarations." + strconv.Itoa(i)
		out, _ = sjson.SetBytes(out, path+".name", name)
		if tool.Description != "" {
			out, _ = sjson.SetBytes(out, path+".description", tool.Description)
		}
		if len(tool.Parameters) > 0 {
			out, _ = sjson.SetRawBytes(out, path+".parameters", tool.Parameters)
		}
	}
	return out
}

func applyGenerationConfig(out []byte, in BuildInput, cfg *config.Config, thinking bool) []byte {
	defaults := cfg.Gemini.Generation

	temperature := in.Params.Temperature
	if temperature == nil {
		temperature = defaults.Temperature
	}
	topP := in.Params.TopP
	if topP == nil {
		topP = defaults.TopP
	}
	topK := in.Params.TopK
	if topK == nil {
		topK = defaults.TopK
	}
	maxTokens := in.Params.MaxOutputTokens
	if maxTokens == nil {
		maxTokens = defaults.MaxOutputTokens
	}

	const base = "request.generationConfig"
	if temperature != nil {
		out, _ = sjson.SetBytes(out, base+".temperature", *temperature)
	}
	if topP != nil {
		out, _ = sjson.SetBytes(out, base+".topP", *topP)
	}
	if topK != nil {
		out, _ = sjson.SetBytes(out, base+".topK", *topK)
	}
	if maxTokens != nil {
		out, _ = sjson.SetBytes(out, base+".maxOutputTokens", *maxTokens)
	}
	if len(in.Params.StopSequences) > 0 {
		out, _ = sjson.SetBytes(out, base+".stopSequences", in.Params.StopSequences)
	}
	if in.WebSearch {
		out, _ = sjson.SetBytes(out, base+".candidateCount", 1)
	}
	if thinking && !in.WebSearch {
		out, _ = sjson.SetBytes(out, base+".thinkingConfig.includeThoughts", true)
		if budget := cfg.ModelFor(in.Model).ThinkingBudget; budget > 0 {
			out, _ = sjson.SetBytes(out, base+".thinkingConfig.thinkingBudget", budget)
		}
	}
	return out
}
