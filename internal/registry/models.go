// Package registry exposes the client-visible model table and the per-session
// tool-name registry used to keep backend-safe identifiers reversible.
package registry

import (
	"sort"
	"time"

	"github.com/geminibridge/geminibridge/internal/config"
)

// ModelInfo describes one entry of the /v1/models listing.
type ModelInfo struct {
	ID                  string   `json:"id"`
	Object              string   `json:"object"`
	Created             int64    `json:"created"`
	OwnedBy             string   `json:"owned_by"`
	Type                string   `json:"type,omitempty"`
	ContextLength       int      `json:"context_length,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
	SupportedParameters []string `json:"supported_parameters,omitempty"`
}

// Models returns registry-compatible metadata for every configured model.
func Models(cfg *config.Config) []*ModelInfo {
	if cfg == nil {
		return nil
	}
	now := time.Now().Unix()
	supportedParams := []string{"temperature", "top_p", "max_tokens", "stop", "stream", "tools"}

	names := make([]string, 0, len(cfg.Gemini.Models))
	for id := range cfg.Gemini.Models {
		names = append(names, id)
	}
	sort.Strings(names)

	models := make([]*ModelInfo, 0, len(names))
	for _, id := range names {
		mc := cfg.Gemini.Models[id]
		models = append(models, &ModelInfo{
			ID:                  id,
			Object:              "model",
			Created:             now,
			OwnedBy:             "google",
			Type:                "gemini",
			ContextLength:       mc.ContextWindow,
			MaxCompletionTokens: mc.MaxOutput,
			SupportedParameters: supportedParams,
		})
	}
	return models
}
