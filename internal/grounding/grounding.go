// Package grounding translates backend web-search grounding metadata into
// client-visible search blocks: the search invocation, the result set, and
// citation segments. Redirect resolution for result URLs lives in redirect.go.
package grounding

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WebSearchResult is one grounding chunk rendered as a search result.
type WebSearchResult struct {
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	EncryptedContent string `json:"encrypted_content"`
	PageAge          *int   `json:"page_age"`
}

// Data is the grounding evidence extracted from one candidate.
type Data struct {
	Query    string
	Results  []WebSearchResult
	Supports []gjson.Result
}

// HasGrounding reports whether the candidate carries actual search evidence.
// An empty groundingMetadata object does not count: the backend attaches one
// whenever a search tool was declared, even if no search ran.
func HasGrounding(candidate gjson.Result) bool {
	if !candidate.Exists() {
		return false
	}
	meta := candidate.Get("groundingMetadata")
	if queries := meta.Get("webSearchQueries"); queries.IsArray() && len(queries.Array()) > 0 {
		return true
	}
	for _, node := range []gjson.Result{
		candidate.Get("groundingChunks"), meta.Get("groundingChunks"),
		candidate.Get("groundingSupports"), meta.Get("groundingSupports"),
	} {
		if node.IsArray() && len(node.Array()) > 0 {
			return true
		}
	}
	return false
}

// Extract pulls the query, result chunks and citation supports out of one
// candidate. Fields missing from this chunk stay zero so streaming callers
// can merge successive extracts.
func Extract(candidate gjson.Result) Data {
	var data Data

	if queries := candidate.Get("groundingMetadata.webSearchQueries"); queries.IsArray() {
		if arr := queries.Array(); len(arr) > 0 {
			data.Query = arr[0].String()
		}
	}

	chunks := candidate.Get("groundingChunks")
	if !chunks.IsArray() {
		chunks = candidate.Get("groundingMetadata.groundingChunks")
	}
	if chunks.IsArray() {
		data.Results = toWebSearchResults(chunks.Array())
	}

	supports := candidate.Get("groundingSupports")
	if !supports.IsArray() {
		supports = candidate.Get("groundingMetadata.groundingSupports")
	}
	if supports.IsArray() {
		data.Supports = supports.Array()
	}

	return data
}

func toWebSearchResults(chunks []gjson.Result) []WebSearchResult {
	var results []WebSearchResult
	for _, chunk := range chunks {
		web := chunk.Get("web")
		if !web.Exists() {
			continue
		}
		uri := web.Get("uri").String()
		title := web.Get("title").String()
		if title == "" {
			title = web.Get("domain").String()
		}
		results = append(results, WebSearchResult{
			Type:             "web_search_result",
			Title:            title,
			URL:              uri,
			EncryptedContent: stableEncryptedContent(uri, title, ""),
		})
	}
	return results
}

// BuildCitations expands every support into its citation blocks, one per
// referenced result index, each citation independently referencing the
// (possibly redirect-resolved) result it cites.
func BuildCitations(results []WebSearchResult, supports []gjson.Result) []CitationBlock {
	var blocks []CitationBlock
	for _, support := range supports {
		citedText := support.Get("segment.text").String()
		if citedText == "" {
			continue
		}
		indices := support.Get("groundingChunkIndices")
		if !indices.IsArray() {
			continue
		}
		for _, idxResult := range indices.Array() {
			idx := int(idxResult.Int())
			if idx < 0 || idx >= len(results) {
				continue
			}
			result := results[idx]
			citation := `{"type":"web_search_result_location","cited_text":"","url":"","title":"","encrypted_index":""}`
			citation, _ = sjson.Set(citation, "cited_text", citedText)
			citation, _ = sjson.Set(citation, "url", result.URL)
			citation, _ = sjson.Set(citation, "title", result.Title)
			citation, _ = sjson.Set(citation, "encrypted_index", stableEncryptedContent(result.URL, result.Title, citedText))
			blocks = append(blocks, CitationBlock{CitedText: citedText, JSON: citation})
		}
	}
	return blocks
}

// CitationBlock pairs a cited text span with its rendered citation JSON.
type CitationBlock struct {
	CitedText string
	JSON      string
}

// NewServerToolUseID generates a unique ID for server_tool_use blocks.
func NewServerToolUseID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return "srvtoolu_" + hex.EncodeToString(b)
}

func stableEncryptedContent(url, title, citedText string) string {
	payload := map[string]string{"url": url, "title": title}
	if citedText != "" {
		payload["cited_text"] = citedText
	}
	data, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(data)
}
