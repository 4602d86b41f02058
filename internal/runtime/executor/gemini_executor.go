// Package executor sends built backend requests over the wire and hands the
// raw response back to the translation layer. Streaming responses are scanned
// line by line; each SSE data payload is forwarded as one chunk.
package executor

import (
	"context"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/config"
	"github.com/geminibridge/geminibridge/internal/sse"
)

const (
	defaultBaseURL     = "https://cloudcode-pa.googleapis.com"
	generatePath       = "/v1internal:generateContent"
	streamGeneratePath = "/v1internal:streamGenerateContent?alt=sse"

	defaultReadChunkSize = 64 * 1024

	// Inline-image payloads can make a single SSE line several megabytes.
	defaultScannerBufferSize = 10 * 1024 * 1024
)

// StreamChunk is one backend SSE payload, or a terminal transport error.
type StreamChunk struct {
	Payload []byte
	Err     error
}

// GeminiExecutor performs generateContent calls against the backend using a
// pooled account's token. A 403-equivalent response disables the account.
type GeminiExecutor struct {
	cfg        *config.Config
	pool       *geminiauth.Pool
	httpClient *geminiauth.GeminiHTTPClient
}

func NewGeminiExecutor(cfg *config.Config, pool *geminiauth.Pool) *GeminiExecutor {
	return &GeminiExecutor{
		cfg:        cfg,
		pool:       pool,
		httpClient: geminiauth.NewGeminiHTTPClient(cfg, ""),
	}
}

func (e *GeminiExecutor) Identifier() string { return "gemini" }

func (e *GeminiExecutor) baseURL() string {
	if e.cfg != nil && e.cfg.Gemini.BaseURL != "" {
		return e.cfg.Gemini.BaseURL
	}
	return defaultBaseURL
}

func (e *GeminiExecutor) scannerBufferSize() int {
	if e.cfg != nil && e.cfg.ScannerBufferSize > 0 {
		return e.cfg.ScannerBufferSize
	}
	return defaultScannerBufferSize
}

func buildHeaders(account *geminiauth.Account, stream bool) map[string]string {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + account.Storage.AccessToken,
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	} else {
		headers["Accept"] = "application/json"
	}
	return headers
}

// Execute posts one non-streaming request and returns the whole response body.
func (e *GeminiExecutor) Execute(ctx context.Context, account *geminiauth.Account, body []byte) ([]byte, error) {
	url := e.baseURL() + generatePath
	log.Debugf("gemini executor: POST %s account=%s", url, account.Storage.Email)

	httpResp, err := e.httpClient.Post(ctx, url, buildHeaders(account, false), body)
	if err != nil {
		return nil, err
	}
	defer func() {
		if httpResp.Body != nil {
			if errClose := httpResp.Body.Close(); errClose != nil {
				log.Errorf("gemini executor: close response body error: %v", errClose)
			}
		}
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		b, _ := io.ReadAll(httpResp.Body)
		log.Debugf("gemini executor: request error, status: %d, body: %s", httpResp.StatusCode, summarizeErrorBody(httpResp.Header.Get("Content-Type"), b))
		return nil, e.handleError(httpResp.StatusCode, b, account)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ExecuteStream posts one streaming request and returns a channel of backend
// SSE payloads. The channel closes when the upstream stream ends; a transport
// error arrives as the final chunk. Cancelling ctx tears the stream down.
func (e *GeminiExecutor) ExecuteStream(ctx context.Context, account *geminiauth.Account, body []byte) (<-chan StreamChunk, error) {
	url := e.baseURL() + streamGeneratePath
	log.Debugf("gemini executor: stream POST %s account=%s", url, account.Storage.Email)

	streamCtx, cancel := context.WithCancel(ctx)
	httpResp, err := e.httpClient.PostStream(streamCtx, url, buildHeaders(account, true), body)
	if err != nil {
		cancel()
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var b []byte
		if httpResp.Body != nil {
			b, _ = io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
		}
		log.Debugf("gemini executor: streaming request error, status: %d, body: %s", httpResp.StatusCode, summarizeErrorBody(httpResp.Header.Get("Content-Type"), b))
		cancel()
		return nil, e.handleError(httpResp.StatusCode, b, account)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			if httpResp.Body != nil {
				if errClose := httpResp.Body.Close(); errClose != nil {
					log.Errorf("gemini executor: close streaming response body error: %v", errClose)
				}
			}
		}()

		lines := &sse.LineBuffer{Max: e.scannerBufferSize()}
		buf := make([]byte, defaultReadChunkSize)
		for {
			n, errRead := httpResp.Body.Read(buf)
			if n > 0 {
				for _, line := range lines.Feed(buf[:n]) {
					emitDataLine(streamCtx, out, line)
				}
			}
			if errRead != nil {
				if tail := lines.Flush(); tail != "" {
					emitDataLine(streamCtx, out, tail)
				}
				if errRead != io.EOF && streamCtx.Err() == nil {
					out <- StreamChunk{Err: errRead}
				}
				return
			}
		}
	}()
	return out, nil
}

func emitDataLine(ctx context.Context, out chan<- StreamChunk, line string) {
	payload, ok := sse.DataPayload(line)
	if !ok || payload == "" || payload == "[DONE]" {
		return
	}
	select {
	case out <- StreamChunk{Payload: []byte(payload)}:
	case <-ctx.Done():
	}
}

// handleError maps an upstream failure status onto the pool and the caller.
// 403 means the backend rejected the account outright; it is disabled with
// the body attached and no retry is attempted here.
func (e *GeminiExecutor) handleError(statusCode int, body []byte, account *geminiauth.Account) error {
	switch statusCode {
	case http.StatusForbidden:
		if e.pool != nil && account != nil {
			e.pool.Disable(account, string(body))
		}
		return statusErr{code: http.StatusForbidden, msg: string(body), cause: geminiauth.ErrAuthRejected}
	case http.StatusTooManyRequests:
		return statusErr{code: http.StatusTooManyRequests, msg: string(body)}
	default:
		return statusErr{code: statusCode, msg: string(body)}
	}
}
