package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	geminiauth "github.com/geminibridge/geminibridge/internal/auth/gemini"
	"github.com/geminibridge/geminibridge/internal/config"
)

func testAccount() *geminiauth.Account {
	return &geminiauth.Account{
		Path: "test.json",
		Storage: &geminiauth.GeminiTokenStorage{
			AccessToken: "token-1",
			ExpiresIn:   3600,
			Timestamp:   time.Now().UnixMilli(),
			Enable:      true,
			ProjectID:   "project-1",
			Email:       "test@example.com",
		},
	}
}

func newTestExecutor(baseURL string) (*GeminiExecutor, *geminiauth.Pool, *geminiauth.Account) {
	cfg := &config.Config{Gemini: config.GeminiConfig{BaseURL: baseURL, RequestTimeoutSeconds: 10}}
	pool := geminiauth.NewPool()
	acct := testAccount()
	pool.AddAccount(acct)
	return NewGeminiExecutor(cfg, pool), pool, acct
}

func TestExecuteReturnsBody(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer srv.Close()

	exec, _, acct := newTestExecutor(srv.URL)
	data, err := exec.Execute(context.Background(), acct, []byte(`{"model":"m"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "/v1internal:generateContent", gotPath)
	assert.True(t, gjson.GetBytes(data, "response").Exists())
}

func TestExecuteForbiddenDisablesAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"blocked"}}`))
	}))
	defer srv.Close()

	exec, pool, acct := newTestExecutor(srv.URL)
	_, err := exec.Execute(context.Background(), acct, []byte(`{}`))
	require.Error(t, err)

	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, err.Error(), "blocked")
	assert.True(t, errors.Is(err, geminiauth.ErrAuthRejected))

	assert.Equal(t, geminiauth.StateDisabled, acct.State())
	assert.Equal(t, 0, pool.EnabledCount())
}

func TestExecuteUpstreamStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	exec, _, acct := newTestExecutor(srv.URL)
	_, err := exec.Execute(context.Background(), acct, []byte(`{}`))
	require.Error(t, err)
	code, _ := StatusCode(err)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.NotEqual(t, geminiauth.StateDisabled, acct.State())
}

func TestExecuteStreamYieldsDataPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "alt=sse")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]},\"finishReason\":\"STOP\"}]}}\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	exec, _, acct := newTestExecutor(srv.URL)
	stream, err := exec.ExecuteStream(context.Background(), acct, []byte(`{}`))
	require.NoError(t, err)

	var payloads []string
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		payloads = append(payloads, string(chunk.Payload))
	}
	require.Len(t, payloads, 2)
	assert.Equal(t, "a", gjson.Get(payloads[0], "response.candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", gjson.Get(payloads[1], "response.candidates.0.finishReason").String())
}

func TestExecuteStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	exec, _, acct := newTestExecutor(srv.URL)
	_, err := exec.ExecuteStream(context.Background(), acct, []byte(`{}`))
	require.Error(t, err)
	code, _ := StatusCode(err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestExecuteStreamCancellationStops(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	exec, _, acct := newTestExecutor(srv.URL)
	stream, err := exec.ExecuteStream(ctx, acct, []byte(`{}`))
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-stream:
		if open {
			for range stream {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}

func TestScannerBufferSizeFromConfig(t *testing.T) {
	e := NewGeminiExecutor(&config.Config{ScannerBufferSize: 123}, nil)
	assert.Equal(t, 123, e.scannerBufferSize())

	e = NewGeminiExecutor(&config.Config{}, nil)
	assert.Equal(t, defaultScannerBufferSize, e.scannerBufferSize())
}

func TestSummarizeErrorBody(t *testing.T) {
	assert.Equal(t, "<empty>", summarizeErrorBody("application/json", nil))
	assert.Equal(t, `{"error":"x"}`, summarizeErrorBody("application/json", []byte(`{"error":"x"}`)))

	long := make([]byte, maxErrorBodyLog+100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Contains(t, summarizeErrorBody("text/plain", long), "...(truncated)")

	html := []byte("<html>\n  <body>\n    blocked\n  </body>\n</html>")
	assert.Equal(t, "<html> <body> blocked </body> </html>", summarizeErrorBody("text/html; charset=utf-8", html))
}
