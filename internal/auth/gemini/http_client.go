package gemini

import (
	"context"
	"time"

	"github.com/imroc/req/v3"

	"github.com/geminibridge/geminibridge/internal/config"
)

type GeminiHTTPClient struct {
	client *req.Client
}

func NewGeminiHTTPClient(cfg *config.Config, proxyURL string) *GeminiHTTPClient {
	client := req.C().
		ImpersonateChrome().
		EnableAutoDecompress().
		SetTimeout(resolveGeminiTimeout(cfg)).
		SetCommonRetryCount(0)

	if proxyURL == "" && cfg != nil {
		proxyURL = cfg.SDKConfig.ProxyURL
	}

	if proxyURL != "" {
		client.SetProxyURL(proxyURL)
	}

	return &GeminiHTTPClient{client: client}
}

func resolveGeminiTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Gemini.RequestTimeoutSeconds > 0 {
		return time.Duration(cfg.Gemini.RequestTimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

func (c *GeminiHTTPClient) Post(ctx context.Context, url string, headers map[string]string, body []byte) (*req.Response, error) {
	r := c.client.R().SetContext(ctx)

	for k, v := range headers {
		r.SetHeader(k, v)
	}

	r.SetBodyBytes(body)

	return r.Post(url)
}

// PostStream issues a POST without consuming the response body so the caller
// can scan SSE lines as they arrive.
func (c *GeminiHTTPClient) PostStream(ctx context.Context, url string, headers map[string]string, body []byte) (*req.Response, error) {
	r := c.client.R().
		SetContext(ctx).
		DisableAutoReadResponse()

	for k, v := range headers {
		r.SetHeader(k, v)
	}

	r.SetBodyBytes(body)

	return r.Post(url)
}
