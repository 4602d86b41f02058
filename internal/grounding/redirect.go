package grounding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geminibridge/geminibridge/internal/cache"
)

// Backend result URLs pointing at the grounding redirect service are opaque;
// clients want the final destination.
const redirectURLPrefix = "https://vertexaisearch.cloud.google.com/grounding-api-redirect/"

const (
	maxRedirectHops   = 5
	defaultHopTimeout = 5 * time.Second
)

// Resolver follows grounding redirect URLs to their final destination,
// memoizing results in the shared redirect cache.
type Resolver struct {
	client     *http.Client
	cache      *cache.RedirectCache
	hopTimeout time.Duration
}

// NewResolver creates a resolver over the given cache. A nil httpClient gets
// a default client that does not follow redirects on its own, since hops are
// counted here.
func NewResolver(redirectCache *cache.RedirectCache, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Resolver{
		client:     httpClient,
		cache:      redirectCache,
		hopTimeout: defaultHopTimeout,
	}
}

// IsRedirectURL reports whether url points at the grounding redirect service.
func IsRedirectURL(url string) bool {
	return strings.HasPrefix(url, redirectURLPrefix)
}

// ResolveURL returns the final destination for url. Non-redirect URLs pass
// through untouched. Failures and timeouts fall back to the original URL and
// never propagate: resolution is advisory.
func (r *Resolver) ResolveURL(ctx context.Context, url string) string {
	if !IsRedirectURL(url) {
		return url
	}
	resolved, err := r.cache.Resolve(ctx, url, r.follow)
	if err != nil {
		log.Debugf("redirect resolution for %s failed: %v", url, err)
		return url
	}
	return resolved
}

// ResolveResults resolves every result URL of one response concurrently and
// rewrites the slice in place.
func (r *Resolver) ResolveResults(ctx context.Context, results []WebSearchResult) {
	var wg sync.WaitGroup
	for i := range results {
		if !IsRedirectURL(results[i].URL) {
			continue
		}
		wg.Add(1)
		go func(res *WebSearchResult) {
			defer wg.Done()
			res.URL = r.ResolveURL(ctx, res.URL)
		}(&results[i])
	}
	wg.Wait()
}

// follow chases up to maxRedirectHops redirects, trying HEAD first and
// falling back to GET per hop. Each hop has its own timeout.
func (r *Resolver) follow(ctx context.Context, url string) (string, error) {
	current := url
	for hop := 0; hop < maxRedirectHops; hop++ {
		location, redirected, err := r.hop(ctx, current)
		if err != nil {
			if current != url {
				// Partial progress still beats the opaque URL.
				return current, nil
			}
			return "", err
		}
		if !redirected {
			return current, nil
		}
		current = location
	}
	return current, nil
}

func (r *Resolver) hop(ctx context.Context, url string) (location string, redirected bool, err error) {
	hopCtx, cancel := context.WithTimeout(ctx, r.hopTimeout)
	defer cancel()

	resp, err := r.do(hopCtx, http.MethodHead, url)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = r.do(hopCtx, http.MethodGet, url)
	} else if err != nil {
		resp, err = r.do(hopCtx, http.MethodGet, url)
	}
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", false, nil
	}
	location = resp.Header.Get("Location")
	if location == "" {
		return "", false, nil
	}
	if loc, errLoc := resp.Request.URL.Parse(location); errLoc == nil {
		location = loc.String()
	}
	return location, true, nil
}

func (r *Resolver) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build redirect request: %w", err)
	}
	return r.client.Do(req)
}
