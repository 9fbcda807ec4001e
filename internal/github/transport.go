package github

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"golang.org/x/oauth2"
)

// maxPeekBytes bounds how much of a successful GraphQL body is buffered when
// checking it for a rate limit error.
const maxPeekBytes = 1 << 20

// session owns the HTTP stack shared by one account's API calls:
// revalidate -> cache -> [rate limit] -> oauth2 -> net/http
type session struct {
	httpClient *http.Client
	base       *http.Transport
	cacheDir   string
	closeOnce  sync.Once
}

func newSession(token string, opts Options) (*session, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()

	var rt http.RoundTripper = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Base:   base,
	}
	if opts.Backend == BackendGraphQL {
		// githubv4 drops the response on non-200 status codes, so the
		// rate limit headers have to be captured below it.
		rt = &rateLimitTransport{base: rt}
	}

	cache, dir, err := newCache(token, opts.CacheDir)
	if err != nil {
		return nil, err
	}
	cacheTransport := httpcache.NewTransport(cache)
	cacheTransport.Transport = rt

	return &session{
		httpClient: &http.Client{
			Transport: &revalidateTransport{base: cacheTransport},
			Timeout:   opts.Timeout,
		},
		base:     base,
		cacheDir: dir,
	}, nil
}

// Close drops idle keep-alive connections
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.base.CloseIdleConnections()
	})
	return nil
}

// newCache returns an in-memory cache, or a disk cache in a per-token
// subdirectory of dir when dir is set.
func newCache(token, dir string) (httpcache.Cache, string, error) {
	if dir == "" {
		return httpcache.NewMemoryCache(), "", nil
	}

	sum := sha256.Sum256([]byte(token))
	path := filepath.Join(os.ExpandEnv(dir), hex.EncodeToString(sum[:])[:16])
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return diskcache.New(path), path, nil
}

// revalidateTransport asks the cache to revalidate every GET with the server.
// Unchanged star listings then come back as 304s, which GitHub does not count
// against the rate limit, and a listing is never served stale.
type revalidateTransport struct {
	base http.RoundTripper
}

func (t *revalidateTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Cache-Control") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Cache-Control", "max-age=0")
	return t.base.RoundTrip(clone)
}

// RateLimitedError is returned by the GraphQL transport when GitHub refuses a
// request because a primary or secondary rate limit is exhausted.
type RateLimitedError struct {
	StatusCode int
	Header     http.Header
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by GitHub (HTTP %d)", e.StatusCode)
}

type rateLimitTransport struct {
	base http.RoundTripper
}

func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, rateLimited(resp)
	case http.StatusForbidden:
		if resp.Header.Get(headerRetryAfter) != "" || resp.Header.Get(headerRateRemaining) == "0" {
			return nil, rateLimited(resp)
		}
	case http.StatusOK:
		// GraphQL reports an exhausted primary limit as a 200 with a
		// RATE_LIMITED error in the body.
		if resp.Header.Get(headerRateRemaining) != "0" {
			return resp, nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPeekBytes))
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if bytes.Contains(body, []byte(`"RATE_LIMITED"`)) {
			return nil, &RateLimitedError{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}

func rateLimited(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPeekBytes))
	_ = resp.Body.Close()
	return &RateLimitedError{StatusCode: resp.StatusCode, Header: resp.Header.Clone()}
}
