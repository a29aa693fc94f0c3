package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
)

const (
	PathChatCompletions = "/v1/chat/completions"
	PathResponses       = "/v1/responses"
	PathModels          = "/v1/models"
)

// maxErrorBody bounds how much of a failed upstream reply is kept.
const maxErrorBody = 64 << 10

type Upstream struct {
	BaseURL  string
	APIKey   string
	Headers  map[string]string
	ProxyURL string
}

var clients sync.Map // proxy URL -> *http.Client

// Send posts body to path on the upstream. A reply with status >= 400 is
// consumed, closed and returned as a classified apierr error; otherwise the
// caller owns the response body.
func Send(ctx context.Context, up Upstream, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(up.BaseURL, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	return do(up, req)
}

// ModelIDs lists the model ids the upstream advertises on /v1/models.
func ModelIDs(ctx context.Context, up Upstream) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, PathModels), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := do(up, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseModelIDs(raw), nil
}

func parseModelIDs(raw []byte) []string {
	var out []string
	gjson.GetBytes(raw, "data").ForEach(func(_, item gjson.Result) bool {
		if id := strings.TrimSpace(item.Get("id").String()); id != "" {
			out = append(out, id)
		}
		return true
	})
	return out
}

func do(up Upstream, req *http.Request) (*http.Response, error) {
	if key := strings.TrimSpace(up.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range up.Headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	client, err := clientFor(up.ProxyURL)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", req.URL.Host, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apierr.FromResponse(resp.StatusCode, resp.Header, raw)
	}
	return resp, nil
}

func clientFor(proxy string) (*http.Client, error) {
	proxy = strings.TrimSpace(proxy)
	if c, ok := clients.Load(proxy); ok {
		return c.(*http.Client), nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", proxy)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c, _ := clients.LoadOrStore(proxy, &http.Client{Transport: transport})
	return c.(*http.Client), nil
}

func buildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}
