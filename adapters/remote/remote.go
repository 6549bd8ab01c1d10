// Package remote provides the HTTP transport view-models execute their
// commands and queries through.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/artpar/vmkit/core/deferred"
	"github.com/artpar/vmkit/ports"
	"github.com/rs/zerolog"
)

// Client performs remote calls over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	headers    map[string]string
	logger     zerolog.Logger
}

// ClientConfig configures the remote client.
type ClientConfig struct {
	// BaseURL is prepended to relative call targets.
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
	Logger  zerolog.Logger

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

// NewClient creates a new remote HTTP client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		headers:    cfg.Headers,
		logger:     cfg.Logger,
	}
}

// Send issues req in the background. The returned call resolves with the
// decoded response body, or rejects with a *StatusError or transport error.
func (c *Client) Send(ctx context.Context, req ports.Request) *deferred.Deferred {
	d := deferred.New()

	httpReq, err := c.build(ctx, req)
	if err != nil {
		d.Reject(err)
		return d
	}

	go func() {
		start := time.Now()
		value, err := c.do(httpReq)

		event := c.logger.Debug()
		if err != nil {
			event = c.logger.Debug().Err(err)
		}
		event.
			Str("method", httpReq.Method).
			Str("url", httpReq.URL.String()).
			Dur("elapsed", time.Since(start)).
			Msg("remote call settled")

		if err != nil {
			d.Reject(err)
			return
		}
		d.Resolve(value)
	}()

	return d
}

func (c *Client) build(ctx context.Context, req ports.Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = ports.DefaultContentType
	}

	target := req.URL
	if c.baseURL != "" && !strings.Contains(target, "://") {
		target = c.baseURL + "/" + strings.TrimLeft(target, "/")
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		query, err := EncodeQuery(req.Payload)
		if err != nil {
			return nil, err
		}
		if query != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + query
		}
	default:
		data, err := encodeBody(req.Payload, contentType)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

func (c *Client) do(req *http.Request) (any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Method:     req.Method,
			URL:        req.URL.String(),
			Message:    strings.TrimSpace(string(data)),
		}
	}

	return decodeBody(data, resp.Header.Get("Content-Type"))
}

// EncodeQuery encodes a payload as URL query parameters.
// Maps become key=value pairs (slices repeat the key); strings are used as
// an already-encoded query.
func EncodeQuery(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimPrefix(p, "?"), nil
	case url.Values:
		return p.Encode(), nil
	case map[string]string:
		values := url.Values{}
		for k, v := range p {
			values.Set(k, v)
		}
		return values.Encode(), nil
	case map[string]any:
		values := url.Values{}
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := p[k].(type) {
			case nil:
			case []any:
				for _, item := range v {
					values.Add(k, fmt.Sprint(item))
				}
			case []string:
				for _, item := range v {
					values.Add(k, item)
				}
			default:
				values.Set(k, fmt.Sprint(v))
			}
		}
		return values.Encode(), nil
	default:
		return "", fmt.Errorf("encode query: unsupported payload type %T", payload)
	}
}

func encodeBody(payload any, contentType string) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		if !strings.Contains(contentType, "json") {
			return []byte(p), nil
		}
	}

	if strings.Contains(contentType, "x-www-form-urlencoded") {
		query, err := EncodeQuery(payload)
		if err != nil {
			return nil, err
		}
		return []byte(query), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func decodeBody(data []byte, contentType string) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !strings.Contains(contentType, "json") {
		return string(data), nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote error %d (%s %s): %s", e.StatusCode, e.Method, e.URL, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusNotFound
	}
	return false
}

// Ensure interface compliance.
var _ ports.Transport = (*Client)(nil)
