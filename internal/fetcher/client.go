// Package fetcher 基于 HTTP 的缓存数据源
package fetcher

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tutorhub-sync/internal/cache"
	"tutorhub-sync/internal/realtime"
)

const maxErrorBody = 4 << 10

var ErrNoBaseURL = errors.New("fetcher: base url is required")

// StatusError 服务端返回非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fetcher: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("fetcher: unexpected status %d: %s", e.Code, e.Body)
}

// IsStatus 判断 err 是否为指定状态码的 StatusError
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client REST 客户端
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Config 客户端配置
type Config struct {
	BaseURL    string
	Token      realtime.TokenProvider
	Timeout    time.Duration
	TLS        *tls.Config
	HTTPClient *http.Client // 非 nil 时忽略 Token、Timeout 与 TLS
}

// New 创建客户端
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		base := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLS != nil {
			base.TLSClientConfig = cfg.TLS
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: &bearerTransport{base: base, token: cfg.Token},
		}
	}
	return &Client{baseURL: u, httpClient: httpClient}, nil
}

// URL 拼接请求地址，path 可带查询串
func (c *Client) URL(path string) string {
	rel, err := url.Parse(path)
	if err != nil {
		return strings.TrimRight(c.baseURL.String(), "/") + path
	}
	u := c.baseURL.JoinPath(rel.Path)
	u.RawQuery = rel.RawQuery
	return u.String()
}

// Get 请求 path 并把 JSON 响应解码到 out
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Producer 返回拉取 path 的缓存 Producer，结果解码为通用 JSON 值
func (c *Client) Producer(path string) cache.Producer {
	return func(ctx context.Context) (any, error) {
		var out any
		if err := c.Get(ctx, path, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// ProducerOf 返回把结果解码为 T 的 Producer
func ProducerOf[T any](c *Client, path string) cache.Producer {
	return func(ctx context.Context) (any, error) {
		var out T
		if err := c.Get(ctx, path, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// bearerTransport 包装 http.RoundTripper，自动注入 Authorization header
type bearerTransport struct {
	base  http.RoundTripper
	token realtime.TokenProvider
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == nil {
		return t.base.RoundTrip(req)
	}
	token, err := t.token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("resolve auth token: %w", err)
	}
	req = req.Clone(req.Context())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(req)
}
