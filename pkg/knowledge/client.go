// Package knowledge 租户知识库检索客户端，为 AI 提示词提供参考资料
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Searcher 引擎依赖的最小接口
type Searcher interface {
	Search(ctx context.Context, tenantID, kbID, query string) ([]Passage, error)
}

// APIError 服务端返回的错误
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("knowledge API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("knowledge API error [%d]: %s", e.StatusCode, e.Message)
}

// Client 知识库 HTTP 客户端
type Client struct {
	cfg        *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient 创建客户端；cfg 为 nil 时使用默认配置
func NewClient(cfg *Config, logger *logrus.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Search 在租户的知识库中检索与 query 相关的片段
func (c *Client) Search(ctx context.Context, tenantID, kbID, query string) ([]Passage, error) {
	if kbID == "" {
		return nil, errors.New("knowledge base ID is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}

	req := &SearchRequest{
		Query:           query,
		KnowledgeBaseID: kbID,
		Limit:           c.cfg.Limit,
		Threshold:       c.cfg.ScoreThreshold,
		Strategy:        "hybrid",
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	var resp SearchResponse
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/v1/knowledge/search", tenantID, req, &resp); err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("search knowledge: %s", resp.Message)
	}
	return resp.Data.Results, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	var resp HealthResponse
	if err := c.doWithRetry(ctx, http.MethodGet, "/api/v1/health", "", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" && resp.Status != "healthy" {
		return fmt.Errorf("knowledge service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, tenantID string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	req.Header.Set("User-Agent", "nexusdesk-knowledge-client/1.0")
	return req, nil
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("knowledge API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Code = er.ErrorCode
		}
		return apiErr
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, method, endpoint, tenantID string, body, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("knowledge API retry attempt %d/%d", attempt, c.cfg.MaxRetries)
		}

		req, err := c.newRequest(ctx, method, endpoint, tenantID, body)
		if err != nil {
			return err
		}
		lastErr = c.do(req, result)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// shouldRetry 网络错误和 5xx 重试，4xx 直接返回
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
