// Package llm 封装外部模型调用。引擎只依赖 Model 接口：
// 输入系统指令 + 有序会话，输出原始文本（期望是 JSON）。
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nexusdesk/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Role 会话角色，只有 user 和 model 两种
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn 一轮会话
type Turn struct {
	Role Role
	Text string
}

// Request 模型请求
type Request struct {
	SystemInstruction string
	Conversation      []Turn
}

// Model 模型调用契约
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

var (
	// ErrNotConfigured 没有可用的 API key
	ErrNotConfigured = errors.New("llm: provider not configured")
	// ErrEmptyResponse 模型没有返回任何候选
	ErrEmptyResponse = errors.New("llm: empty response")
)

// New 按配置创建模型客户端
func New(ctx context.Context, cfg config.AIConfig) (Model, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		g, err := NewGemini(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "openai":
		return NewOpenAI(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
