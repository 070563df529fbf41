package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nexusdesk/internal/config"

	"github.com/sashabaranov/go-openai"
)

// OpenAI OpenAI 兼容接口的模型客户端（也可指向自建网关）
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAI(cfg config.AIConfig, httpClient *http.Client) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "gemini") {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAIMessages(req),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Conversation)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemInstruction,
	})
	for _, t := range req.Conversation {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleModel {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}
	return msgs
}
