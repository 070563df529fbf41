package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"nexusdesk/internal/config"

	"google.golang.org/genai"
)

// Gemini 基于 google.golang.org/genai 的模型客户端
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

func NewGemini(ctx context.Context, cfg config.AIConfig, httpClient *http.Client) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
	}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	temp := g.temperature
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemInstruction, genai.RoleUser),
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	}
	if g.maxTokens > 0 {
		gc.MaxOutputTokens = g.maxTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, toGenaiContents(req.Conversation), gc)
	if err != nil {
		return "", fmt.Errorf("generateContent: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func toGenaiContents(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleModel {
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleUser))
	}
	return contents
}
