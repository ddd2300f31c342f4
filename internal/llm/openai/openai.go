package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/askmesh/askmesh/internal/llm"
)

const providerName = "openai"

type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		model:     model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Generate(ctx context.Context, prompt llm.Prompt, temperature float64) (string, error) {
	if err := prompt.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(buildPayload(c.model, c.maxTokens, temperature, prompt))
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", llm.NewServiceError(providerName, fmt.Errorf("request chat completion: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.NewServiceError(providerName, fmt.Errorf("read chat response body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return "", llm.NewServiceError(providerName, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", llm.NewServiceError(providerName, fmt.Errorf("decode chat completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", llm.NewServiceError(providerName, fmt.Errorf("empty chat completion choices"))
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", llm.NewServiceError(providerName, fmt.Errorf("model returned empty content"))
	}
	return content, nil
}

func buildPayload(model string, maxTokens int, temperature float64, prompt llm.Prompt) map[string]any {
	messages := make([]map[string]string, 0, len(prompt.Turns)+1)
	if system := strings.TrimSpace(prompt.System); system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	for _, turn := range prompt.Turns {
		messages = append(messages, map[string]string{"role": string(turn.Role), "content": turn.Content})
	}
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
	}
	if maxTokens > 0 {
		payload["max_completion_tokens"] = maxTokens
	}
	return payload
}
