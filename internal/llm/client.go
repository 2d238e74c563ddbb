// Package llm provides a minimal OpenAI-compatible chat-completions client.
//
// The agent treats the model as an untrusted structured oracle: every response
// that feeds back into planning passes through JSON decoding and the plan
// validator before use. This client only handles transport.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a client with a pooled transport.
func NewClient(cfg config.LLMConfig, log zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log: log.With().Str("component", "llm").Logger(),
	}
}

// Chat sends a system+user prompt pair and returns the assistant text.
// On failure with the main model it retries once with the fallback model.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	text, err := c.complete(ctx, c.cfg.ModelMain, system, user, false)
	if err != nil && c.cfg.ModelFallback != "" && c.cfg.ModelFallback != c.cfg.ModelMain {
		c.log.Warn().Err(err).Str("fallback", c.cfg.ModelFallback).Msg("Main model failed, retrying with fallback")
		text, err = c.complete(ctx, c.cfg.ModelFallback, system, user, false)
	}
	return text, err
}

// ChatJSON is Chat with JSON-mode output. The raw message is returned for the
// caller to decode and validate; nothing here trusts the content.
func (c *Client) ChatJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	text, err := c.complete(ctx, c.cfg.ModelMain, system, user, true)
	if err != nil && c.cfg.ModelFallback != "" && c.cfg.ModelFallback != c.cfg.ModelMain {
		text, err = c.complete(ctx, c.cfg.ModelFallback, system, user, true)
	}
	if err != nil {
		return nil, err
	}
	return extractJSON(text)
}

func (c *Client) complete(ctx context.Context, model, system, user string, jsonMode bool) (string, error) {
	reqBody := chatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.APIBase, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// extractJSON tolerates models that wrap JSON in markdown fences.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("llm response is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
