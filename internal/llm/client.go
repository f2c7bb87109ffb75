// Package llm talks to an OpenAI-compatible chat API and uses it as the
// machine translation collaborator of the translate stage.
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

	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/avast/retry-go/v4"
)

// Client is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    string
}

func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if config.Attempts == 0 {
		config.Attempts = 3
	}
	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Chat sends one completion request and returns the first choice's content.
// With jsonMode the provider is asked for a JSON object response.
func (c *Client) Chat(ctx context.Context, systemPrompt, userMessage string, jsonMode bool) (string, error) {
	request := ChatRequest{
		Model: c.config.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}
	if jsonMode {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var response *ChatResponse
	err = retry.Do(
		func() error {
			var err error
			response, err = c.post(ctx, "/chat/completions", body)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("LLM request failed (attempt %d): %v", n+1, err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	choice := response.Choices[0]
	if choice.FinishReason == "length" {
		return "", fmt.Errorf("chat completion truncated at %d tokens", c.config.MaxTokens)
	}
	log.Debug("LLM %s used %d tokens", response.Model, response.Usage.TotalTokens)
	return choice.Message.Content, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range c.config.headers() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(responseBody), 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Unrecoverable(err)
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return nil, chatResponse.Error
	}
	return &chatResponse, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
