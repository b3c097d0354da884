package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterClient handles communication with the OpenRouter chat API
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenRouterClient creates a new OpenRouter client. An empty baseURL uses
// the public endpoint.
func NewOpenRouterClient(apiKey, baseURL string) *OpenRouterClient {
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}

	return &OpenRouterClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			// per-attempt deadlines come from the caller's context
			Timeout: 2 * time.Minute,
		},
	}
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body of the chat completions endpoint
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// chatResponse is the response body of the chat completions endpoint
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
		Reason  string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Name implements Provider
func (c *OpenRouterClient) Name() string { return "openrouter" }

// Complete calls the chat completions endpoint and returns the first choice
func (c *OpenRouterClient) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	if c.apiKey == "" {
		return "", apperr.Rejected("OPENROUTER_API_KEY not set", nil)
	}

	body, err := json.Marshal(&chatRequest{
		Model: req.Model,
		Messages: []Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", "https://scene-loom.local")
	httpReq.Header.Set("X-Title", "Scene Loom")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", apperr.Unavailable("failed to execute request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Unavailable("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, string(respBody))
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", apperr.Unavailable("failed to parse response", err)
	}

	// OpenRouter reports some upstream failures inside a 200 body
	if completion.Error != nil {
		status := completion.Error.Code
		if status == 0 {
			status = http.StatusBadGateway
		}
		return "", classifyStatus(status, completion.Error.Message)
	}

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", apperr.Empty("no content in response")
	}

	return completion.Choices[0].Message.Content, nil
}
