package agents

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
)

// OpenAIProvider calls the OpenAI chat completions API through the SDK
type OpenAIProvider struct {
	client openai.Client
	hasKey bool
}

// NewOpenAIProvider creates a provider. SDK retries are disabled; the
// generation client owns the retry budget.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		hasKey: apiKey != "",
	}
}

// Name implements Provider
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (string, error) {
	if !p.hasKey {
		return "", apperr.Rejected("OPENAI_API_KEY not set", nil)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, apiErr.Error())
		}
		return "", apperr.Unavailable("openai request failed", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", apperr.Empty("no content in response")
	}

	return resp.Choices[0].Message.Content, nil
}
