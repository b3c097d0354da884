package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

const (
	DefaultMaxTokens   = 800
	DefaultTemperature = 0.8
	DefaultTimeout     = 45 * time.Second
	maxAttempts        = 2
)

// DefaultModels maps each tier to its model when nothing is configured
var DefaultModels = map[story.Tier]string{
	story.TierEconomy: "gpt-3.5-turbo",
	story.TierPremium: "gpt-4",
}

// Generator turns a prompt into raw completion text
type Generator interface {
	Generate(ctx context.Context, prompt *Prompt) (*Completion, error)
}

// Completion is the raw result of one generation call
type Completion struct {
	Text     string     `json:"text"`
	Tier     story.Tier `json:"tier"`
	Model    string     `json:"model"`
	Attempts int        `json:"attempts"`
}

// GenerationConfig tunes the generation client
type GenerationConfig struct {
	Models            map[story.Tier]string
	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryDelay        time.Duration
}

// GenerationClient sends prompts to a provider under the active model tier
type GenerationClient struct {
	provider  Provider
	selection *ModelSelection
	cfg       GenerationConfig
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewGenerationClient creates a client. Zero config values use defaults.
func NewGenerationClient(provider Provider, selection *ModelSelection, cfg GenerationConfig, logger *zap.Logger) *GenerationClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	models := make(map[story.Tier]string, len(DefaultModels))
	for tier, model := range DefaultModels {
		models[tier] = model
	}
	for tier, model := range cfg.Models {
		if model != "" {
			models[tier] = model
		}
	}
	cfg.Models = models

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GenerationClient{
		provider:  provider,
		selection: selection,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}
}

// Model returns the model configured for tier
func (c *GenerationClient) Model(tier story.Tier) string {
	return c.cfg.Models[tier]
}

// Generate sends the prompt to the provider. The tier is read once, so a
// concurrent tier switch only affects later calls.
func (c *GenerationClient) Generate(ctx context.Context, prompt *Prompt) (*Completion, error) {
	tier := c.selection.Tier()
	model := c.cfg.Models[tier]

	req := &CompletionRequest{
		Model:       model,
		System:      prompt.System,
		User:        prompt.User,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if prompt.MaxTokens > 0 {
		req.MaxTokens = prompt.MaxTokens
	}

	log := c.logger.With(zap.String("tier", string(tier)), zap.String("model", model))
	attempts := 0

	op := func() (string, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(apperr.Unavailable("rate limiter wait", err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		text, err := c.provider.Complete(attemptCtx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = apperr.Unavailable("provider call timed out", err)
			}
			if apperr.IsProviderUnavailable(err) && ctx.Err() == nil {
				log.Warn("provider call failed", zap.Int("attempt", attempts), zap.Error(err))
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		if strings.TrimSpace(text) == "" {
			return "", backoff.Permanent(apperr.Empty("provider returned blank text"))
		}
		return text, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.MaxInterval = 4 * c.cfg.RetryDelay

	text, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts))
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	log.Debug("generation complete", zap.Int("attempts", attempts), zap.Int("length", len(text)))
	return &Completion{Text: text, Tier: tier, Model: model, Attempts: attempts}, nil
}

func (c *GenerationClient) classify(ctx context.Context, err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	if ctx.Err() != nil {
		return apperr.Unavailable("generation cancelled", ctx.Err())
	}
	return apperr.Unavailable(fmt.Sprintf("%s provider failed", c.provider.Name()), err)
}
