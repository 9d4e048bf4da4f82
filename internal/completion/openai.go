package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"ainexus_bot/internal/config"
	"ainexus_bot/internal/logging"
)

const defaultTemperature = 0.7

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGateway calls the OpenAI chat completions endpoint (or a compatible
// one when a base URL is configured).
type OpenAIGateway struct {
	client       chatClient
	model        string
	systemPrompt string
	timeout      time.Duration
	logger       *logrus.Entry
}

// NewOpenAIGateway builds a gateway from cfg. It fails when no API key is set;
// callers treat that as "completion unavailable".
func NewOpenAIGateway(cfg config.Config, logger *logrus.Entry) (*OpenAIGateway, error) {
	if strings.TrimSpace(cfg.OpenAIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	clientCfg := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}

	return newOpenAIGateway(openai.NewClientWithConfig(clientCfg), cfg, logger), nil
}

func newOpenAIGateway(client chatClient, cfg config.Config, logger *logrus.Entry) *OpenAIGateway {
	model := cfg.OpenAIModel
	if model == "" {
		model = config.DefaultOpenAIModel
	}
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = config.DefaultCompletionTimeout
	}

	return &OpenAIGateway{
		client:       client,
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		timeout:      timeout,
		logger:       logger,
	}
}

// Complete sends prompt as a single user message and classifies the result.
func (g *OpenAIGateway) Complete(ctx context.Context, prompt string) Outcome {
	if g == nil || g.client == nil {
		return Failure(KindTransientError, errors.New("openai gateway is not initialized"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if g.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	started := time.Now()
	resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: defaultTemperature,
	})
	elapsed := time.Since(started)

	if err != nil {
		kind := Classify(err)
		entry := g.logger.WithFields(logging.Fields{
			"event":       "completion_failed",
			"model":       g.model,
			"outcome":     kind.String(),
			"duration_ms": elapsed.Milliseconds(),
		}).WithError(err)

		if kind == KindAuthFailure {
			entry.Error("completion credentials rejected")
		} else {
			entry.Warn("completion call failed")
		}
		return Failure(kind, err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	outcome := Success(text)
	g.logger.WithFields(logging.Fields{
		"event":       "completion_ok",
		"model":       g.model,
		"empty":       outcome.Empty,
		"duration_ms": elapsed.Milliseconds(),
	}).Debug("completion call succeeded")

	return outcome
}

// Classify maps an upstream error to an outcome kind.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientError
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := classifyStatus(apiErr.HTTPStatusCode); ok {
			return kind
		}
		if code := strings.ToLower(fmt.Sprint(apiErr.Code)); code == "insufficient_quota" || code == "rate_limit_exceeded" {
			return KindRateLimited
		}
		if code := strings.ToLower(fmt.Sprint(apiErr.Code)); code == "invalid_api_key" {
			return KindAuthFailure
		}
		return KindTransientError
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if kind, ok := classifyStatus(reqErr.HTTPStatusCode); ok {
			return kind
		}
		return KindTransientError
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "status code: 429") {
		return KindRateLimited
	}

	return KindTransientError
}

func classifyStatus(status int) (Kind, bool) {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthFailure, true
	case http.StatusTooManyRequests:
		return KindRateLimited, true
	default:
		return 0, false
	}
}
