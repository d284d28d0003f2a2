package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"vegeta/pkg/protocol"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

// Default models used when neither the agent nor the provider names one.
const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOpenAIModel    = "gpt-4o-mini"
	defaultMaxTokens      = 4096
)

// APIConfig configures a hosted-API provider.
type APIConfig struct {
	Name      string
	BaseURL   string
	APIKeyEnv string
	Model     string
	// HTTPClient overrides the SDK's client (tests point it at httptest).
	HTTPClient *http.Client
}

func (c APIConfig) apiKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// requireKey reports a missing key as Unauthorized so the contract does not
// retry it.
func (c APIConfig) requireKey() error {
	if c.APIKeyEnv != "" && c.apiKey() == "" {
		return &protocol.ProviderError{
			Provider: c.Name,
			Reason:   protocol.FailureUnauthorized,
			Detail:   fmt.Sprintf("%s is not set", c.APIKeyEnv),
		}
	}
	return nil
}

// classifyStatus maps an HTTP status from an SDK error to the taxonomy.
func classifyStatus(name string, status int, err error) error {
	reason := protocol.FailureUnknown
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		reason = protocol.FailureUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		reason = protocol.FailureProviderUnavailable
	case status == http.StatusRequestTimeout:
		reason = protocol.FailureTimeout
	}
	return &protocol.ProviderError{Provider: name, Reason: reason, Detail: truncate(err.Error(), 400), Err: err}
}

// --- Anthropic ---

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	cfg    APIConfig
	client anthropic.Client
}

// NewAnthropic builds an Anthropic provider.
func NewAnthropic(cfg APIConfig) *Anthropic {
	var opts []anthropicopt.RequestOption
	if key := cfg.apiKey(); key != "" {
		opts = append(opts, anthropicopt.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicopt.WithHTTPClient(cfg.HTTPClient))
	}
	// The contract layer owns retries.
	opts = append(opts, anthropicopt.WithMaxRetries(0))
	return &Anthropic{cfg: cfg, client: anthropic.NewClient(opts...)}
}

// Name implements Provider.
func (a *Anthropic) Name() string { return a.cfg.Name }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if err := a.cfg.requireKey(); err != nil {
		return "", err
	}
	model := effectiveModel(req.Model)
	if model == "" {
		model = effectiveModel(a.cfg.Model)
	}
	if model == "" {
		model = DefaultAnthropicModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(a.cfg.Name, apiErr.StatusCode, err)
		}
		return "", wrap(a.cfg.Name, err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &protocol.ProviderError{Provider: a.cfg.Name, Reason: protocol.FailureUnknown, Detail: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
	}
	return text, nil
}

// Probe implements Provider: the API key must be present.
func (a *Anthropic) Probe(context.Context) error {
	return a.cfg.requireKey()
}

// --- OpenAI-compatible ---

// OpenAI calls an OpenAI-compatible Chat Completions endpoint (OpenAI, xAI
// Grok, a local Ollama).
type OpenAI struct {
	cfg    APIConfig
	client openai.Client
}

// NewOpenAI builds an OpenAI-compatible provider.
func NewOpenAI(cfg APIConfig) *OpenAI {
	var opts []openaiopt.RequestOption
	key := cfg.apiKey()
	if key == "" && cfg.APIKeyEnv == "" {
		// Local servers such as Ollama ignore the key but the SDK wants one.
		key = "local"
	}
	if key != "" {
		opts = append(opts, openaiopt.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openaiopt.WithHTTPClient(cfg.HTTPClient))
	}
	opts = append(opts, openaiopt.WithMaxRetries(0))
	return &OpenAI{cfg: cfg, client: openai.NewClient(opts...)}
}

// Name implements Provider.
func (o *OpenAI) Name() string { return o.cfg.Name }

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if err := o.cfg.requireKey(); err != nil {
		return "", err
	}
	model := effectiveModel(req.Model)
	if model == "" {
		model = effectiveModel(o.cfg.Model)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append(messages, openai.SystemMessage(s))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(o.cfg.Name, apiErr.StatusCode, err)
		}
		return "", wrap(o.cfg.Name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &protocol.ProviderError{Provider: o.cfg.Name, Reason: protocol.FailureUnknown, Detail: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Probe implements Provider: the API key must be present when one is
// configured.
func (o *OpenAI) Probe(context.Context) error {
	return o.cfg.requireKey()
}
