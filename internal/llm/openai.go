package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const DefaultOpenAIModel = "gpt-4.1"

// OpenAIConfig holds configuration for the OpenAI chat client.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string        // Optional (compatible gateways, tests)
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIClient implements Client with chat completions. It has no native
// PDF input, so requests carry the extracted PDF text instead.
type OpenAIClient struct {
	model  string
	http   *http.Client
	client openai.Client
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// Retries happen in Service so they are counted once.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		model:  cfg.Model,
		http:   httpClient,
		client: openai.NewClient(opts...),
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	var parts []string
	if req.PDFText != "" {
		parts = append(parts, req.PDFText)
	}
	for _, part := range req.Context {
		if part != "" {
			parts = append(parts, part)
		}
	}
	parts = append(parts, req.Prompt)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(strings.Join(parts, "\n\n")))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(0),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", invalidResponse("openai returned no choices")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", invalidResponse("empty response from openai")
	}
	return text, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai api: %w", err)
	}
	if isQuotaMessage(apiErr.Message) {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, apiErr.Message)
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
		return &RetryableError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	if apiErr.Message != "" {
		return fmt.Errorf("openai error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("openai error (status %d)", apiErr.StatusCode)
}

// Close releases resources.
func (c *OpenAIClient) Close() {
	c.http.CloseIdleConnections()
}
