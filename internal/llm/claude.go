package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAnthropicURL   = "https://api.anthropic.com"
	DefaultAnthropicModel = "claude-sonnet-4-5"

	defaultMaxTokens = 4096
	maxResponseBytes = 16 << 20
)

// ClaudeClient calls the Anthropic Messages API.
type ClaudeClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewClaudeClient(apiKey, model string) *ClaudeClient {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &ClaudeClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultAnthropicURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// WithBaseURL points the client at another endpoint.
func (c *ClaudeClient) WithBaseURL(u string) *ClaudeClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *documentSource `json:"source,omitempty"`
}

type documentSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Temperature   float64            `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one user turn. The PDF goes first as a base64 document
// block, followed by the context parts and the prompt.
func (c *ClaudeClient) Complete(ctx context.Context, req Request) (string, error) {
	var blocks []contentBlock
	switch {
	case len(req.PDF) > 0:
		blocks = append(blocks, contentBlock{
			Type: "document",
			Source: &documentSource{
				Type:      "base64",
				MediaType: "application/pdf",
				Data:      base64.StdEncoding.EncodeToString(req.PDF),
			},
		})
	case req.PDFText != "":
		blocks = append(blocks, contentBlock{Type: "text", Text: req.PDFText})
	}
	for _, part := range req.Context {
		if part != "" {
			blocks = append(blocks, contentBlock{Type: "text", Text: part})
		}
	}
	blocks = append(blocks, contentBlock{Type: "text", Text: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(anthropicRequest{
		Model:         c.model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []anthropicMessage{{Role: "user", Content: blocks}},
		StopSequences: req.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("claude api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	// 529 is Anthropic's "overloaded".
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &RetryableError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("claude api status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}
		return "", invalidResponse("decode claude response: %v", err)
	}
	if apiResp.Error != nil {
		if isQuotaMessage(apiResp.Error.Message) {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, apiResp.Error.Message)
		}
		return "", fmt.Errorf("claude error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("claude api status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", invalidResponse("empty response from claude")
	}
	return sb.String(), nil
}

func isQuotaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "credit balance")
}

// Close releases resources.
func (c *ClaudeClient) Close() {
	c.httpClient.CloseIdleConnections()
}
