// Package llm provides the vision-extraction and translation client.
// The client speaks an OpenRouter-compatible chat-completions API and does
// not retry on its own; retry policy lives in the page processor.
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

// ModelOptions overrides the configured models for a single call.
type ModelOptions struct {
	Model       string
	Temperature float64
}

// Config holds LLM client configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	VisionModel string // page-image markdown extraction
	TextModel   string // markdown translation
	Timeout     time.Duration
}

// Client calls the chat-completions API for extraction and translation.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	visionModel string
	textModel   string
}

// NewClient creates a new LLM client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "qwen/qwen2.5-vl-72b-instruct"
	}
	if cfg.TextModel == "" {
		cfg.TextModel = "qwen/qwen-2.5-72b-instruct"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		visionModel: cfg.VisionModel,
		textModel:   cfg.TextModel,
	}, nil
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// ExtractMarkdown sends a page image through the vision model and returns
// the extracted markdown. The result may be empty for blank pages.
func (c *Client) ExtractMarkdown(ctx context.Context, image []byte, opts ModelOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.visionModel
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	req := chatRequest{
		Model:       model,
		Temperature: opts.Temperature,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: extractionPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			},
		}},
	}

	return c.complete(ctx, req)
}

// Translate sends extracted markdown through the text model and returns the
// translation into targetLanguage, structure preserved.
func (c *Client) Translate(ctx context.Context, markdown, targetLanguage string, opts ModelOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.textModel
	}

	req := chatRequest{
		Model:       model,
		Temperature: opts.Temperature,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: fmt.Sprintf(translationPrompt, targetLanguage)},
				{Type: "text", Text: markdown},
			},
		}},
	}

	return c.complete(ctx, req)
}

// complete performs one chat-completions round trip.
func (c *Client) complete(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "Docuglot")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var parsed chatResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", &APIError{StatusCode: parsed.Error.Code, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return stripCodeFence(parsed.Choices[0].Message.Content), nil
}

// stripCodeFence removes a wrapping markdown code fence if the model added
// one despite the prompt.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```markdown")
	trimmed = strings.TrimPrefix(trimmed, "```md")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
