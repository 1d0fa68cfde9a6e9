/**
 * @description
 * This package provides a client for the OpenAI Chat Completions API. The
 * escrow-service uses it for two jobs: extracting structured terms from an
 * uploaded contract document, and judging whether a submitted image shows the
 * contracted work completed.
 *
 * Both calls request `json_object` response format so the model's answer can
 * be unmarshaled directly; the judge call sends the image as a base64 data
 * URL alongside the text prompt.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package openaiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the OpenAI API.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewClient creates a new OpenAI API client.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// message is one chat message. Content is either a plain string or a list of
// content parts for multimodal requests.
type message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ErrorResponse represents an error from the OpenAI API.
type ErrorResponse struct {
	ErrorDetail struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorDetail.Message != "" {
		return fmt.Sprintf("openai api error: %s - %s", e.ErrorDetail.Type, e.ErrorDetail.Message)
	}
	return "unknown openai api error"
}

// CompleteJSON sends a system+user prompt and returns the model's raw JSON
// answer. The caller unmarshals it into its own result type.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqPayload := chatCompletionRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	reqPayload.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	return c.doChatCompletion(ctx, "complete_json", reqPayload)
}

// CompleteJSONWithImage sends a prompt plus an inline image (as a base64 data
// URL) and returns the model's raw JSON answer.
func (c *Client) CompleteJSONWithImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, imageContentType string) (string, error) {
	dataURL := "data:" + imageContentType + ";base64," + base64.StdEncoding.EncodeToString(imageData)

	reqPayload := chatCompletionRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		MaxTokens: 300,
	}
	reqPayload.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	return c.doChatCompletion(ctx, "complete_json_with_image", reqPayload)
}

func (c *Client) doChatCompletion(ctx context.Context, op string, payload chatCompletionRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.ErrorDetail.Message == "" {
			log.Printf("level=warn component=openai_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return "", fmt.Errorf("openai api returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=openai_client op=%s status=%d type=%q detail=%q", op, resp.StatusCode, errResp.ErrorDetail.Type, errResp.ErrorDetail.Message)
		return "", &errResp
	}

	var completionResp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &completionResp); err != nil {
		return "", fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if len(completionResp.Choices) == 0 {
		return "", fmt.Errorf("%s response contained no choices", op)
	}
	return completionResp.Choices[0].Message.Content, nil
}
