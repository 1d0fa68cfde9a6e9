/**
 * @description
 * This package provides a client for an S3-compatible object storage HTTP
 * API. The escrow-service archives every submitted work image here,
 * accepted or rejected, under a path that records the agreement and the
 * verdict.
 *
 * @dependencies
 * - bytes, context, fmt, net/http, time: Standard Go libraries.
 */
package storageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the object storage API.
type Client struct {
	BaseURL    string
	APIKey     string
	Bucket     string
	HTTPClient *http.Client
}

// NewClient creates a new storage client for a single bucket.
func NewClient(baseURL, apiKey, bucket string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Bucket:  bucket,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ErrorResponse represents an error from the storage API.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storage api error: %d - %s", e.StatusCode, e.Message)
	}
	return "unknown storage api error"
}

// Upload stores an object at the given path inside the client's bucket and
// returns the path it was stored under.
func (c *Client) Upload(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	uploadURL := fmt.Sprintf("%s/object/%s/%s", c.BaseURL, c.Bucket, escapePath(objectPath))

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("x-upsert", "false")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute upload request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			log.Printf("level=warn component=storage_client op=upload path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", objectPath, resp.StatusCode)
			return "", fmt.Errorf("storage api returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=storage_client op=upload path=%s status=%d detail=%q", objectPath, resp.StatusCode, errResp.Message)
		return "", &errResp
	}

	return objectPath, nil
}

// PublicURL returns the unauthenticated read URL for an object.
func (c *Client) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", c.BaseURL, c.Bucket, escapePath(objectPath))
}

// escapePath escapes each path segment while preserving the separators.
func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
