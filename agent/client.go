package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/verity-labs/dossier/pipeline/failure"
)

// maxResponseSize limits the worker response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint describes one worker endpoint.
type Endpoint struct {
	// Provider names a registered provider ("anthropic", "openai", "ollama").
	Provider string `json:"provider" yaml:"provider"`

	// URL is the base URL; empty uses the provider default.
	URL string `json:"url" yaml:"url"`

	// Model is the model identifier sent to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens limits response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Temperature is nil for the provider default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// Validate checks the endpoint configuration.
func (e *Endpoint) Validate() error {
	if e.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if GetProvider(e.Provider) == nil {
		return fmt.Errorf("unknown provider %q (registered: %s)",
			e.Provider, strings.Join(ListProviders(), ", "))
	}
	if e.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// Client sends completion requests to a single worker endpoint. Retry policy
// is owned by the caller, not the client; every failure comes back wrapped
// with a failure category so callers can decide.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a worker client for the given endpoint.
func NewClient(endpoint Endpoint, opts ...ClientOption) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Complete sends a completion request to the endpoint.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if len(messages) == 0 {
		return nil, failure.Wrap(failure.CategoryConfiguration,
			fmt.Errorf("at least one message is required"))
	}

	provider := GetProvider(c.endpoint.Provider)
	url := provider.BuildURL(c.endpoint.URL)

	body, err := provider.BuildRequestBody(c.endpoint.Model, messages,
		c.endpoint.Temperature, c.endpoint.MaxTokens)
	if err != nil {
		return nil, failure.Wrap(failure.CategoryConfiguration,
			fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending worker request",
		"provider", c.endpoint.Provider,
		"model", c.endpoint.Model,
		"url", url,
		"messages", len(messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Wrap(failure.CategoryConfiguration,
			fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Wrap(failure.CategoryTimeout,
				fmt.Errorf("HTTP request timed out: %w", err))
		}
		// Network errors are transient
		return nil, failure.Wrap(failure.CategoryTransientNetwork,
			fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, failure.Wrap(failure.CategoryTransientNetwork,
			fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, c.endpoint.Model)
	if err != nil {
		return nil, failure.Wrap(failure.CategoryValidation, err)
	}
	return resp, nil
}

// classifyHTTPError maps an HTTP error status to a failure category.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("worker API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return failure.Wrap(failure.CategoryRateLimit, err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return failure.Wrap(failure.CategoryAuthentication, err)
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusGatewayTimeout:
		return failure.Wrap(failure.CategoryTimeout, err)
	case statusCode == http.StatusInsufficientStorage:
		return failure.Wrap(failure.CategoryResourceExhaustion, err)
	case statusCode >= 500:
		// Server errors are transient
		return failure.Wrap(failure.CategoryTransientNetwork, err)
	case statusCode == http.StatusBadRequest:
		return failure.Wrap(failure.CategoryValidation, err)
	default:
		return failure.Wrap(failure.CategoryUnknown, err)
	}
}
