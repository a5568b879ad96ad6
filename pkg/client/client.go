// Package client performs single chat completion exchanges with an
// OpenAI-compatible service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/docsmith/pkg/models"
)

// DefaultSentinel is the marker every documented reply must start with.
const DefaultSentinel = "<BEGIN>\n"

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultEndpointPath = "/chat/completions"
	defaultTimeout      = 2 * time.Minute
	maxErrorBody        = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	EndpointPath string
	APIKey       string
	Timeout      time.Duration
	Sentinel     string
	HTTPClient   *http.Client
}

// Completion is the payload extracted from a successful exchange.
type Completion struct {
	Content string
	Usage   *models.Usage
}

// Client sends one request per Complete call. It never retries.
type Client struct {
	hc       *http.Client
	url      string
	apiKey   string
	timeout  time.Duration
	sentinel string
}

// New creates a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("client: missing api key")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.EndpointPath == "" {
		opts.EndpointPath = defaultEndpointPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Sentinel == "" {
		opts.Sentinel = DefaultSentinel
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	url := opts.EndpointPath
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}

	return &Client{
		hc:       hc,
		url:      url,
		apiKey:   opts.APIKey,
		timeout:  opts.Timeout,
		sentinel: opts.Sentinel,
	}, nil
}

// URL returns the endpoint the client posts to.
func (c *Client) URL() string {
	return c.url
}

// Complete sends req and returns the reply with the sentinel stripped.
// Failures are a *ServiceError, a *TransportError, or wrap
// ErrProtocolViolation.
func (c *Client) Complete(ctx context.Context, req models.ChatCompletionRequest) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeServiceError(resp.StatusCode, respBody)
	}

	var chatResp models.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &ProtocolError{Reason: "no completion returned", Usage: chatResp.Usage}
	}

	content := chatResp.Choices[0].Message.Content
	if !strings.HasPrefix(content, c.sentinel) {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("reply does not start with %q", c.sentinel),
			Usage:  chatResp.Usage,
		}
	}

	return &Completion{
		Content: strings.TrimPrefix(content, c.sentinel),
		Usage:   chatResp.Usage,
	}, nil
}

func decodeServiceError(status int, body []byte) *ServiceError {
	var errResp models.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &ServiceError{StatusCode: status, Message: errResp.Error.Message}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ServiceError{StatusCode: status, Message: msg}
}
