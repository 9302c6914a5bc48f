// Package transport is the agent's HTTP client for the authority's two
// endpoints plus the connectivity probe.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/wire"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second

	pullPath   = "/v1/assignments/pull"
	pushPath   = "/v1/assignments/push"
	healthPath = "/healthz"
)

var (
	errMissingBaseURL = errors.New("transport: base url is required")
	// ErrServerStatus indicates a non-2xx response from the authority.
	ErrServerStatus = errors.New("transport: unexpected server status")
)

// ClientConfig configures the authority client.
type ClientConfig struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client performs the pull, push, and probe calls. A request timeout applies
// to every leg; a timeout is indistinguishable from any other transport
// failure to callers.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    trimmed,
		token:      cfg.BearerToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Pull fetches one page of changed records for the scope.
func (c *Client) Pull(ctx context.Context, request wire.PullRequest) (wire.PullResponse, error) {
	var response wire.PullResponse
	if err := c.postJSON(ctx, pullPath, request, &response); err != nil {
		return wire.PullResponse{}, err
	}
	return response, nil
}

// Push submits one batch of mutations for adjudication.
func (c *Client) Push(ctx context.Context, request wire.PushRequest) (wire.PushResponse, error) {
	var response wire.PushResponse
	if err := c.postJSON(ctx, pushPath, request, &response); err != nil {
		return wire.PushResponse{}, err
	}
	return response, nil
}

// Ping probes the authority's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer drainAndClose(response.Body)
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrServerStatus, response.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("authority request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	defer drainAndClose(response.Body)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		c.logger.Debug("authority returned error status",
			zap.String("path", path), zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: %d on %s", ErrServerStatus, response.StatusCode, path)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
