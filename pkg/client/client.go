package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ErrNotFound is returned when the server has no schedule of that name.
var ErrNotFound = errors.New("schedule not found")

// Client talks to a `loopr serve` dashboard.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CACert is a PEM bundle used as the only trusted roots; empty uses
	// the system roots.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8087/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates a new loopr API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) List(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

func (c *Client) Describe(ctx context.Context, name string) (Detail, error) {
	var out Detail
	err := c.do(ctx, http.MethodGet, "/schedules/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// Stop stops one schedule. A stop that timed out returns the outcome and
// an error.
func (c *Client) Stop(ctx context.Context, name string, req StopRequest) (StopOutcome, error) {
	var out StopOutcome
	err := c.do(ctx, http.MethodPost, "/schedules/"+url.PathEscape(name)+"/stop", stopQuery(req), &out)
	return out, err
}

// StopAll stops every schedule; partial failure is reported in the result.
func (c *Client) StopAll(ctx context.Context, req StopRequest) (StopAllResult, error) {
	var out StopAllResult
	err := c.do(ctx, http.MethodPost, "/stop-all", stopQuery(req), &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, name string, force bool) (bool, error) {
	var out struct {
		Deleted bool `json:"deleted"`
	}
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	err := c.do(ctx, http.MethodDelete, "/schedules/"+url.PathEscape(name), q, &out)
	return out.Deleted, err
}

func (c *Client) Reconcile(ctx context.Context) ([]string, error) {
	var out struct {
		Changed []string `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, "/reconcile", nil, &out)
	return out.Changed, err
}

func stopQuery(req StopRequest) url.Values {
	q := url.Values{}
	if req.Wait > 0 {
		q.Set("wait", req.Wait.String())
	}
	if req.Delete {
		q.Set("delete", strconv.FormatBool(true))
	}
	if req.Force {
		q.Set("force", strconv.FormatBool(true))
	}
	return q
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA certificate %s", config.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// do performs a request and decodes a JSON body into out. Non-2xx replies
// become errors; when out is set the body is still decoded into it.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return c.handleErrorResponse(resp.StatusCode, body, out)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(code int, body []byte, out any) error {
	if out != nil {
		_ = json.Unmarshal(body, out)
	}
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		errorResp.Error = http.StatusText(code)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", code)
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error (HTTP %d): %s", code, errorResp.Error)
}
