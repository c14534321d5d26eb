// Package client talks to the stepq HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loykin/stepq/internal/queue"
)

// Client provides access to a stepq API server.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional
	// CACert, when set, is a PEM file used to verify an HTTPS server.
	CACert   string
	Insecure bool // skip TLS verification
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
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
	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks if the server answers on its process list endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/processes", nil)
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

// Enqueue submits a process and returns its pid.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out pidResponse
	if err := c.do(ctx, http.MethodPost, "/processes", body, &out); err != nil {
		return "", err
	}
	c.logger.Debug("process enqueued", "pid", out.PID)
	return out.PID, nil
}

// Info returns the stored record of pid and its step progress.
func (c *Client) Info(ctx context.Context, pid string) (ProcessInfo, error) {
	var out ProcessInfo
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(pid), nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, pid string) (queue.State, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(pid)+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// Proceed resumes an interrupted process, merging data into its state.
func (c *Client) Proceed(ctx context.Context, pid string, data json.RawMessage) (string, error) {
	var out pidResponse
	if err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(pid)+"/proceed", data, &out); err != nil {
		return "", err
	}
	return out.PID, nil
}

// Enqueued lists ready processes.
func (c *Client) Enqueued(ctx context.Context) ([]queue.Record, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/processes", nil, &out); err != nil {
		return nil, err
	}
	return out.Processes, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)
	return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
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
