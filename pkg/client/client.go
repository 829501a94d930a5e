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
	"strings"
	"time"
)

// Client talks to the gridwarden HTTP API.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
	// Basic credentials, sent when Username is set.
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a client. Zero fields of config fall back to DefaultConfig.
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

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		username: config.Username,
		password: config.Password,
		logger:   config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable reports whether the daemon answers on its base URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Hosts lists fleet hosts.
func (c *Client) Hosts(ctx context.Context) ([]Host, error) {
	var out []Host
	err := c.do(ctx, http.MethodGet, "/hosts", nil, &out)
	return out, err
}

// SetIdle marks a host idle or busy.
func (c *Client) SetIdle(ctx context.Context, host string, idle bool) error {
	return c.do(ctx, http.MethodPut, "/hosts/"+url.PathEscape(host)+"/idle", map[string]bool{"idle": idle}, nil)
}

// Processes lists every supervised process.
func (c *Client) Processes(ctx context.Context) ([]ProcessStatus, error) {
	var out []ProcessStatus
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

// Process returns status and status log of one process.
func (c *Client) Process(ctx context.Context, host, role string) (ProcessDetail, error) {
	var out ProcessDetail
	err := c.do(ctx, http.MethodGet, processPath(host, role), nil, &out)
	return out, err
}

// Resources returns the last resource sample of one process.
func (c *Client) Resources(ctx context.Context, host, role string) (ResourceSample, error) {
	var out ResourceSample
	err := c.do(ctx, http.MethodGet, processPath(host, role)+"/resources", nil, &out)
	return out, err
}

// Start marks a process desired active and starts it.
func (c *Client) Start(ctx context.Context, host, role string) error {
	c.logger.Debug("starting process", "host", host, "role", role)
	return c.do(ctx, http.MethodPost, processPath(host, role)+"/start", nil, nil)
}

// Stop clears the desired flag and stops the process.
func (c *Client) Stop(ctx context.Context, host, role string) error {
	c.logger.Debug("stopping process", "host", host, "role", role)
	return c.do(ctx, http.MethodPost, processPath(host, role)+"/stop", nil, nil)
}

// Restart replaces the process with a fresh one.
func (c *Client) Restart(ctx context.Context, host, role string) error {
	c.logger.Debug("restarting process", "host", host, "role", role)
	return c.do(ctx, http.MethodPost, processPath(host, role)+"/restart", nil, nil)
}

// Reconcile runs one reconciliation pass on the daemon.
func (c *Client) Reconcile(ctx context.Context) ([]Result, error) {
	var out []Result
	err := c.do(ctx, http.MethodPost, "/reconcile", nil, &out)
	return out, err
}

// Version returns the selected artifact version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out VersionResponse
	err := c.do(ctx, http.MethodGet, "/version", nil, &out)
	return out.Version, err
}

// SetVersion changes the artifact version and restarts active processes.
func (c *Client) SetVersion(ctx context.Context, version string) (VersionResponse, error) {
	var out VersionResponse
	err := c.do(ctx, http.MethodPut, "/version", VersionRequest{Version: version}, &out)
	return out, err
}

func processPath(host, role string) string {
	return "/processes/" + url.PathEscape(host) + "/" + url.PathEscape(role)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	t := config.TLS
	tlsConfig.ServerName = t.ServerName
	if t.CACert != "" {
		pem, err := os.ReadFile(t.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", t.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if t.ClientCert != "" && t.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// do sends body as JSON and decodes a 2xx response into out when out is set.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}
