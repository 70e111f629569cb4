// Package hpc is the client side of the HPC Pack REST control plane: job creation,
// job submission, and the state change events its push hubs emit.
package hpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"eventbvt/internal/apperrors"
	"eventbvt/internal/config"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 1 << 20

// MetricsRecorder is an optional interface for recording request metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64)
}

// ClientConfig configures a control plane client.
type ClientConfig struct {
	BaseURL            string // default: https://{Credentials.Hostname}
	Credentials        config.Credentials
	Timeout            time.Duration // per-request timeout (default: 30s)
	InsecureSkipVerify bool          // skip TLS chain validation, test clusters only
	Metrics            MetricsRecorder
	Logger             *slog.Logger
}

// Client issues authenticated requests against the job REST API.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	baseURL    string
	authHeader string
	metrics    MetricsRecorder
	logger     *slog.Logger
}

// NewClient creates a control plane client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = cfg.Credentials.BaseURL()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hpc")

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		// Scoped to this transport; shared only with the push session of the same run.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		logger.Warn("TLS certificate verification disabled", "baseURL", baseURL)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transport:  transport,
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: cfg.Credentials.AuthorizationHeader(),
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Transport returns the transport carrying the client's TLS settings.
func (c *Client) Transport() *http.Transport {
	return c.transport
}

// CreateJob creates a job from the descriptor and returns its id.
func (c *Client) CreateJob(ctx context.Context, descriptor JobDescriptor) (int, error) {
	doc, err := descriptor.XML()
	if err != nil {
		return 0, apperrors.Internal("hpc.createJob", err)
	}
	// The endpoint takes the XML document as a JSON string.
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, apperrors.Internal("hpc.createJob", err)
	}

	c.logger.Info("Creating job from XML", "name", descriptor.Name, "tasks", len(descriptor.Tasks))
	c.logger.Debug("Job XML", "xml", doc)

	respBody, err := c.post(ctx, "/hpc/jobs/jobFile", bytes.NewReader(body), "application/json; charset=utf-8")
	if err != nil {
		return 0, err
	}

	jobID, err := parseJobID(respBody)
	if err != nil {
		return 0, apperrors.Internal("hpc.createJob", err)
	}
	c.logger.Info("Job created", "job", jobID)
	return jobID, nil
}

// SubmitJob submits a created job for scheduling.
func (c *Client) SubmitJob(ctx context.Context, jobID int) error {
	c.logger.Info("Submitting job", "job", jobID)
	_, err := c.post(ctx, fmt.Sprintf("/hpc/jobs/%d/submit", jobID), http.NoBody, "")
	return err
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json, text/plain")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: request failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if c.metrics != nil {
		c.metrics.RecordHTTPRequest(ctx, http.MethodPost, path, resp.StatusCode, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("POST %s: reading response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Request failed", "path", path, "status", resp.StatusCode)
		return nil, apperrors.API(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// parseJobID reads a decimal job id, tolerating surrounding whitespace and JSON quotes.
func parseJobID(body []byte) (int, error) {
	text := strings.Trim(strings.TrimSpace(string(body)), `"`)
	id, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", text, err)
	}
	return id, nil
}
