// Package httpclient provides an HTTP client with retry, backoff, and rate
// limit handling shared by every llms provider adapter.
package httpclient

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// RetryStrategy defines how to handle retries.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo contains rate limit information from response headers.
type RateLimitInfo struct {
	RetryAfter            time.Duration
	ResetTime             int64
	RequestsRemaining     int
	InputTokensRemaining  int
	OutputTokensRemaining int
	TokensRemaining       int
}

// HeaderParser extracts rate limit info from response headers.
type HeaderParser func(http.Header) RateLimitInfo

// StrategyFunc determines the retry strategy based on status code.
type StrategyFunc func(int) RetryStrategy

// Client wraps http.Client with retry and backoff capabilities.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	headerParser HeaderParser
	strategyFunc StrategyFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if c.client != nil && c.client.Transport != nil {
			if existingTransport, ok := c.client.Transport.(*http.Transport); ok && existingTransport.TLSClientConfig != nil {
				if client.Transport == nil {
					client.Transport = &http.Transport{TLSClientConfig: &tls.Config{}}
				}
				if newTransport, ok := client.Transport.(*http.Transport); ok {
					if newTransport.TLSClientConfig == nil {
						newTransport.TLSClientConfig = &tls.Config{}
					}
					newTransport.TLSClientConfig.RootCAs = existingTransport.TLSClientConfig.RootCAs
					newTransport.TLSClientConfig.InsecureSkipVerify = existingTransport.TLSClientConfig.InsecureSkipVerify
				}
			}
		}
		c.client = client
	}
}

// WithMaxRetries sets the maximum number of retries.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithMaxDelay sets the maximum delay between retries.
func WithMaxDelay(delay time.Duration) Option {
	return func(c *Client) { c.maxDelay = delay }
}

// WithHeaderParser sets a custom rate limit header parser.
func WithHeaderParser(parser HeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

// WithRetryStrategy sets a custom retry strategy function.
func WithRetryStrategy(strategyFunc StrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = strategyFunc }
}

// TLSConfig holds TLS configuration options for outbound HTTP requests.
type TLSConfig struct {
	InsecureSkipVerify bool
	CACertificate      string
}

// ConfigureTLS creates an http.Transport with TLS configuration.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{TLSClientConfig: &tls.Config{}}
	if config == nil {
		return transport, nil
	}

	if config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
		slog.Warn("TLS certificate verification disabled - NOT for production use")
	}

	return transport, nil
}

// WithTLSConfig sets TLS configuration for the HTTP client. Call it after
// WithHTTPClient if both are used, or it will overwrite the transport.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		transport, err := ConfigureTLS(config)
		if err != nil {
			slog.Warn("Failed to configure TLS", "error", err)
			return
		}
		if c.client != nil {
			timeout := c.client.Timeout
			c.client.Transport = transport
			c.client.Timeout = timeout
		} else {
			c.client = &http.Client{Transport: transport, Timeout: 120 * time.Second}
		}
	}
}

// New creates a new Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: 120 * time.Second},
		maxRetries:   5,
		baseDelay:    2 * time.Second,
		maxDelay:     60 * time.Second,
		strategyFunc: DefaultStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultStrategy returns the default retry strategy for a status code.
func DefaultStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request with retry logic.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, strategy, retryInfo, err := c.attemptRequest(req)

		if strategy == NoRetry || err == nil {
			return resp, err
		}

		if attempt >= c.maxRetries {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
				RetryAfter: c.calculateDelay(strategy, attempt, retryInfo),
				Err:        err,
			}
		}

		delay := c.calculateDelay(strategy, attempt, retryInfo)
		if delay <= 0 {
			return resp, err
		}

		c.logRetry(strategy, delay, attempt, resp)
		time.Sleep(delay)
	}

	return nil, &RetryableError{
		StatusCode: 0,
		Message:    fmt.Sprintf("max retries exceeded after %d attempts", c.maxRetries),
		RetryAfter: c.baseDelay * 2,
		Err:        fmt.Errorf("max retries exceeded"),
	}
}

func (c *Client) attemptRequest(req *http.Request) (*http.Response, RetryStrategy, RateLimitInfo, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, NoRetry, RateLimitInfo{}, nil
	}

	var retryInfo RateLimitInfo
	if c.headerParser != nil {
		retryInfo = c.headerParser(resp.Header)
	}

	strategy := c.strategyFunc(resp.StatusCode)
	return resp, strategy, retryInfo, fmt.Errorf("HTTP %d", resp.StatusCode)
}

func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			delay := time.Until(time.Unix(info.ResetTime, 0))
			if delay > 0 {
				return min(delay, c.maxDelay)
			}
		}
		delay := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.1)
		return min(delay+jitter, c.maxDelay)

	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

func (c *Client) logRetry(strategy RetryStrategy, delay time.Duration, attempt int, resp *http.Response) {
	maxAttempts := c.maxRetries
	if strategy == ConservativeRetry {
		maxAttempts = 2
	}

	statusCode := 0
	var errorDetails string
	if resp != nil {
		statusCode = resp.StatusCode
		errorDetails = extractErrorDetails(resp)
	}

	switch strategy {
	case SmartRetry:
		slog.Info("Rate limited, retrying",
			"status", statusCode, "delay", delay, "attempt", attempt+1, "max", maxAttempts, "details", errorDetails)
	case ConservativeRetry:
		if attempt == maxAttempts-1 {
			slog.Warn("Server error, retrying",
				"status", statusCode, "delay", delay, "attempt", attempt+1, "max", maxAttempts, "details", errorDetails)
		}
	}
}

func extractErrorDetails(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return ""
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var errorResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errorResp) == nil && errorResp.Error.Message != "" {
		return errorResp.Error.Message
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
