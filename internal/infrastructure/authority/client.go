package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures the authority client
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RetryWindow bounds the wall-clock time of one Submit, retries included
	RetryWindow time.Duration
	TokenTTL    time.Duration
	SenderRUT   string
	CompanyRUT  string
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = 15 * time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * time.Minute
	}
}

// Client talks to the tax authority's seed, token, upload and status services
type Client struct {
	config     Config
	companyKey dte.CompanyKey
	tokens     TokenCache
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *zap.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenCache replaces the in-process token cache
func WithTokenCache(tc TokenCache) Option {
	return func(c *Client) { c.tokens = tc }
}

// WithLogger sets the client logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an authority client authenticating with the company key
func NewClient(cfg Config, companyKey dte.CompanyKey, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("authority: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("authority: invalid base URL: %w", err)
	}
	if _, _, err := dte.SplitRUT(cfg.SenderRUT); err != nil {
		return nil, fmt.Errorf("authority: sender RUT: %w", err)
	}
	if _, _, err := dte.SplitRUT(cfg.CompanyRUT); err != nil {
		return nil, fmt.Errorf("authority: company RUT: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		config:     cfg,
		companyKey: companyKey,
		tokens:     NewMemoryTokenCache(),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		tracer:     otel.Tracer("github.com/erp/dte/authority"),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("authority")
	return c, nil
}

// callError is a failed exchange with the authority. Ambiguous is set when
// the request was fully written, so the authority may have acted on it.
type callError struct {
	Op        string
	Ambiguous bool
	Status    int
	Err       error
}

func (e *callError) Error() string {
	kind := "transient"
	if e.Ambiguous {
		kind = "ambiguous"
	}
	if e.Status != 0 {
		return fmt.Sprintf("authority %s: %s failure: HTTP %d: %v", e.Op, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("authority %s: %s failure: %v", e.Op, kind, e.Err)
}

func (e *callError) Unwrap() error { return e.Err }

// refusedError is a 4xx answer; retrying the same request cannot help
type refusedError struct {
	Op     string
	Status int
	Body   string
}

func (e *refusedError) Error() string {
	return fmt.Sprintf("authority %s: request refused: HTTP %d: %s", e.Op, e.Status, e.Body)
}

func isAmbiguous(err error) bool {
	var ce *callError
	return errors.As(err, &ce) && ce.Ambiguous
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	token       string
}

// do performs one HTTP exchange. Failures are classified by whether the
// request body reached the wire before the connection failed.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "authority."+r.op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", r.method), attribute.String("authority.path", r.path)))
	defer span.End()

	body, err := c.exchange(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

func (c *Client) exchange(ctx context.Context, r request) ([]byte, error) {
	target := c.config.BaseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var reqBody io.Reader
	if r.body != nil {
		reqBody = bytes.NewReader(r.body)
	}

	var wrote atomic.Bool
	ct := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, ct), r.method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("authority: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("User-Agent", "dte-engine/1.0")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.token != "" {
		req.Header.Set("Cookie", "TOKEN="+r.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &callError{Op: r.op, Ambiguous: wrote.Load(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &callError{Op: r.op, Ambiguous: true, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusTooManyRequests:
		// the authority turned the request away before processing it
		return nil, &callError{Op: r.op, Status: resp.StatusCode, Err: errors.New(snippet(respBody))}
	case resp.StatusCode >= 500:
		return nil, &callError{Op: r.op, Ambiguous: true, Status: resp.StatusCode, Err: errors.New(snippet(respBody))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", errTokenRejected, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &refusedError{Op: r.op, Status: resp.StatusCode, Body: snippet(respBody)}
	}
	return respBody, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
