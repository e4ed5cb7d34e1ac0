// Package fetch performs the HTTP GET for one source.
//
// Any response that carries a status code is a *Response, including 4xx and
// 5xx; the scheduler decides what a status means. Failures before a status
// is known (DNS, connect, TLS, timeout, blocked URL) are *TransportError,
// and so is a body that cannot be read to the end.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/sitepoll/horosafe"
)

// DefaultUserAgent is a desktop browser string; some forecast sites refuse
// unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:80.0) Gecko/20100101 Firefox/80.0"

// Response is a completed request.
type Response struct {
	Status   int
	Body     []byte
	Duration time.Duration
	// Truncated is set when the body hit MaxBytes.
	Truncated bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// TransportError is a request that produced no status code.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// Config configures the HTTP fetcher.
type Config struct {
	Timeout  time.Duration // Default: 30s.
	MaxBytes int64         // Default: 10MB.
	// UserAgent defaults to DefaultUserAgent.
	UserAgent string
	// URLValidator runs before the request and on every redirect.
	// Default: horosafe.ValidateScheme. Use horosafe.ValidateURL to also
	// block private addresses.
	URLValidator func(string) error
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateScheme
	}
}

// HTTP is the net/http Fetcher.
type HTTP struct {
	client *http.Client
	config Config
}

// New creates an HTTP fetcher that follows at most 5 redirects, validating
// each hop.
func New(cfg Config) *HTTP {
	cfg.defaults()
	validate := cfg.URLValidator
	return &HTTP{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch implements Fetcher.
func (f *HTTP) Fetch(ctx context.Context, url string) (*Response, error) {
	start := time.Now()
	if err := f.config.URLValidator(url); err != nil {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("url blocked: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, f.config.MaxBytes)
	out := &Response{Status: resp.StatusCode, Body: body}
	if err != nil {
		if !errors.Is(err, horosafe.ErrTooLarge) {
			return nil, &TransportError{URL: url, Err: fmt.Errorf("read body (status %d): %w", resp.StatusCode, err)}
		}
		out.Truncated = true
	}
	out.Duration = time.Since(start)
	return out, nil
}
