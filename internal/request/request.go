package request

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

// Client wraps http.Client with rate limiting, bounded retries and logging.
type Client struct {
	client          *http.Client
	headers         map[string]string
	limiter         ratelimit.Limiter
	logger          zerolog.Logger
	maxRetries      int
	retryableStatus map[int]struct{}
	retryDelay      time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.headers = headers
	}
}

func WithRateLimiter(rl ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = rl
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithRetryableStatus(statuses ...int) Option {
	return func(c *Client) {
		for _, s := range statuses {
			c.retryableStatus[s] = struct{}{}
		}
	}
}

func WithProxy(proxy string) Option {
	return func(c *Client) {
		if proxy == "" {
			return
		}
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return
		}
		transport, ok := c.client.Transport.(*http.Transport)
		if !ok {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		c.client.Transport = transport
	}
}

// WithRedirectPolicy caps redirect following at n hops.
func WithRedirectPolicy(n int) Option {
	return func(c *Client) {
		c.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= n {
				return fmt.Errorf("stopped after %d redirects", n)
			}
			return nil
		}
	}
}

func New(options ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		retryableStatus: make(map[int]struct{}),
		retryDelay:      time.Second,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ParseRateLimit converts "200/minute" or "10/second" into a limiter.
// An empty or malformed spec returns nil (no limiting).
func ParseRateLimit(spec string) ratelimit.Limiter {
	if spec == "" {
		return nil
	}
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return nil
	}
	switch strings.TrimSpace(strings.ToLower(parts[1])) {
	case "second", "sec", "s":
		return ratelimit.New(n)
	case "minute", "min", "m":
		return ratelimit.New(n, ratelimit.Per(time.Minute))
	case "hour", "h":
		return ratelimit.New(n, ratelimit.Per(time.Hour))
	}
	return nil
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			c.limiter.Take()
		}
		resp, err = c.client.Do(req)
		if err != nil {
			if req.Body != nil || attempt == c.maxRetries {
				return nil, err
			}
			time.Sleep(c.retryDelay * time.Duration(attempt+1))
			continue
		}
		if _, retry := c.retryableStatus[resp.StatusCode]; retry && attempt < c.maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			c.logger.Debug().Int("status", resp.StatusCode).Str("url", req.URL.String()).Msg("Retrying request")
			time.Sleep(c.retryDelay * time.Duration(attempt+1))
			continue
		}
		return resp, nil
	}
	return resp, err
}

// Underlying exposes the wrapped http.Client for code that needs to hand the
// client to another library.
func (c *Client) Underlying() *http.Client {
	return c.client
}

// JSONResponse writes v as a JSON response body with the given status code.
func JSONResponse(w http.ResponseWriter, v interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// JSONError writes an error payload in the shape the UI expects.
func JSONError(w http.ResponseWriter, message string, code int) {
	JSONResponse(w, map[string]string{"error": message}, code)
}
