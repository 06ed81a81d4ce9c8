// Package httpclient is the single HTTP stack used for release APIs and downloads.
// It applies the configured DNS strategy, proxy and certificate trust, retries
// idempotent API requests, and maps failures to model errors.
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

// Client issues GET requests. The zero value is not usable; call New.
type Client struct {
	settings Settings
	api      *http.Client
	stream   *http.Client
}

// RequestOption customizes a single request.
type RequestOption func(*http.Request)

func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// WithBearer sets an Authorization header when token is not empty.
func WithBearer(token string) RequestOption {
	return func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

func New(s Settings) (*Client, error) {
	s = s.withDefaults()
	tlsConfig, err := buildTLSConfig(s)
	if err != nil {
		return nil, err
	}
	resolver, err := newResolver(s, tlsConfig)
	if err != nil {
		return nil, err
	}
	proxy, err := ParseProxy(s.Proxy)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: s.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   s.ConnectTimeout,
		ResponseHeaderTimeout: s.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}
	if _, ok := resolver.(systemResolver); ok {
		transport.DialContext = dialer.DialContext
	} else {
		transport.DialContext = resolvingDialer(resolver, dialer)
	}
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy.URL())
	}

	log.WithFields(log.Fields{
		"dns":   s.DNS,
		"proxy": proxy != nil,
	}).Debug("http client configured")

	return &Client{
		settings: s,
		api:      &http.Client{Transport: transport, Timeout: s.CallTimeout},
		stream:   &http.Client{Transport: transport},
	}, nil
}

// Get performs an API request and returns a response with a 2xx status. Transport
// failures and 5xx responses are retried with exponential backoff.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		r, err := c.do(ctx, c.api, rawURL, opts)
		if err != nil {
			if retryable(ctx, err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.settings.RetryInitial
	b.MaxInterval = 10 * c.settings.RetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.settings.Retries)), ctx)
	notify := func(err error, next time.Duration) {
		log.WithField("url", rawURL).Debugf("request failed, retrying in %s: %v", next, err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream starts a single download request. The returned body aborts the transfer
// when no data arrives for the configured read timeout.
func (c *Client) Stream(ctx context.Context, rawURL string, opts ...RequestOption) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, c.stream, rawURL, opts)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = newIdleBody(resp.Body, c.settings.ReadTimeout, cancel)
	return resp, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, rawURL string, opts []RequestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", c.settings.UserAgent)
	for _, opt := range opts {
		opt(req)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		if isRateLimited(req.URL, resp) {
			return nil, fmt.Errorf("%w: %s returned HTTP %d", model.ErrRateLimited, rawURL, resp.StatusCode)
		}
		return nil, &model.NetworkError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) {
		return false
	}
	return netErr.StatusCode == 0 || netErr.StatusCode >= 500
}

func isRateLimited(u *url.URL, resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0" || IsGitHubAPIHost(u.Hostname())
	}
	return false
}

// IsGitHubAPIHost reports whether host serves the GitHub REST API.
func IsGitHubAPIHost(host string) bool {
	host = strings.ToLower(host)
	return host == "api.github.com" || strings.HasSuffix(host, ".api.github.com")
}

func buildTLSConfig(s Settings) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !s.TrustUserCAs || s.UserCAFile == "" {
		return cfg, nil
	}
	pemData, err := os.ReadFile(s.UserCAFile)
	if err != nil {
		return nil, fmt.Errorf("read user CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("user CA file %s contains no PEM certificates", s.UserCAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// idleBody cancels the request when Read makes no progress for timeout.
type idleBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	once    sync.Once
}

func newIdleBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	return &idleBody{
		body:    body,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, cancel),
		cancel:  cancel,
	}
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	err := b.body.Close()
	b.once.Do(func() {
		b.timer.Stop()
		b.cancel()
	})
	return err
}
