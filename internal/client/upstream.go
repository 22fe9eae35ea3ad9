// Package client provides the upstream HTTP clients used to fetch targets.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"url-proxy-go/internal/config"
	"url-proxy-go/internal/metrics"
	"url-proxy-go/internal/model"
)

// ProxyClient selects a transport by target scheme. It holds one plain and
// one TLS-capable transport, built once and reused for every request so
// their connection pools are shared. Transports are driven directly, so
// redirects are never followed here.
type ProxyClient struct {
	plain   http.RoundTripper
	secure  http.RoundTripper
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customizes a ProxyClient.
type Option func(*ProxyClient)

// WithTLSConfig replaces the TLS configuration of the secure transport,
// keeping its ALPN protocols when tc sets none.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *ProxyClient) {
		tr, ok := c.secure.(*http.Transport)
		if !ok || tc == nil {
			return
		}
		tc = tc.Clone()
		if len(tc.NextProtos) == 0 && tr.TLSClientConfig != nil {
			tc.NextProtos = tr.TLSClientConfig.NextProtos
		}
		tr.TLSClientConfig = tc
	}
}

// NewProxyClient creates a ProxyClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewProxyClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*ProxyClient, error) {
	secure := newTransport(cfg)
	if err := http2.ConfigureTransport(secure); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	secure.TLSClientConfig.MinVersion = tls.VersionTLS12

	c := &ProxyClient{
		plain:   newTransport(cfg),
		secure:  secure,
		timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:  logger.With("component", "proxy_client"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// Select returns the transport for the target's scheme, or ErrInvalidURL
// when the scheme is neither http nor https.
func (c *ProxyClient) Select(target *url.URL) (http.RoundTripper, error) {
	if target == nil {
		return nil, model.ErrInvalidURL
	}
	switch target.Scheme {
	case "https":
		return c.secure, nil
	case "http":
		return c.plain, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidURL, target.Scheme)
	}
}

// Request issues a GET for target with the given headers and returns the
// raw upstream response. The caller is responsible for closing the body.
// The context controls the lifetime of the upstream request: when it is
// canceled (e.g. client disconnects), the upstream request is canceled too.
// The upstream timeout covers the whole exchange, body included.
func (c *ProxyClient) Request(ctx context.Context, target *url.URL, header http.Header) (*model.ProxyResponse, error) {
	rt, err := c.Select(target)
	if err != nil {
		return nil, err
	}

	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: build upstream request: %w", model.ErrInvalidURL, err)
	}
	req.Header = header.Clone()

	resp, err := c.roundTrip(rt, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *ProxyClient) roundTrip(rt http.RoundTripper, req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"scheme", req.URL.Scheme,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := rt.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(req.URL.Scheme).Observe(duration)
			c.metrics.UpstreamResponses.WithLabelValues(req.URL.Scheme, errorLabel(err)).Inc()
		}
		return nil, fmt.Errorf("%w: %w", model.ErrRequestFailed, err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(req.URL.Scheme).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(req.URL.Scheme, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// errorLabel buckets transport failures for the status_code label.
func errorLabel(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "error"
}

// cancelOnClose releases the request context once the body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
