package ota

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Image is an open firmware download. ContentLength is the declared size,
// or -1 when the server did not declare one.
type Image struct {
	Body          io.ReadCloser
	ContentLength int64
}

// Fetcher opens firmware images by URL. Open errors wrap ErrBeginFailed
// when no request was sent and ErrGetFailed otherwise.
type Fetcher interface {
	Open(ctx context.Context, url string) (*Image, error)
}

// FetcherConfig configures HTTPFetcher.
type FetcherConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// RootCAs overrides the platform roots when set.
	RootCAs *x509.CertPool
	// InsecureSkipVerify disables certificate checks. Bench brokers only.
	InsecureSkipVerify bool
}

const (
	defaultDialTimeout           = 10 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 15 * time.Second
)

// HTTPFetcher downloads images over HTTPS with HTTP/2 when the server
// offers it.
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPFetcher builds a fetcher with bounded dial, TLS and header waits.
// The body itself is not bounded here; the updater watches for stalls.
func NewHTTPFetcher(cfg FetcherConfig, logger *slog.Logger) (*HTTPFetcher, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = defaultTLSHandshakeTimeout
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = defaultResponseHeaderTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          2,
		IdleConnTimeout:       30 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			RootCAs:            cfg.RootCAs,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	// Health-check pings detect a dead connection while the body is idle.
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 10 * time.Second

	if cfg.InsecureSkipVerify {
		logger.Warn("firmware fetcher skips TLS certificate verification")
	}
	return &HTTPFetcher{
		client: &http.Client{Transport: transport},
		logger: logger.With("component", "fetcher"),
	}, nil
}

// Open issues the GET. Redirects are followed. The caller closes the body.
func (f *HTTPFetcher) Open(ctx context.Context, url string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBeginFailed, err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGetFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrGetFailed, resp.StatusCode)
	}
	f.logger.Debug("image stream open", "proto", resp.Proto, "content_length", resp.ContentLength)
	return &Image{Body: resp.Body, ContentLength: resp.ContentLength}, nil
}
