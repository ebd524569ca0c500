package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConfig for creating an HTTPSender
type HTTPConfig struct {
	BaseURL        string        // resolves relative call URLs
	RequestTimeout time.Duration // 0 leaves the deadline to the caller's context
	Logger         zerolog.Logger
}

// HTTPSender sends calls over net/http
type HTTPSender struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPSender creates a new HTTPSender
func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		base = parsed
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &HTTPSender{
		baseURL: base,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		logger: cfg.Logger.With().Str("component", "http_sender").Logger(),
	}, nil
}

// NewHTTPSenderWithClient wraps an existing client
func NewHTTPSenderWithClient(client *http.Client, logger zerolog.Logger) *HTTPSender {
	return &HTTPSender{
		httpClient: client,
		logger:     logger.With().Str("component", "http_sender").Logger(),
	}
}

// Send performs the call. Cancelling ctx aborts the in-flight request.
func (s *HTTPSender) Send(ctx context.Context, call *Call) (*Response, error) {
	target, err := s.resolve(call.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range call.Header {
		httpReq.Header[k] = v
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("HTTP request aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("HTTP request aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	s.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Int("bytes", len(data)).
		Msg("HTTP call completed")

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        data,
	}, nil
}

// resolve joins relative URLs onto the base URL
func (s *HTTPSender) resolve(raw string) (string, error) {
	if s.baseURL == nil || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw, nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	return s.baseURL.ResolveReference(ref).String(), nil
}

// Close releases idle connections
func (s *HTTPSender) Close() {
	s.httpClient.CloseIdleConnections()
}
